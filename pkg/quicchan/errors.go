package quicchan

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/fibre"
)

var (
	ErrNoTLSConfig     = errors.New("quicchan: TLSConfig is required")
	ErrBufferSize      = errors.New("quicchan: could not allocate udp buffer")
	ErrHostnameResolve = errors.New("quicchan: could not resolve hostname from certificate")
	ErrInvalidAddr     = errors.New("quicchan: the address you provided is invalid")
	ErrShutdown        = errors.New("quicchan: shutting down")
)

// streamCodeBase offsets statuses so that code 0 keeps meaning "no error".
const streamCodeBase = 0x100

// StreamCode is the QUIC stream error code a channel closed with status
// resets its stream with.
func StreamCode(status fibre.Status) quic.StreamErrorCode {
	return quic.StreamErrorCode(streamCodeBase + uint64(uint32(status)))
}

// StatusOf maps a stream error code back to a status. Codes not produced
// by `StreamCode` are internal errors of the peer.
func StatusOf(code quic.StreamErrorCode) fibre.Status {
	if code < streamCodeBase || code > streamCodeBase+0xffffffff {
		return fibre.StatusInternalError
	}
	return fibre.Status(int32(uint32(code - streamCodeBase)))
}

// QuicApplicationError closes a whole connection.
type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
