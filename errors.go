package fibre

import (
	"errors"
	"fmt"
)

var (
	ErrIncompatibleVersion = errors.New("fibre: incompatible engine version")
	ErrRuntimeClosed       = errors.New("fibre: runtime closed")
	ErrInvalidCfg          = errors.New("fibre: invalid options")
	ErrObjectLost          = errors.New("fibre: the object disappeared")
	ErrNoSuchMember        = errors.New("fibre: no such attribute or function")
	ErrArgumentCount       = errors.New("fibre: wrong number of arguments")
	ErrDiscoveryStopped    = errors.New("fibre: discovery stopped")
	ErrNotProperty         = errors.New("fibre: attribute is not a property")

	ErrHandleNotFound = errors.New("handles: handle not found")
	ErrOverRelease    = errors.New("handles: released more times than acquired")
	ErrTableFull      = errors.New("handles: no free handle left")
	ErrHandleInUse    = errors.New("handles: handle already in use")

	ErrOutOfMemory = errors.New("memory: allocation failed")
	ErrBadRef      = errors.New("memory: reference out of bounds")

	ErrUnsupportedType     = errors.New("codec: unsupported type")
	ErrDepthExceeded       = errors.New("codec: depth budget exceeded")
	ErrStaleObject         = errors.New("codec: stale object reference")
	ErrUnresolvedReference = errors.New("codec: unresolved object reference")
	ErrUnknownCodec        = errors.New("codec: unknown codec")
	ErrShortBuffer         = errors.New("codec: buffer too short")
	ErrBadStub             = errors.New("codec: malformed stub")

	ErrProtocolViolation  = errors.New("dispatch: protocol violation")
	ErrUnknownHandle      = errors.New("dispatch: task references an unknown handle")
	ErrUnknownTaskType    = errors.New("dispatch: unknown task type")
	ErrNoProgress         = errors.New("dispatch: completion did not advance the stream")
	ErrUnexpectedLayer    = errors.New("dispatch: chunk on unexpected layer")
	ErrExtraOutput        = errors.New("dispatch: received unexpected extra data")
	ErrUnexpectedTask     = errors.New("dispatch: task does not match the state of the call")
	ErrCursorOutOfRange   = errors.New("dispatch: acknowledged outside of the written range")
	ErrReentrantDispatch  = errors.New("dispatch: re-entrant dispatch")
	ErrServerNotSupported = errors.New("dispatch: function server not implemented")
	ErrWriteInFlight      = errors.New("dispatch: a write is already in flight")

	// Statuses reported by the peer. CLOSED is the normal end of a stream
	// and only becomes an error when it arrives where data was expected.
	ErrBusy            = errors.New("fibre: busy")
	ErrCancelled       = errors.New("fibre: operation cancelled")
	ErrClosed          = errors.New("fibre: closed")
	ErrInvalidArgument = errors.New("fibre: invalid argument")
	ErrInternal        = errors.New("fibre: internal error")
	ErrPeerMisbehaving = errors.New("fibre: misbehaving peer")
	ErrHostUnreachable = errors.New("fibre: host unreachable")
)

// Status is a completion code exchanged with the engine.
type Status int32

const (
	StatusOK Status = iota
	StatusBusy
	StatusCancelled
	StatusClosed
	StatusInvalidArgument
	StatusInternalError
	StatusProtocolError
	StatusHostUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBusy:
		return "busy"
	case StatusCancelled:
		return "cancelled"
	case StatusClosed:
		return "closed"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusInternalError:
		return "internal_error"
	case StatusProtocolError:
		return "protocol_error"
	case StatusHostUnreachable:
		return "host_unreachable"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Err returns the caller-visible error for a status, nil for `StatusOK`.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError carries a status reported by the peer. It unwraps to one of
// the status sentinels so callers can use `errors.Is`.
type StatusError struct {
	Status Status
}

func (serr *StatusError) Error() string {
	if sentinel := serr.Unwrap(); sentinel != nil {
		return sentinel.Error()
	}
	return fmt.Sprintf("fibre: unknown error %d", int32(serr.Status))
}

func (serr *StatusError) Unwrap() error {
	switch serr.Status {
	case StatusBusy:
		return ErrBusy
	case StatusCancelled:
		return ErrCancelled
	case StatusClosed:
		return ErrClosed
	case StatusInvalidArgument:
		return ErrInvalidArgument
	case StatusInternalError:
		return ErrInternal
	case StatusProtocolError:
		return ErrPeerMisbehaving
	case StatusHostUnreachable:
		return ErrHostUnreachable
	default:
		return nil
	}
}

// StatusOf extracts the status carried by err, whether it came from the
// peer or wraps one of the status sentinels. Other errors map to
// `StatusInternalError`.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status
	}
	if errors.Is(err, ErrProtocolViolation) {
		return StatusProtocolError
	}
	for _, m := range []struct {
		sentinel error
		status   Status
	}{
		{ErrBusy, StatusBusy},
		{ErrCancelled, StatusCancelled},
		{ErrClosed, StatusClosed},
		{ErrInvalidArgument, StatusInvalidArgument},
		{ErrInternal, StatusInternalError},
		{ErrPeerMisbehaving, StatusProtocolError},
		{ErrHostUnreachable, StatusHostUnreachable},
	} {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return StatusInternalError
}

func violation(detail error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrProtocolViolation, detail, fmt.Sprintf(format, args...))
}
