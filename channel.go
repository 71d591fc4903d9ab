package fibre

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Channel is one direction of a byte stream opened by a `ChannelOpener`.
// Channels are reliable and ordered. At most one `Read` and one `Write`
// may be outstanding on a channel.
type Channel interface {
	// Read returns at most maxLen bytes, waiting for at least one. Once the
	// other side closed the channel and everything was read, it returns
	// the error of the closing status, `ErrClosed` for a normal close.
	Read(ctx context.Context, maxLen int) ([]byte, error)

	// Write consumes a prefix of b and returns its length.
	Write(ctx context.Context, b []byte) (int, error)

	// Close ends the stream with status.
	Close(status Status) error
}

// ChannelOpener is implemented by transports able to reach the engine.
type ChannelOpener interface {
	Open(ctx context.Context, mtu int) (rx Channel, tx Channel, err error)
}

// Pipe is an in-memory `ChannelOpener`. Each `Open` creates a pair of
// channels whose far ends are handed out by `Accept`.
type Pipe struct {
	accepted chan [2]Channel
	closeCh  chan struct{}
	once     sync.Once
}

var _ ChannelOpener = (*Pipe)(nil)

func NewPipe() *Pipe {
	return &Pipe{
		accepted: make(chan [2]Channel),
		closeCh:  make(chan struct{}),
	}
}

// Open returns the near ends once the far ends were accepted.
func (p *Pipe) Open(ctx context.Context, mtu int) (rx Channel, tx Channel, err error) {
	if mtu <= 0 {
		return nil, nil, fmt.Errorf("%w: mtu must be positive, got %d", ErrInvalidArgument, mtu)
	}
	inbound := newPipeBuffer(mtu)
	outbound := newPipeBuffer(mtu)

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-p.closeCh:
		return nil, nil, ErrClosed
	case p.accepted <- [2]Channel{&pipeEnd{p: outbound}, &pipeEnd{p: inbound}}:
		return &pipeEnd{p: inbound}, &pipeEnd{p: outbound}, nil
	}
}

// Accept returns the far ends of the next `Open`: rx reads what the opener
// writes and tx writes what the opener reads.
func (p *Pipe) Accept(ctx context.Context) (rx Channel, tx Channel, err error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-p.closeCh:
		return nil, nil, ErrClosed
	case ends := <-p.accepted:
		return ends[0], ends[1], nil
	}
}

// Close stops accepting new channels.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closeCh) })
	return nil
}

// pipeBuffer holds at most mtu bytes in flight.
type pipeBuffer struct {
	mu      sync.Mutex
	data    []byte
	mtu     int
	closed  bool
	status  Status
	changed chan struct{}

	reading atomic.Bool
	writing atomic.Bool
}

func newPipeBuffer(mtu int) *pipeBuffer {
	return &pipeBuffer{mtu: mtu, changed: make(chan struct{})}
}

// notify wakes up every waiter. Must be called with mu held.
func (pb *pipeBuffer) notify() {
	close(pb.changed)
	pb.changed = make(chan struct{})
}

type pipeEnd struct {
	p *pipeBuffer
}

func (pe *pipeEnd) Read(ctx context.Context, maxLen int) ([]byte, error) {
	pb := pe.p
	if !pb.reading.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: read already outstanding", ErrBusy)
	}
	defer pb.reading.Store(false)

	for {
		pb.mu.Lock()
		if len(pb.data) > 0 {
			n := min(maxLen, len(pb.data))
			out := append([]byte(nil), pb.data[:n]...)
			pb.data = pb.data[n:]
			pb.notify()
			pb.mu.Unlock()
			return out, nil
		}
		if pb.closed {
			pb.mu.Unlock()
			return nil, closeErr(pb.status)
		}
		wait := pb.changed
		pb.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (pe *pipeEnd) Write(ctx context.Context, b []byte) (int, error) {
	pb := pe.p
	if !pb.writing.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("%w: write already outstanding", ErrBusy)
	}
	defer pb.writing.Store(false)

	for {
		pb.mu.Lock()
		if pb.closed {
			pb.mu.Unlock()
			return 0, closeErr(pb.status)
		}
		if room := pb.mtu - len(pb.data); room > 0 {
			n := min(room, len(b))
			pb.data = append(pb.data, b[:n]...)
			pb.notify()
			pb.mu.Unlock()
			return n, nil
		}
		wait := pb.changed
		pb.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wait:
		}
	}
}

func (pe *pipeEnd) Close(status Status) error {
	pb := pe.p
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.closed {
		return nil
	}
	pb.closed = true
	pb.status = status
	pb.notify()
	return nil
}

func closeErr(status Status) error {
	if status == StatusOK || status == StatusClosed {
		return ErrClosed
	}
	return status.Err()
}
