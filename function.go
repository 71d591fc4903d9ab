package fibre

import (
	"context"
	"fmt"
	"strings"
)

// Arg is an input or output of a function along with the codec of its
// wire type.
type Arg struct {
	Name      string
	CodecName string
	Codec     Codec
}

func (a Arg) String() string {
	return a.Name + ": " + a.CodecName
}

// Function is a function of the engine. Methods of an interface take the
// object they are called on as their first input.
type Function struct {
	rt *Runtime

	Handle  Handle
	Name    string
	Inputs  []Arg
	Outputs []Arg
}

// Call invokes the function and waits for its outputs: nil when it has
// none, the value when it has one and a `[]any` otherwise.
//
// Cancelling ctx only stops the wait. The call stays in flight, holding its
// handle and its shared memory, until the engine completes it or the
// runtime is closed.
func (fn *Function) Call(ctx context.Context, args ...any) (any, error) {
	return fn.invoke(ctx, 0, args)
}

func (fn *Function) invoke(ctx context.Context, domain Handle, args []any) (any, error) {
	var (
		c       *call
		written *future[struct{}]
		err     error
	)
	if doErr := fn.rt.exec.do(ctx, func() {
		c, written, err = fn.start(domain, args)
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name, err)
	}

	if _, err := written.wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name, err)
	}

	var outputs []any
	for {
		var next *future[slot]
		if err := fn.rt.exec.do(ctx, func() { next = c.rx.next() }); err != nil {
			return nil, err
		}
		s, err := next.wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name, err)
		}
		if s.done {
			break
		}
		outputs = append(outputs, s.val)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

// start serializes args, opens the call and starts writing. It must run on
// the executor.
func (fn *Function) start(domain Handle, args []any) (*call, *future[struct{}], error) {
	if fn.rt.closed {
		return nil, nil, ErrRuntimeClosed
	}
	if len(args) != len(fn.Inputs) {
		return nil, nil, fmt.Errorf("%w: expected %d arguments but got %d", ErrArgumentCount, len(fn.Inputs), len(args))
	}

	payloads := make([][]byte, len(args))
	for i, in := range fn.Inputs {
		b, err := in.Codec.Serialize(fn.rt, nil, args[i])
		if err != nil {
			return nil, nil, fmt.Errorf("argument %s: %w", in.Name, err)
		}
		payloads[i] = b
	}

	chunks, err := buildChunkList(fn.rt.mem, payloads)
	if err != nil {
		return nil, nil, err
	}

	c, err := fn.rt.startCall(fn, domain)
	if err != nil {
		chunks.free()
		return nil, nil, err
	}
	c.cleanup = append(c.cleanup, chunks.free, fn.rt.reportMemory)

	written, err := c.tx.writeAll(chunks.cBegin, chunks.cEnd, chunks.firstByte(), StatusClosed)
	if err != nil {
		c.abort(err)
		return nil, nil, err
	}
	return c, written, nil
}

// Signature renders the function as `name(in: type) -> out: type`.
func (fn *Function) Signature() string {
	var b strings.Builder
	b.WriteString(fn.Name)
	b.WriteByte('(')
	writeArgList(&b, fn.Inputs)
	b.WriteByte(')')

	switch len(fn.Outputs) {
	case 0:
	case 1:
		b.WriteString(" -> ")
		writeArgList(&b, fn.Outputs)
	default:
		b.WriteString(" -> (")
		writeArgList(&b, fn.Outputs)
		b.WriteByte(')')
	}
	return b.String()
}

func (fn *Function) String() string {
	return fn.Signature()
}

func writeArgList(b *strings.Builder, args []Arg) {
	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
}
