package fibretest

import (
	"context"
	"errors"
	"time"

	"github.com/raskyld/fibre"
	"github.com/raskyld/fibre/pkg/wire"
)

func (e *Engine) RunTasks(buf []byte) ([]byte, error) {
	tasks, err := fibre.DecodeTasks(buf)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	e.batches = append(e.batches, tasks)
	if e.runErr != nil {
		return nil, e.runErr
	}
	return fibre.EncodeTasks(e.process(tasks)...), nil
}

// process runs tasks and returns the replies. e.mu must be held.
func (e *Engine) process(tasks []fibre.Task) []fibre.Task {
	var replies []fibre.Task
	for _, t := range tasks {
		if e.intercept != nil {
			if out, handled := e.intercept(t); handled {
				replies = append(replies, out...)
				continue
			}
		}

		switch t.Type {
		case fibre.TaskStartCall:
			replies = append(replies, e.startCall(t)...)
		case fibre.TaskWrite:
			replies = append(replies, e.write(t)...)
		case fibre.TaskWriteDone:
			e.writeDone(t)
		default:
			e.logger.Warn("unknown task", fibre.LabelTaskType.L(t.Type.String()))
		}
	}
	return replies
}

func (e *Engine) startCall(t fibre.Task) []fibre.Task {
	fn, ok := e.functions[t.StartCall.Func]
	if !ok {
		e.calls[t.Handle] = &engineCall{refused: true}
		return []fibre.Task{{
			Type:   fibre.TaskWrite,
			Handle: t.Handle,
			Write:  fibre.WriteTask{Status: fibre.StatusInvalidArgument},
		}}
	}
	e.calls[t.Handle] = &engineCall{fn: fn}
	return nil
}

// write consumes the arguments of a call and answers once all of them
// arrived.
func (e *Engine) write(t fibre.Task) []fibre.Task {
	c, ok := e.calls[t.Handle]
	if !ok {
		e.logger.Warn("write on unknown call", fibre.LabelHandle.L(t.Handle))
		return nil
	}
	if c.refused {
		delete(e.calls, t.Handle)
		return nil
	}

	ack := func(status fibre.Status) fibre.Task {
		return fibre.Task{
			Type:      fibre.TaskWriteDone,
			Handle:    t.Handle,
			WriteDone: fibre.WriteDoneTask{Status: status, CEnd: t.Write.CEnd},
		}
	}

	if err := e.consume(c, t.Write); err != nil {
		e.logger.Warn("bad arguments", fibre.LabelHandle.L(t.Handle), fibre.LabelError.L(err))
		delete(e.calls, t.Handle)
		return []fibre.Task{ack(fibre.StatusProtocolError)}
	}

	switch t.Write.Status {
	case fibre.StatusOK:
		return []fibre.Task{ack(fibre.StatusOK)}
	case fibre.StatusClosed:
	default:
		// The runtime gave up on the call.
		delete(e.calls, t.Handle)
		return []fibre.Task{ack(t.Write.Status)}
	}

	replies := []fibre.Task{ack(fibre.StatusClosed)}
	if e.opener != nil {
		go e.forward(t.Handle, c.fn.info.Name, c.args)
		return replies
	}
	if c.fn.handler == nil {
		return append(replies, e.respond(t.Handle, c, nil, fibre.StatusInvalidArgument)...)
	}
	outputs, status := c.fn.handler(c.args)
	return append(replies, e.respond(t.Handle, c, outputs, status)...)
}

func (e *Engine) consume(c *engineCall, w fibre.WriteTask) error {
	mem := e.binding.Memory()
	chunks, err := fibre.ReadChunks(mem, w.CBegin, w.CEnd)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if ch.IsFrameBoundary() {
			c.args = append(c.args, c.partial)
			c.partial = nil
			continue
		}
		if ch.Len() == 0 {
			continue
		}
		data, err := mem.Read(ch.Begin, ch.End)
		if err != nil {
			return err
		}
		c.partial = append(c.partial, data...)
	}
	return nil
}

// respond writes outputs back as one data chunk and a boundary each, or
// fails the call when status is an error.
func (e *Engine) respond(h fibre.Handle, c *engineCall, outputs [][]byte, status fibre.Status) []fibre.Task {
	if status != fibre.StatusOK && status != fibre.StatusClosed {
		return []fibre.Task{{
			Type:   fibre.TaskWrite,
			Handle: h,
			Write:  fibre.WriteTask{Status: status},
		}}
	}

	mem := e.binding.Memory()
	fail := func(err error) []fibre.Task {
		e.logger.Error("cannot write outputs", fibre.LabelHandle.L(h), fibre.LabelError.L(err))
		e.freeResults(c)
		return e.respond(h, c, nil, fibre.StatusInternalError)
	}

	var (
		chunks []fibre.Chunk
		first  fibre.Ref
	)
	for _, out := range outputs {
		if len(out) > 0 {
			ref, err := mem.Alloc(len(out))
			if err != nil {
				return fail(err)
			}
			c.results = append(c.results, ref)
			if err := mem.Write(ref, out); err != nil {
				return fail(err)
			}
			if first == 0 {
				first = ref
			}
			chunks = append(chunks, fibre.Chunk{Begin: ref, End: ref + fibre.Ref(len(out))})
		}
		chunks = append(chunks, fibre.FrameBoundary())
	}
	cBegin, cEnd, err := fibre.WriteChunks(mem, chunks)
	if err != nil {
		return fail(err)
	}
	if cBegin != cEnd {
		c.results = append(c.results, cBegin)
	}
	return []fibre.Task{{
		Type:   fibre.TaskWrite,
		Handle: h,
		Write: fibre.WriteTask{
			BBegin: first,
			CBegin: cBegin,
			CEnd:   cEnd,
			Status: fibre.StatusClosed,
		},
	}}
}

// writeDone is the runtime acknowledging the outputs, which are freed.
func (e *Engine) writeDone(t fibre.Task) {
	c, ok := e.calls[t.Handle]
	if !ok {
		return
	}
	if t.WriteDone.Status == fibre.StatusProtocolError {
		e.logger.Warn("runtime rejected outputs", fibre.LabelHandle.L(t.Handle))
	}
	e.freeResults(c)
	delete(e.calls, t.Handle)
}

func (e *Engine) freeResults(c *engineCall) {
	if e.binding == nil {
		return
	}
	mem := e.binding.Memory()
	for _, ref := range c.results {
		if err := mem.Free(ref); err != nil {
			e.logger.Warn("cannot free outputs", fibre.LabelError.L(err))
		}
	}
	c.results = nil
}

// forward runs a call on the far side of a channel and delivers its
// outputs. The first frame names the function, the next ones carry the
// arguments.
func (e *Engine) forward(h fibre.Handle, name string, args [][]byte) {
	ctx := context.Background()
	outputs, status := e.remote(ctx, name, args)

	e.mu.Lock()
	c, ok := e.calls[h]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	replies := e.respond(h, c, outputs, status)
	e.mu.Unlock()

	e.deliver(replies)
}

func (e *Engine) remote(ctx context.Context, name string, args [][]byte) ([][]byte, fibre.Status) {
	rx, tx, err := e.opener.Open(ctx, e.mtu)
	if err != nil {
		e.logger.Warn("cannot open channel", fibre.LabelFunction.L(name), fibre.LabelError.L(err))
		return nil, fibre.StatusHostUnreachable
	}

	enc := wire.NewEncoder(tx, e.mtu, wire.WithLog(e.logger.Handler()))
	dec := wire.NewDecoder(rx, e.mtu, wire.WithLog(e.logger.Handler()))
	send := func() error {
		for _, frame := range append([][]byte{[]byte(name)}, args...) {
			if err := enc.WriteFrame(ctx, frame); err != nil {
				return err
			}
		}
		return enc.Close(ctx, fibre.StatusClosed)
	}
	if err := send(); err != nil {
		// The far side may have refused the call before reading it all,
		// its reply tells why.
		_, status, readErr := dec.ReadAll(ctx)
		if readErr == nil && status != fibre.StatusOK && status != fibre.StatusClosed {
			return nil, status
		}
		_ = rx.Close(fibre.StatusCancelled)
		return nil, fibre.StatusOf(err)
	}

	outputs, status, err := dec.ReadAll(ctx)
	if err != nil {
		return nil, fibre.StatusOf(err)
	}
	return outputs, status
}

// deliver hands tasks to the runtime and runs what it returns until
// nothing is left.
func (e *Engine) deliver(tasks []fibre.Task) {
	b := e.Binding()
	for len(tasks) > 0 {
		out, err := b.Deliver(fibre.EncodeTasks(tasks...))
		if errors.Is(err, fibre.ErrReentrantDispatch) {
			time.Sleep(retryDelay)
			continue
		}
		if err != nil {
			e.logger.Error("cannot deliver tasks", fibre.LabelError.L(err))
			return
		}

		pending, err := fibre.DecodeTasks(out)
		if err != nil {
			e.logger.Error("runtime returned bad tasks", fibre.LabelError.L(err))
			return
		}

		e.mu.Lock()
		if len(pending) > 0 {
			e.batches = append(e.batches, pending)
		}
		tasks = e.process(pending)
		e.mu.Unlock()
	}
}
