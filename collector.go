package fibre

// slot is one output argument of a call, or the end of the outputs.
type slot struct {
	val  any
	done bool
}

// argCollector reassembles the outputs streamed back by the engine. Each
// argument may span many data chunks and is closed by a frame boundary.
//
// Outputs are handed out strictly in order through `next`.
type argCollector struct {
	call    *call
	outputs []Arg

	pos     int
	partial []byte
	current *future[slot]
	queue   []*future[slot]
	err     error
}

func newArgCollector(c *call, outputs []Arg) *argCollector {
	rx := &argCollector{call: c, outputs: outputs}
	rx.advance()
	return rx
}

func (rx *argCollector) advance() {
	rx.current = newFuture[slot]()
	rx.queue = append(rx.queue, rx.current)
	rx.partial = nil
}

// next returns the future of the next output argument.
func (rx *argCollector) next() *future[slot] {
	if len(rx.queue) == 0 {
		f := newFuture[slot]()
		if rx.err != nil {
			f.reject(rx.err)
		} else {
			f.resolve(slot{done: true})
		}
		return f
	}
	f := rx.queue[0]
	rx.queue = rx.queue[1:]
	return f
}

// onWrite consumes the chunks [CBegin, CEnd) and acknowledges them. The
// returned error is a protocol violation, already applied to the call.
func (rx *argCollector) onWrite(w WriteTask) error {
	if rx.call.halfClosed(halfCollector) {
		err := violation(ErrUnexpectedTask, "write on call %d after its outputs ended", rx.call.id)
		rx.ack(StatusProtocolError, w.CEnd)
		rx.call.abort(err)
		return err
	}

	if err := rx.consume(w.CBegin, w.CEnd); err != nil {
		rx.ack(StatusProtocolError, w.CEnd)
		rx.call.abort(err)
		return err
	}

	switch w.Status {
	case StatusOK:
		rx.ack(w.Status, w.CEnd)
	case StatusClosed:
		rx.current.resolve(slot{done: true})
		rx.ack(w.Status, w.CEnd)
		rx.call.closeHalf(halfCollector, nil)
	default:
		err := w.Status.Err()
		rx.call.rt.logger.Debug("call failed", LabelHandle.L(rx.call.id), LabelStatus.L(w.Status))
		rx.fail(err)
		rx.ack(w.Status, w.CEnd)
		rx.call.closeHalf(halfCollector, err)
	}
	return nil
}

func (rx *argCollector) consume(cBegin, cEnd Ref) error {
	mem := rx.call.rt.mem
	chunks, err := ReadChunks(mem, cBegin, cEnd)
	if err != nil {
		return violation(err, "call %d wrote an invalid chunk range", rx.call.id)
	}

	for _, c := range chunks {
		if c.Layer != 0 {
			return violation(ErrUnexpectedLayer, "expected layer 0 chunk but got layer %d chunk", c.Layer)
		}

		if !c.IsFrameBoundary() {
			if c.Len() == 0 {
				continue
			}
			data, err := mem.Read(c.Begin, c.End)
			if err != nil {
				return violation(err, "call %d wrote an invalid %s", rx.call.id, c)
			}
			rx.partial = append(rx.partial, data...)
			continue
		}

		if rx.pos >= len(rx.outputs) {
			return violation(ErrExtraOutput, "call %d returned more than %d outputs", rx.call.id, len(rx.outputs))
		}
		out := rx.outputs[rx.pos]
		val, err := out.Codec.Deserialize(rx.call.rt, rx.partial)
		if err != nil {
			return violation(err, "output %s of call %d", out.Name, rx.call.id)
		}
		rx.current.resolve(slot{val: val})
		rx.pos++
		rx.advance()
	}
	return nil
}

func (rx *argCollector) ack(status Status, cEnd Ref) {
	rx.call.rt.dispatcher.enqueue(Task{
		Type:      TaskWriteDone,
		Handle:    rx.call.id,
		WriteDone: WriteDoneTask{Status: status, CEnd: cEnd},
	})
}

func (rx *argCollector) fail(err error) {
	rx.err = err
	rx.current.reject(err)
}

// abort fails the pending output locally, without the engine having said
// so.
func (rx *argCollector) abort(err error) {
	rx.fail(err)
	rx.call.closeHalf(halfCollector, nil)
}
