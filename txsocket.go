package fibre

import "fmt"

// txSocket streams the chunks of a call's arguments to the engine.
//
// The engine acknowledges a write with one or more WriteDone tasks. Each
// of them must move the cursor forward: an OK without progress means the
// engine will never finish and the call is failed.
type txSocket struct {
	call *call

	bBegin Ref
	cBegin Ref
	cEnd   Ref
	status Status

	pending *future[struct{}]
	busy    bool
}

// writeAll hands the chunk records [cBegin, cEnd) to the engine. The
// returned future resolves once the engine reported `status` with every
// chunk consumed.
func (tx *txSocket) writeAll(cBegin, cEnd, bBegin Ref, status Status) (*future[struct{}], error) {
	if tx.pending != nil {
		return nil, ErrWriteInFlight
	}
	if tx.call.halfClosed(halfTx) {
		return nil, fmt.Errorf("%w: write side of call %d", ErrClosed, tx.call.id)
	}

	tx.bBegin = bBegin
	tx.cBegin = cBegin
	tx.cEnd = cEnd
	tx.status = status
	tx.pending = newFuture[struct{}]()
	tx.enqueueRemaining()
	return tx.pending, nil
}

func (tx *txSocket) enqueueRemaining() {
	tx.call.rt.dispatcher.enqueue(Task{
		Type:   TaskWrite,
		Handle: tx.call.id,
		Write: WriteTask{
			BBegin: tx.bBegin,
			CBegin: tx.cBegin,
			CEnd:   tx.cEnd,
			Status: tx.status,
		},
	})
}

// onWriteDone processes an acknowledgement. The returned error is a
// protocol violation, already applied to the call.
func (tx *txSocket) onWriteDone(done WriteDoneTask) error {
	if tx.pending == nil || tx.call.halfClosed(halfTx) {
		err := violation(ErrUnexpectedTask, "write done on call %d without a write in flight", tx.call.id)
		tx.call.abort(err)
		return err
	}
	if done.CEnd < tx.cBegin || done.CEnd > tx.cEnd {
		err := violation(ErrCursorOutOfRange, "write done at %d outside of [%d, %d)", done.CEnd, tx.cBegin, tx.cEnd)
		tx.call.abort(err)
		return err
	}

	progressed := done.CEnd != tx.cBegin || done.BEnd != tx.bBegin
	tx.cBegin = done.CEnd
	tx.bBegin = done.BEnd
	tx.busy = false

	switch {
	case tx.cBegin == tx.cEnd && done.Status == tx.status:
		tx.pending.resolve(struct{}{})
		tx.call.closeHalf(halfTx, nil)
	case done.Status == StatusBusy:
		// The engine keeps the write and signals again when it can go on.
		tx.busy = true
		tx.call.rt.logger.Debug("write suspended by a busy engine", LabelHandle.L(tx.call.id))
	case done.Status != StatusOK:
		err := done.Status.Err()
		tx.call.rt.logger.Debug("write rejected", LabelHandle.L(tx.call.id), LabelStatus.L(done.Status))
		tx.fail(err)
		tx.call.closeHalf(halfTx, err)
	case !progressed:
		err := violation(ErrNoProgress, "call %d stuck at chunk %d", tx.call.id, tx.cBegin)
		tx.call.abort(err)
		return err
	default:
		tx.enqueueRemaining()
	}
	return nil
}

func (tx *txSocket) fail(err error) {
	if tx.pending == nil {
		tx.pending = newFuture[struct{}]()
	}
	tx.pending.reject(err)
}

// abort fails the write locally, without the engine having said so.
func (tx *txSocket) abort(err error) {
	tx.fail(err)
	tx.call.closeHalf(halfTx, nil)
}
