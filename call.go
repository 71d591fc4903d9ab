package fibre

import (
	"fmt"
	"time"
)

type callHalf int

const (
	halfCollector callHalf = iota
	halfTx
)

// CallState is the lifecycle of a call. A call is only released once
// both its write side and its output side completed.
type CallState int

const (
	CallActive CallState = iota
	CallHalfClosed
	CallClosed
)

func (s CallState) String() string {
	switch s {
	case CallActive:
		return "active"
	case CallHalfClosed:
		return "half_closed"
	case CallClosed:
		return "closed"
	default:
		return fmt.Sprintf("call_state(%d)", int(s))
	}
}

// call is one invocation in flight. Its id is a handle of the local table
// so the engine can name it in tasks.
type call struct {
	rt     *Runtime
	id     Handle
	fn     *Function
	state  CallState
	closed [2]bool
	failed error

	tx *txSocket
	rx *argCollector

	// cleanup runs once the call is closed.
	cleanup []func()
	started time.Time
}

// startCall registers a call of fn and enqueues its StartCall task.
func (rt *Runtime) startCall(fn *Function, domain Handle) (*call, error) {
	c := &call{
		rt:      rt,
		fn:      fn,
		started: time.Now(),
	}
	id, err := rt.local.Alloc(c)
	if err != nil {
		return nil, err
	}
	c.id = id
	c.tx = &txSocket{call: c}
	c.rx = newArgCollector(c, fn.Outputs)

	rt.msink.IncrCounterWithLabels(MetricCallStarted, 1, rt.labelsWith(LabelFunction.M(fn.Name)))
	rt.dispatcher.enqueue(Task{
		Type:      TaskStartCall,
		Handle:    id,
		StartCall: StartCallTask{Func: fn.Handle, Domain: domain},
	})
	return c, nil
}

func (c *call) halfClosed(h callHalf) bool {
	return c.closed[h]
}

// closeHalf marks one side as completed. A non-nil cause means that side
// failed, the other side is then failed with the same error so that no
// operation of the caller is left pending.
func (c *call) closeHalf(h callHalf, cause error) {
	if c.closed[h] {
		return
	}
	c.closed[h] = true
	if c.failed == nil {
		c.failed = cause
	}

	c.state = CallHalfClosed
	other := 1 - h
	if !c.closed[other] {
		// Aborting the other side closes it, which closes the call.
		if cause != nil && other == halfTx {
			c.tx.abort(cause)
		} else if cause != nil {
			c.rx.abort(cause)
		}
		return
	}

	c.state = CallClosed
	c.release()
}

// abort fails every side still open.
func (c *call) abort(err error) {
	if c.failed == nil {
		c.failed = err
	}
	if !c.closed[halfTx] {
		c.tx.abort(err)
	}
	if !c.closed[halfCollector] {
		c.rx.abort(err)
	}
}

func (c *call) release() {
	if _, ok := c.rt.local.Remove(c.id); !ok {
		c.rt.logger.Warn("call was not registered", LabelHandle.L(c.id))
	}
	for _, fn := range c.cleanup {
		fn()
	}
	c.cleanup = nil

	labels := c.rt.labelsWith(LabelFunction.M(c.fn.Name), LabelStatus.M(StatusOf(c.failed).String()))
	if c.failed != nil {
		c.rt.msink.IncrCounterWithLabels(MetricCallFailed, 1, labels)
	} else {
		c.rt.msink.IncrCounterWithLabels(MetricCallCompleted, 1, labels)
	}
	c.rt.logger.Debug("call closed",
		LabelHandle.L(c.id),
		LabelFunction.L(c.fn.Name),
		LabelDuration.L(time.Since(c.started)),
		LabelError.L(c.failed),
	)
}
