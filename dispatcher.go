package fibre

import (
	"context"
	"fmt"
	"sync/atomic"
)

// dispatcher batches the tasks enqueued during one turn of the executor
// and exchanges them with the engine in as few round trips as possible.
type dispatcher struct {
	rt    *Runtime
	queue *taskQueue

	// armed is set while a flush is posted to the executor.
	armed bool

	// dispatching is set while tasks are being exchanged with the engine.
	// It is read from engine goroutines to reject re-entrant deliveries.
	dispatching atomic.Bool
}

func newDispatcher(rt *Runtime) *dispatcher {
	d := &dispatcher{
		rt:    rt,
		queue: newTaskQueue(rt.cfg.taskBufferSize, rt.cfg.taskGrowthFactor),
	}
	d.queue.onGrow = func(slots int) {
		rt.msink.IncrCounterWithLabels(MetricTaskBufferGrowth, 1, rt.labels)
		rt.logger.Debug("task buffer grown", LabelCount.L(slots))
	}
	return d
}

// enqueue adds t to the pending tasks. The first enqueue of a turn arms a
// flush for the next one.
func (d *dispatcher) enqueue(t Task) {
	d.queue.push(t)
	if d.armed {
		return
	}
	d.armed = true
	if !d.rt.exec.post(d.flush) {
		d.armed = false
	}
}

// flush hands every pending task to the engine and routes what it returns
// until nothing is left to send.
func (d *dispatcher) flush() {
	if !d.dispatching.CompareAndSwap(false, true) {
		d.rt.logger.Error("flush while dispatching", LabelError.L(ErrReentrantDispatch))
		return
	}
	defer func() {
		d.armed = false
		d.dispatching.Store(false)
	}()

	for d.queue.pending() > 0 {
		n := d.queue.pending()
		out := d.queue.take()
		in, err := d.rt.engine.RunTasks(out)

		d.rt.msink.IncrCounterWithLabels(MetricFlushRounds, 1, d.rt.labels)
		d.rt.msink.IncrCounterWithLabels(MetricTasksFlushed, float32(n), d.rt.labels)
		if err != nil {
			d.rt.logger.Error("engine failed to run tasks", LabelCount.L(n), LabelError.L(err))
			d.failAll(err)
			continue
		}
		d.route(in)
	}
}

// deliver routes tasks initiated by the engine and returns the pending
// ones in exchange. The returned buffer stays valid until the next
// delivery.
func (d *dispatcher) deliver(in []byte) ([]byte, error) {
	if d.dispatching.Load() {
		return nil, ErrReentrantDispatch
	}

	var (
		out []byte
		err error
	)
	doErr := d.rt.exec.do(context.Background(), func() {
		if !d.dispatching.CompareAndSwap(false, true) {
			err = ErrReentrantDispatch
			return
		}
		defer d.dispatching.Store(false)

		d.route(in)
		out = d.queue.handOff()
	})
	if doErr != nil {
		return nil, doErr
	}
	return out, err
}

func (d *dispatcher) route(in []byte) {
	tasks, err := DecodeTasks(in)
	if err != nil {
		d.violation(violation(err, "engine returned a truncated task buffer"), Task{})
		return
	}
	if len(tasks) > 0 {
		d.rt.msink.IncrCounterWithLabels(MetricTasksReceived, float32(len(tasks)), d.rt.labels)
	}

	for _, t := range tasks {
		if err := d.routeOne(t); err != nil {
			d.violation(err, t)
		}
	}
}

func (d *dispatcher) routeOne(t Task) error {
	switch t.Type {
	case TaskStartCall:
		d.rt.logger.Warn("engine tried to call us",
			LabelHandle.L(t.Handle),
			LabelError.L(ErrServerNotSupported),
		)
		return nil
	case TaskWrite, TaskWriteDone:
	default:
		return violation(ErrUnknownTaskType, "task type %d on handle %d", uint32(t.Type), t.Handle)
	}

	val, _ := d.rt.local.Get(t.Handle)
	c, ok := val.(*call)
	if !ok {
		return violation(ErrUnknownHandle, "%s references no live call", t)
	}
	if t.Type == TaskWrite {
		return c.rx.onWrite(t.Write)
	}
	return c.tx.onWriteDone(t.WriteDone)
}

func (d *dispatcher) violation(err error, t Task) {
	d.rt.msink.IncrCounterWithLabels(MetricProtocolViolations, 1,
		d.rt.labelsWith(LabelTaskType.M(t.Type.String())))
	d.rt.logger.Error("protocol violation",
		LabelTaskType.L(t.Type.String()),
		LabelHandle.L(t.Handle),
		LabelError.L(err),
	)
}

// failAll aborts every call in flight, used when the engine lost track of
// the tasks we gave it.
func (d *dispatcher) failAll(err error) {
	for _, val := range d.rt.local.All() {
		if c, ok := val.(*call); ok {
			c.abort(fmt.Errorf("%w: %w", ErrInternal, err))
		}
	}
}
