package fibre

import (
	"context"
	"sync"
)

// executor runs closures one at a time, in the order they were posted, on
// a single goroutine. Everything touching the handle tables or the task
// buffer of a `Runtime` runs there, so none of it needs locking.
//
// A closure must never block: waiting on a `future` from inside the
// executor deadlocks it.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// post schedules fn for the next turn. It reports false when the executor
// has been stopped, fn will then never run.
func (e *executor) post(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the executor and waits until it returned.
func (e *executor) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrRuntimeClosed
	}

	select {
	case <-finished:
		return nil
	case <-e.done:
		// fn may have been the closure stopping the executor.
		select {
		case <-finished:
			return nil
		default:
			return ErrRuntimeClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop lets the closures already posted run and then terminates the loop.
func (e *executor) stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		stopped := e.stopped
		e.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) == 0 {
			if stopped {
				return
			}
			<-e.wake
		}
	}
}

// future is the result of an operation completing on the executor.
// resolve and reject must only be called from the executor; the first
// call wins.
type future[T any] struct {
	done    chan struct{}
	settled bool
	val     T
	err     error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(val T) {
	if f.settled {
		return
	}
	f.settled = true
	f.val = val
	close(f.done)
}

func (f *future[T]) reject(err error) {
	if f.settled {
		return
	}
	f.settled = true
	f.err = err
	close(f.done)
}

// wait blocks until the future settles or ctx is done.
func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
