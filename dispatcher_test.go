package fibre

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const formatHandle Handle = 5

var formatInfo = FunctionInfo{
	Name:    "format",
	Inputs:  []ArgInfo{{Name: "n", Codec: "int32"}},
	Outputs: []ArgInfo{{Name: "s", Codec: "string"}},
}

// outputsTask writes outputs in mem the way an engine would and returns
// the task handing them to call h. It runs on the executor, hence no
// assertion.
func outputsTask(mem *Memory, h Handle, outputs ...[]byte) Task {
	var chunks []Chunk
	for _, out := range outputs {
		ref, _ := mem.Alloc(len(out))
		_ = mem.Write(ref, out)
		chunks = append(chunks, Chunk{Begin: ref, End: ref + Ref(len(out))}, FrameBoundary())
	}
	cBegin, cEnd, _ := WriteChunks(mem, chunks)
	return Task{
		Type:   TaskWrite,
		Handle: h,
		Write:  WriteTask{CBegin: cBegin, CEnd: cEnd, Status: StatusClosed},
	}
}

func ackTask(w Task, status Status) Task {
	return Task{
		Type:      TaskWriteDone,
		Handle:    w.Handle,
		WriteDone: WriteDoneTask{Status: status, CEnd: w.Write.CEnd},
	}
}

// answering acknowledges every write and answers it with outputs.
func answering(mem *Memory, outputs ...[]byte) taskHandler {
	return func(tasks []Task) ([]Task, error) {
		var replies []Task
		for _, t := range tasks {
			if t.Type != TaskWrite {
				continue
			}
			replies = append(replies, ackTask(t, t.Write.Status), outputsTask(mem, t.Handle, outputs...))
		}
		return replies, nil
	}
}

func loadFormat(t *testing.T, rt *Runtime, eng *mockEngine) *Function {
	t.Helper()
	eng.On("FunctionInfo", formatHandle).Return(formatInfo, nil)
	fn, err := rt.Function(context.Background(), formatHandle)
	require.NoError(t, err)
	return fn
}

func liveCalls(t *testing.T, rt *Runtime) int {
	t.Helper()
	n := 0
	onExecutor(t, rt, func() {
		for _, val := range rt.local.All() {
			if _, ok := val.(*call); ok {
				n++
			}
		}
	})
	return n
}

func TestCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("start and write go in the same batch", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)
		mem := eng.binding.Memory()

		var (
			mu      sync.Mutex
			batches [][]Task
			args    []Chunk
			payload []byte
		)
		respond := answering(mem, []byte("42"))
		eng.On("RunTasks", mock.Anything).Return(taskHandler(func(tasks []Task) ([]Task, error) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, tasks)
			for _, t := range tasks {
				if t.Type == TaskWrite {
					args, _ = ReadChunks(mem, t.Write.CBegin, t.Write.CEnd)
					payload, _ = mem.Read(args[0].Begin, args[0].End)
				}
			}
			return respond(tasks)
		}), nil)

		out, err := fn.Call(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, "42", out)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, batches[0], 2)
		require.Equal(t, TaskStartCall, batches[0][0].Type)
		require.Equal(t, formatHandle, batches[0][0].StartCall.Func)
		require.Equal(t, TaskWrite, batches[0][1].Type)
		require.Equal(t, batches[0][0].Handle, batches[0][1].Handle)
		require.Equal(t, StatusClosed, batches[0][1].Write.Status)

		require.Len(t, args, 2)
		require.Equal(t, 4, args[0].Len())
		require.True(t, args[1].IsFrameBoundary())
		require.Equal(t, []byte{42, 0, 0, 0}, payload)
	})

	t.Run("memory of a call is freed once closed", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)
		mem := eng.binding.Memory()
		before := mem.InUse()

		eng.On("RunTasks", mock.Anything).Return(taskHandler(func(tasks []Task) ([]Task, error) {
			var replies []Task
			for _, t := range tasks {
				if t.Type == TaskWrite {
					replies = append(replies, ackTask(t, StatusClosed), Task{
						Type:   TaskWrite,
						Handle: t.Handle,
						Write:  WriteTask{Status: StatusInvalidArgument},
					})
				}
			}
			return replies, nil
		}), nil)

		_, err := fn.Call(ctx, 1)
		require.ErrorIs(t, err, ErrInvalidArgument)
		require.Zero(t, liveCalls(t, rt))
		require.Equal(t, before, mem.InUse())
	})

	t.Run("a rejected write closes both halves", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)

		eng.On("RunTasks", mock.Anything).Return(taskHandler(func(tasks []Task) ([]Task, error) {
			var replies []Task
			for _, t := range tasks {
				if t.Type == TaskWrite {
					replies = append(replies, ackTask(t, StatusInvalidArgument))
				}
			}
			return replies, nil
		}), nil)

		_, err := fn.Call(ctx, 1)
		require.ErrorIs(t, err, ErrInvalidArgument)
		require.Zero(t, liveCalls(t, rt))
	})

	t.Run("an acknowledgement must make progress", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)

		eng.On("RunTasks", mock.Anything).Return(taskHandler(func(tasks []Task) ([]Task, error) {
			var replies []Task
			for _, t := range tasks {
				if t.Type == TaskWrite {
					replies = append(replies, Task{
						Type:      TaskWriteDone,
						Handle:    t.Handle,
						WriteDone: WriteDoneTask{Status: StatusOK, CEnd: t.Write.CBegin, BEnd: t.Write.BBegin},
					})
				}
			}
			return replies, nil
		}), nil)

		_, err := fn.Call(ctx, 1)
		require.ErrorIs(t, err, ErrProtocolViolation)
		require.ErrorIs(t, err, ErrNoProgress)
		require.Zero(t, liveCalls(t, rt))
	})

	t.Run("a busy engine resumes the write later", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)
		mem := eng.binding.Memory()

		suspended := make(chan Task, 1)
		eng.On("RunTasks", mock.Anything).Return(taskHandler(func(tasks []Task) ([]Task, error) {
			var replies []Task
			for _, t := range tasks {
				if t.Type == TaskWrite {
					suspended <- t
					replies = append(replies, Task{
						Type:      TaskWriteDone,
						Handle:    t.Handle,
						WriteDone: WriteDoneTask{Status: StatusBusy, CEnd: t.Write.CBegin, BEnd: t.Write.BBegin},
					})
				}
			}
			return replies, nil
		}), nil)

		done := make(chan error, 1)
		go func() {
			out, err := fn.Call(ctx, 7)
			if err == nil && out != "7" {
				err = errors.New("unexpected output")
			}
			done <- err
		}()

		w := <-suspended
		resume := EncodeTasks(ackTask(w, StatusClosed), outputsTask(mem, w.Handle, []byte("7")))
		require.Eventually(t, func() bool {
			_, err := eng.binding.Deliver(resume)
			return !errors.Is(err, ErrReentrantDispatch)
		}, 5*time.Second, time.Millisecond)
		require.NoError(t, <-done)
	})

	t.Run("a cancelled caller leaves the call to the engine", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)
		mem := eng.binding.Memory()
		before := mem.InUse()

		pending := make(chan Task, 1)
		eng.On("RunTasks", mock.Anything).Return(taskHandler(func(tasks []Task) ([]Task, error) {
			for _, t := range tasks {
				if t.Type == TaskWrite {
					pending <- t
				}
			}
			return nil, nil
		}), nil)

		callCtx, cancelCall := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			_, err := fn.Call(callCtx, 3)
			done <- err
		}()

		w := <-pending
		cancelCall()
		require.ErrorIs(t, <-done, context.Canceled)
		require.Equal(t, 1, liveCalls(t, rt))
		require.Greater(t, mem.InUse(), before)

		finish := EncodeTasks(ackTask(w, StatusClosed), Task{
			Type:   TaskWrite,
			Handle: w.Handle,
			Write:  WriteTask{Status: StatusCancelled},
		})
		require.Eventually(t, func() bool {
			_, err := eng.binding.Deliver(finish)
			return !errors.Is(err, ErrReentrantDispatch)
		}, 5*time.Second, time.Millisecond)
		require.Zero(t, liveCalls(t, rt))
		require.Equal(t, before, mem.InUse())
	})

	t.Run("delivering from within RunTasks is rejected", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)
		mem := eng.binding.Memory()

		reentrant := make(chan error, 1)
		respond := answering(mem, []byte("1"))
		eng.On("RunTasks", mock.Anything).Return(taskHandler(func(tasks []Task) ([]Task, error) {
			_, err := eng.binding.Deliver(nil)
			select {
			case reentrant <- err:
			default:
			}
			return respond(tasks)
		}), nil)

		_, err := fn.Call(ctx, 1)
		require.NoError(t, err)
		require.ErrorIs(t, <-reentrant, ErrReentrantDispatch)
	})

	t.Run("a failing engine fails every call", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)
		eng.On("RunTasks", mock.Anything).Return(nil, errors.New("engine crashed"))

		_, err := fn.Call(ctx, 1)
		require.ErrorIs(t, err, ErrInternal)
		require.Zero(t, liveCalls(t, rt))
	})

	t.Run("wrong argument count", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)

		_, err := fn.Call(ctx)
		require.ErrorIs(t, err, ErrArgumentCount)
		eng.AssertNotCalled(t, "RunTasks", mock.Anything)
	})

	t.Run("extra outputs are a violation", func(t *testing.T) {
		rt, eng := attachMock(t)
		fn := loadFormat(t, rt, eng)
		eng.On("RunTasks", mock.Anything).Return(answering(eng.binding.Memory(), []byte("a"), []byte("b")), nil)

		_, err := fn.Call(ctx, 1)
		require.ErrorIs(t, err, ErrExtraOutput)
		require.Zero(t, liveCalls(t, rt))
	})
}

func TestTaskQueue(t *testing.T) {
	q := newTaskQueue(2, 3)
	var grown []int
	q.onGrow = func(slots int) { grown = append(grown, slots) }

	for i := range 3 {
		q.push(Task{Type: TaskStartCall, Handle: Handle(i + 1)})
	}
	require.Equal(t, []int{6}, grown)
	require.Equal(t, 3, q.pending())

	out := q.handOff()
	require.Len(t, out, 3*TaskSize)
	require.Zero(t, q.pending())
	require.Equal(t, 2, q.capacity())

	// The engine may still read the handed-off buffer.
	q.push(Task{Type: TaskWrite, Handle: 9})
	tasks, err := DecodeTasks(q.shadow)
	require.NoError(t, err)
	require.Equal(t, Handle(3), tasks[2].Handle)
}

func TestSmallTaskBufferGrows(t *testing.T) {
	rt, eng := attachMock(t, WithTaskBufferSize(1), WithTaskGrowthFactor(2))
	fn := loadFormat(t, rt, eng)
	eng.On("RunTasks", mock.Anything).Return(answering(eng.binding.Memory(), []byte("x")), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := fn.Call(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "x", out)
}
