package fibre

import (
	"encoding/binary"
	"fmt"
)

// TaskSize is the size of a task record exchanged with the engine.
const TaskSize = 28

type TaskType uint32

const (
	TaskStartCall TaskType = iota
	TaskWrite
	TaskWriteDone
)

func (t TaskType) String() string {
	switch t {
	case TaskStartCall:
		return "start_call"
	case TaskWrite:
		return "write"
	case TaskWriteDone:
		return "write_done"
	default:
		return fmt.Sprintf("task(%d)", uint32(t))
	}
}

// Task is one operation exchanged with the engine. Handle names the call
// it belongs to; only the body matching Type is meaningful.
type Task struct {
	Type   TaskType
	Handle Handle

	StartCall StartCallTask
	Write     WriteTask
	WriteDone WriteDoneTask
}

// StartCallTask opens a call of Func in Domain.
type StartCallTask struct {
	Func   Handle
	Domain Handle
}

// WriteTask hands the chunks [CBegin, CEnd) to the other side, the first
// one starting at byte BBegin. Status is reported once every chunk was
// consumed.
type WriteTask struct {
	BBegin    Ref
	CBegin    Ref
	CEnd      Ref
	Elevation uint8
	Status    Status
}

// WriteDoneTask acknowledges a `WriteTask` up to CEnd (and BEnd within
// the chunk at CEnd).
type WriteDoneTask struct {
	Status Status
	CEnd   Ref
	BEnd   Ref
}

func (t Task) String() string {
	switch t.Type {
	case TaskStartCall:
		return fmt.Sprintf("start_call(#%d, func=%d, domain=%d)", t.Handle, t.StartCall.Func, t.StartCall.Domain)
	case TaskWrite:
		return fmt.Sprintf("write(#%d, [%d, %d), %s)", t.Handle, t.Write.CBegin, t.Write.CEnd, t.Write.Status)
	case TaskWriteDone:
		return fmt.Sprintf("write_done(#%d, %d, %s)", t.Handle, t.WriteDone.CEnd, t.WriteDone.Status)
	default:
		return fmt.Sprintf("%s(#%d)", t.Type, t.Handle)
	}
}

// AppendTask appends the record of t to b.
func AppendTask(b []byte, t Task) []byte {
	var rec [TaskSize]byte
	le := binary.LittleEndian
	le.PutUint32(rec[0:], uint32(t.Type))
	le.PutUint32(rec[4:], uint32(t.Handle))
	body := rec[8:]
	switch t.Type {
	case TaskStartCall:
		le.PutUint32(body[0:], uint32(t.StartCall.Func))
		le.PutUint32(body[4:], uint32(t.StartCall.Domain))
	case TaskWrite:
		le.PutUint32(body[0:], uint32(t.Write.BBegin))
		le.PutUint32(body[4:], uint32(t.Write.CBegin))
		le.PutUint32(body[8:], uint32(t.Write.CEnd))
		body[12] = t.Write.Elevation
		le.PutUint32(body[16:], uint32(t.Write.Status))
	case TaskWriteDone:
		le.PutUint32(body[0:], uint32(t.WriteDone.Status))
		le.PutUint32(body[4:], uint32(t.WriteDone.CEnd))
		le.PutUint32(body[8:], uint32(t.WriteDone.BEnd))
	}
	return append(b, rec[:]...)
}

// EncodeTasks lays out tasks as consecutive records.
func EncodeTasks(tasks ...Task) []byte {
	b := make([]byte, 0, len(tasks)*TaskSize)
	for _, t := range tasks {
		b = AppendTask(b, t)
	}
	return b
}

// DecodeTasks parses consecutive task records. Records of an unknown type
// are returned as is, routing decides what to do with them.
func DecodeTasks(b []byte) ([]Task, error) {
	if len(b)%TaskSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of tasks", ErrShortBuffer, len(b))
	}
	le := binary.LittleEndian
	tasks := make([]Task, 0, len(b)/TaskSize)
	for off := 0; off < len(b); off += TaskSize {
		rec := b[off : off+TaskSize]
		t := Task{
			Type:   TaskType(le.Uint32(rec[0:])),
			Handle: Handle(le.Uint32(rec[4:])),
		}
		body := rec[8:]
		switch t.Type {
		case TaskStartCall:
			t.StartCall = StartCallTask{
				Func:   Handle(le.Uint32(body[0:])),
				Domain: Handle(le.Uint32(body[4:])),
			}
		case TaskWrite:
			t.Write = WriteTask{
				BBegin:    Ref(le.Uint32(body[0:])),
				CBegin:    Ref(le.Uint32(body[4:])),
				CEnd:      Ref(le.Uint32(body[8:])),
				Elevation: body[12],
				Status:    Status(int32(le.Uint32(body[16:]))),
			}
		case TaskWriteDone:
			t.WriteDone = WriteDoneTask{
				Status: Status(int32(le.Uint32(body[0:]))),
				CEnd:   Ref(le.Uint32(body[4:])),
				BEnd:   Ref(le.Uint32(body[8:])),
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// taskQueue is the growable buffer of tasks waiting for the engine.
//
// The buffer handed to the engine by `handOff` is kept alive as the shadow
// until the next hand-off since the engine may still read from it.
type taskQueue struct {
	buf     []byte
	n       int
	initial int
	factor  int
	shadow  []byte

	// onGrow is called with the new capacity, in tasks.
	onGrow func(slots int)
}

func newTaskQueue(initial, factor int) *taskQueue {
	return &taskQueue{
		buf:     make([]byte, initial*TaskSize),
		initial: initial,
		factor:  factor,
	}
}

func (q *taskQueue) push(t Task) {
	if (q.n+1)*TaskSize > len(q.buf) {
		grown := make([]byte, len(q.buf)*q.factor)
		copy(grown, q.buf[:q.n*TaskSize])
		q.buf = grown
		if q.onGrow != nil {
			q.onGrow(q.capacity())
		}
	}
	AppendTask(q.buf[q.n*TaskSize:q.n*TaskSize], t)
	q.n++
}

func (q *taskQueue) pending() int {
	return q.n
}

func (q *taskQueue) capacity() int {
	return len(q.buf) / TaskSize
}

// take returns the pending records and starts over with a fresh buffer.
func (q *taskQueue) take() []byte {
	out := q.buf[:q.n*TaskSize]
	q.reset()
	return out
}

// handOff is `take` for a buffer the engine keeps a reference to after we
// returned: it stays reachable as the shadow until the next hand-off.
func (q *taskQueue) handOff() []byte {
	q.shadow = q.take()
	return q.shadow
}

func (q *taskQueue) reset() {
	q.buf = make([]byte, q.initial*TaskSize)
	q.n = 0
}
