package fibre

import (
	"errors"
	"reflect"
)

// Storage bundles every allocation made while encoding one value graph:
// stubs, strings, copied byte ranges and the handles of exported objects.
// Closing it frees the memory and drops one reference on each exported
// object.
//
// A Storage belongs to the executor of its runtime.
type Storage struct {
	rt      *Runtime
	allocs  []Ref
	objects []Handle
	closed  bool
}

func (rt *Runtime) newStorage() *Storage {
	return &Storage{rt: rt}
}

func (s *Storage) alloc(n int) (Ref, error) {
	ref, err := s.rt.mem.Alloc(n)
	if err != nil {
		return 0, err
	}
	s.allocs = append(s.allocs, ref)
	return ref, nil
}

// export registers val in the local table, sharing the handle with any
// previous export of the same pointer.
func (s *Storage) export(val any) (Handle, error) {
	h, err := s.rt.local.Export(val, sameObject)
	if err != nil {
		return 0, err
	}
	s.objects = append(s.objects, h)
	return h, nil
}

// Close releases the storage. Closing twice is a no-op.
func (s *Storage) Close() {
	if s.closed {
		return
	}
	s.closed = true

	var errs []error
	for _, ref := range s.allocs {
		errs = append(errs, s.rt.mem.Free(ref))
	}
	for _, h := range s.objects {
		_, _, err := s.rt.local.Release(h)
		errs = append(errs, err)
	}
	s.allocs, s.objects = nil, nil

	if err := errors.Join(errs...); err != nil {
		s.rt.logger.Warn("storage released with errors", LabelError.L(err))
	}
	s.rt.reportMemory()
}

func sameObject(a, b any) bool {
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != reflect.Pointer || rb.Kind() != reflect.Pointer {
		return false
	}
	return ra.Type() == rb.Type() && ra.Pointer() == rb.Pointer()
}
