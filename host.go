package fibre

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

// RootHandle is the local handle of the value given to `WithHostRoot`.
const RootHandle Handle = 0

// Host is the bridge through which the engine reaches the Go values the
// runtime exported to it, either as the root object or through object
// stubs.
//
// Members are looked up by reflection: exported struct fields and methods
// whose name matches once its first letter is upper-cased, or keys of a
// `map[string]any`.
//
// Its methods are safe to call from any goroutine of the engine, but not
// from within `Engine.RunTasks`.
type Host struct {
	rt *Runtime
}

// HostError is what the engine receives, as a string stub, when a method
// it called fails.
type HostError struct {
	Method string
	Err    error
}

func (herr *HostError) Error() string {
	return fmt.Sprintf("fibre: host method %s failed: %s", herr.Method, herr.Err)
}

func (herr *HostError) Unwrap() error {
	return herr.Err
}

// Ref takes a reference on an exported object.
func (h *Host) Ref(id Handle) error {
	return h.onExecutor(func() error {
		return h.rt.local.Acquire(id)
	})
}

// Unref drops a reference on an exported object.
func (h *Host) Unref(id Handle) error {
	return h.onExecutor(func() error {
		_, _, err := h.rt.local.Release(id)
		return err
	})
}

// GetProperty encodes the member `name` of object id with the given depth
// budget. The returned storage handle must be given back to `Release`
// once the engine is done with the stub.
func (h *Host) GetProperty(id Handle, name string, depth int) (stub Ref, storage Handle, err error) {
	err = h.onExecutor(func() error {
		val, err := h.member(id, name)
		if err != nil {
			return err
		}

		stub, storage, err = h.store(val, depth)
		return err
	})
	return stub, storage, err
}

// encodeDepth bounds the depth the engine asks for by the configured
// budget.
func (rt *Runtime) encodeDepth(depth int) int {
	return min(max(depth, 0), rt.cfg.depthBudget)
}

func (h *Host) store(val any, depth int) (Ref, Handle, error) {
	s := h.rt.newStorage()
	stub, err := s.Encode(val, h.rt.encodeDepth(depth))
	if err != nil {
		s.Close()
		return 0, 0, err
	}
	storage, err := h.rt.local.Alloc(s)
	if err != nil {
		s.Close()
		return 0, 0, err
	}
	return stub, storage, nil
}

// SetProperty decodes stub and assigns it to the member `name` of object
// id.
func (h *Host) SetProperty(id Handle, name string, stub Ref) error {
	return h.onExecutor(func() error {
		target, err := h.object(id)
		if err != nil {
			return err
		}
		val, err := h.rt.decodeStub(stub)
		if err != nil {
			return err
		}

		rv := reflect.ValueOf(target)
		if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
			arg, err := convertArg(val, rv.Type().Elem())
			if err != nil {
				return err
			}
			rv.SetMapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()), arg)
			return nil
		}

		field := reflect.Indirect(rv)
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("%w: %q on %T", ErrNoSuchMember, name, target)
		}
		field = field.FieldByName(exportedName(name))
		if !field.IsValid() || !field.CanSet() {
			return fmt.Errorf("%w: %q on %T", ErrNoSuchMember, name, target)
		}
		arg, err := convertArg(val, field.Type())
		if err != nil {
			return err
		}
		field.Set(arg)
		return nil
	})
}

// Encode writes val as a stub the engine can read, for example to pass it
// to `SetProperty`. The storage must be given back to `Release`.
func (h *Host) Encode(val any, depth int) (stub Ref, storage Handle, err error) {
	err = h.onExecutor(func() error {
		stub, storage, err = h.store(val, depth)
		return err
	})
	return stub, storage, err
}

// Decode reads the value of the stub at ref.
func (h *Host) Decode(stub Ref) (val any, err error) {
	err = h.onExecutor(func() error {
		val, err = h.rt.decodeStub(stub)
		return err
	})
	return val, err
}

// Release closes a storage returned by `GetProperty` or `Encode`.
func (h *Host) Release(storage Handle) error {
	return h.onExecutor(func() error {
		val, ok := h.rt.local.Get(storage)
		s, isStorage := val.(*Storage)
		if !ok || !isStorage {
			return fmt.Errorf("%w: %d is not a storage", ErrHandleNotFound, storage)
		}
		h.rt.local.Remove(storage)
		s.Close()
		return nil
	})
}

// CallAsync invokes method on object id with the n stubs at args. The
// method runs on its own goroutine; once it returns, done receives its
// result and error as stubs encoded with the given depth, valid only for
// the duration of done.
func (h *Host) CallAsync(id Handle, method string, args Ref, n int, depth int, done func(result, errStub Ref)) error {
	var (
		fn   reflect.Value
		argv []any
	)
	err := h.onExecutor(func() error {
		target, err := h.object(id)
		if err != nil {
			return err
		}
		fn = reflect.ValueOf(target).MethodByName(exportedName(method))
		if !fn.IsValid() {
			return fmt.Errorf("%w: method %q on %T", ErrNoSuchMember, method, target)
		}
		argv, err = h.decodeArgs(args, n)
		return err
	})
	if err != nil {
		return err
	}

	go func() {
		result, callErr := callReflect(fn, argv)
		if callErr != nil {
			callErr = &HostError{Method: method, Err: callErr}
			h.rt.logger.Debug("host method failed", LabelFunction.L(method), LabelError.L(callErr))
		}
		h.reply(depth, result, callErr, done)
	}()
	return nil
}

// Invoke calls a `HostFunc` the runtime handed to the engine as a function
// stub.
func (h *Host) Invoke(cb Handle, args Ref, n int) error {
	var (
		fn   HostFunc
		argv []any
	)
	err := h.onExecutor(func() error {
		val, ok := h.rt.local.Get(cb)
		if fn, ok = val.(HostFunc); !ok {
			return fmt.Errorf("%w: %d is not a callback", ErrHandleNotFound, cb)
		}
		var err error
		argv, err = h.decodeArgs(args, n)
		return err
	})
	if err != nil {
		return err
	}
	return fn(argv...)
}

func (h *Host) reply(depth int, result any, callErr error, done func(result, errStub Ref)) {
	var (
		s                   *Storage
		resultRef, errorRef Ref
	)
	var errMsg any
	if callErr != nil {
		errMsg = callErr.Error()
	}
	depth = h.rt.encodeDepth(depth)
	err := h.onExecutor(func() error {
		s = h.rt.newStorage()
		var err error
		if resultRef, err = s.Encode(result, depth); err != nil {
			// The result cannot cross, report that instead.
			errMsg = (&HostError{Err: err}).Error()
			if resultRef, err = s.Encode(nil, depth); err != nil {
				return err
			}
		}
		errorRef, err = s.Encode(errMsg, depth)
		return err
	})
	if err != nil {
		h.rt.logger.Error("failed to encode host method result", LabelError.L(err))
		if s != nil {
			h.rt.exec.post(s.Close)
		}
		return
	}
	done(resultRef, errorRef)
	h.rt.exec.post(s.Close)
}

func (h *Host) onExecutor(fn func() error) error {
	var err error
	if doErr := h.rt.exec.do(context.Background(), func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

func (h *Host) object(id Handle) (any, error) {
	val, ok := h.rt.local.Get(id)
	if !ok || val == nil {
		return nil, fmt.Errorf("%w: local object %d", ErrHandleNotFound, id)
	}
	return val, nil
}

func (h *Host) member(id Handle, name string) (any, error) {
	target, err := h.object(id)
	if err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		val := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchMember, name)
		}
		return val.Interface(), nil
	}

	if s := reflect.Indirect(rv); s.Kind() == reflect.Struct {
		if field := s.FieldByName(exportedName(name)); field.IsValid() && field.CanInterface() {
			return field.Interface(), nil
		}
	}
	// Methods are handed out as callables.
	if m := rv.MethodByName(exportedName(name)); m.IsValid() {
		return HostFunc(func(args ...any) error {
			_, err := callReflect(m, args)
			return err
		}), nil
	}
	return nil, fmt.Errorf("%w: %q on %T", ErrNoSuchMember, name, target)
}

func (h *Host) decodeArgs(args Ref, n int) ([]any, error) {
	argv := make([]any, n)
	for i := range n {
		var err error
		if argv[i], err = h.rt.decodeStub(args + Ref(StubSize*i)); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return argv, nil
}

var errorType = reflect.TypeFor[error]()

// callReflect calls fn with args converted to its parameter types. A
// trailing error result is returned as the error, the first other result
// as the value.
func callReflect(fn reflect.Value, args []any) (any, error) {
	ft := fn.Type()
	if ft.IsVariadic() && len(args) < ft.NumIn()-1 || !ft.IsVariadic() && len(args) != ft.NumIn() {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrArgumentCount, ft.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		pt := ft.In(min(i, ft.NumIn()-1))
		if ft.IsVariadic() && i >= ft.NumIn()-1 {
			pt = pt.Elem()
		}
		var err error
		if in[i], err = convertArg(a, pt); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}

	out := fn.Call(in)
	var (
		result any
		err    error
	)
	for i, o := range out {
		if ft.Out(i) == errorType {
			if !o.IsNil() {
				err = o.Interface().(error)
			}
			continue
		}
		if result == nil {
			result = o.Interface()
		}
	}
	return result, err
}

func convertArg(val any, to reflect.Type) (reflect.Value, error) {
	if val == nil {
		return reflect.Zero(to), nil
	}
	rv := reflect.ValueOf(val)
	switch {
	case rv.Type().AssignableTo(to):
		return rv, nil
	case rv.Type().ConvertibleTo(to) && rv.Kind() != reflect.String && rv.Kind() != reflect.Slice:
		return rv.Convert(to), nil
	case rv.Kind() == reflect.String && to.Kind() == reflect.String:
		return rv.Convert(to), nil
	default:
		return reflect.Value{}, fmt.Errorf("%w: cannot use %T as %s", ErrUnsupportedType, val, to)
	}
}

func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
