package fibre

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

type objectState int

const (
	objectLive objectState = iota
	objectStale
)

// RemoteObject is the local proxy of an object owned by the engine. It
// stays usable as long as the engine holds a reference to the object;
// afterwards every access fails with `ErrObjectLost`.
//
// Proxies are unique per handle: discovering or fetching the same object
// twice yields the same *RemoteObject.
type RemoteObject struct {
	rt     *Runtime
	intf   *Interface
	domain Handle

	// Owned by the executor.
	state    objectState
	h        Handle
	children map[int]*RemoteObject

	lost chan struct{}
}

// Interface of the object.
func (obj *RemoteObject) Interface() *Interface {
	return obj.intf
}

// Lost is closed once the object disappeared.
func (obj *RemoteObject) Lost() <-chan struct{} {
	return obj.lost
}

// Live reports whether the object is still reachable.
func (obj *RemoteObject) Live() bool {
	select {
	case <-obj.lost:
		return false
	default:
		return true
	}
}

// handle returns the live handle of the object. It must run on the
// executor.
func (obj *RemoteObject) handle() (Handle, error) {
	if obj.state == objectStale {
		return 0, fmt.Errorf("%w: %w: formerly %d", ErrObjectLost, ErrStaleObject, obj.h)
	}
	return obj.h, nil
}

// Attribute returns the child object reached through attribute name.
func (obj *RemoteObject) Attribute(ctx context.Context, name string) (*RemoteObject, error) {
	var (
		child *RemoteObject
		err   error
	)
	if doErr := obj.rt.exec.do(ctx, func() {
		child, err = obj.attribute(name)
	}); doErr != nil {
		return nil, doErr
	}
	return child, err
}

func (obj *RemoteObject) attribute(name string) (*RemoteObject, error) {
	h, err := obj.handle()
	if err != nil {
		return nil, err
	}
	attr, ok := obj.intf.Attribute(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no attribute %q", ErrNoSuchMember, obj.intf.Name, name)
	}

	if child, ok := obj.children[attr.Index]; ok && child.state == objectLive {
		return child, nil
	}

	childHandle, intfHandle, err := obj.rt.engine.GetAttribute(h, attr.Index)
	if err != nil {
		return nil, fmt.Errorf("attribute %s of %s: %w", name, obj.intf.Name, err)
	}
	if intfHandle != attr.Interface.Handle {
		obj.rt.logger.Warn("attribute interface differs from its description",
			LabelInterface.L(obj.intf.Name),
			LabelHandle.L(intfHandle),
		)
	}
	child, err := obj.rt.loadObject(childHandle, intfHandle, obj.domain)
	if err != nil {
		return nil, err
	}
	// The reference taken by loadObject is held by the parent and dropped
	// when the parent goes away.
	obj.children[attr.Index] = child
	return child, nil
}

// Function returns the method name bound to the object.
func (obj *RemoteObject) Function(name string) (*BoundFunction, error) {
	if !obj.Live() {
		return nil, fmt.Errorf("%w: %w: formerly %d", ErrObjectLost, ErrStaleObject, obj.h)
	}
	fn, ok := obj.intf.Function(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no function %q", ErrNoSuchMember, obj.intf.Name, name)
	}
	return &BoundFunction{obj: obj, fn: fn}, nil
}

// Call invokes the method name of the object.
func (obj *RemoteObject) Call(ctx context.Context, name string, args ...any) (any, error) {
	bound, err := obj.Function(name)
	if err != nil {
		return nil, err
	}
	return bound.Call(ctx, args...)
}

func (obj *RemoteObject) String() string {
	if !obj.Live() {
		return "[object lost]"
	}
	return fmt.Sprintf("%s@%d", obj.intf.Name, obj.h)
}

// BoundFunction is a method with its receiver.
type BoundFunction struct {
	obj *RemoteObject
	fn  *Function
}

func (bf *BoundFunction) Function() *Function {
	return bf.fn
}

// Call invokes the method on its receiver with the remaining inputs.
func (bf *BoundFunction) Call(ctx context.Context, args ...any) (any, error) {
	return bf.fn.invoke(ctx, bf.obj.domain, append([]any{bf.obj}, args...))
}

// loadObject returns the proxy of h, creating it on first sight, and takes
// a reference on it. It must run on the executor.
func (rt *Runtime) loadObject(h, intfHandle, domain Handle) (*RemoteObject, error) {
	if h == 0 {
		return nil, fmt.Errorf("%w: null object", ErrUnresolvedReference)
	}
	if obj, ok := rt.remote.Get(h); ok {
		if err := rt.remote.Acquire(h); err != nil {
			return nil, err
		}
		return obj, nil
	}

	intf, err := rt.loadInterface(intfHandle)
	if err != nil {
		return nil, err
	}
	obj := &RemoteObject{
		rt:       rt,
		intf:     intf,
		domain:   domain,
		h:        h,
		children: make(map[int]*RemoteObject),
		lost:     make(chan struct{}),
	}
	if err := rt.remote.Insert(h, obj); err != nil {
		return nil, err
	}
	rt.logger.Debug("object loaded", LabelHandle.L(h), LabelInterface.L(intf.Name))
	return obj, nil
}

// releaseObject drops a reference on h. The last one releases every
// child, then the object itself, which becomes stale. It must run on the
// executor.
func (rt *Runtime) releaseObject(h Handle) error {
	obj, ok := rt.remote.Get(h)
	if !ok {
		return fmt.Errorf("%w: %w: remote object %d", ErrOverRelease, ErrHandleNotFound, h)
	}
	if rt.remote.Refs(h) > 1 {
		_, _, err := rt.remote.Release(h)
		return err
	}

	children := obj.children
	obj.children = nil
	for _, idx := range slices.Sorted(maps.Keys(children)) {
		child := children[idx]
		if child.state != objectLive {
			continue
		}
		if err := rt.releaseObject(child.h); err != nil {
			rt.logger.Warn("failed to release child", LabelHandle.L(child.h), LabelError.L(err))
		}
	}

	if _, _, err := rt.remote.Release(h); err != nil {
		return err
	}
	obj.state = objectStale
	close(obj.lost)

	rt.msink.IncrCounterWithLabels(MetricObjectsLost, 1, rt.labelsWith(LabelInterface.M(obj.intf.Name)))
	rt.logger.Debug("object lost", LabelHandle.L(h), LabelInterface.L(obj.intf.Name))
	if rt.onRelease != nil {
		rt.onRelease(obj)
	}
	return nil
}
