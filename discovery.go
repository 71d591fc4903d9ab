package fibre

import (
	"context"
	"fmt"
)

// Domain is a scope of the engine in which objects are discovered, for
// example the set of devices matching a filter.
type Domain struct {
	rt     *Runtime
	handle Handle
	filter string
}

// OpenDomain asks the engine for the domain matching filter.
func (rt *Runtime) OpenDomain(ctx context.Context, filter string) (*Domain, error) {
	var (
		h   Handle
		err error
	)
	if doErr := rt.exec.do(ctx, func() {
		if rt.closed {
			err = ErrRuntimeClosed
			return
		}
		h, err = rt.engine.OpenDomain(filter)
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, fmt.Errorf("open domain %q: %w", filter, err)
	}
	rt.logger.Info("domain opened", LabelDomain.L(filter))
	return &Domain{rt: rt, handle: h, filter: filter}, nil
}

func (d *Domain) Filter() string {
	return d.filter
}

// Close releases the domain. Discoveries started on it should be stopped
// first.
func (d *Domain) Close(ctx context.Context) error {
	var err error
	if doErr := d.rt.exec.do(ctx, func() {
		for id, domain := range d.rt.discoveries {
			if domain == d.handle {
				delete(d.rt.discoveries, id)
			}
		}
		err = d.rt.engine.CloseDomain(d.handle)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Discovery receives the objects found in a domain until stopped.
type Discovery struct {
	domain *Domain
	id     Handle

	// Owned by the executor.
	unannounced []*RemoteObject
	waiter      *future[*RemoteObject]
	stopped     bool
	err         error
}

// StartDiscovery starts looking for objects in the domain.
func (d *Domain) StartDiscovery(ctx context.Context) (*Discovery, error) {
	disc := &Discovery{domain: d}
	var err error
	if doErr := d.rt.exec.do(ctx, func() {
		if d.rt.closed {
			err = ErrRuntimeClosed
			return
		}
		if disc.id, err = d.rt.local.Alloc(disc); err != nil {
			return
		}
		if err = d.rt.engine.StartDiscovery(d.handle, disc.id); err != nil {
			d.rt.local.Remove(disc.id)
			return
		}
		d.rt.discoveries[disc.id] = d.handle
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, fmt.Errorf("start discovery in %q: %w", d.filter, err)
	}
	d.rt.logger.Info("discovery started", LabelDomain.L(d.filter), LabelHandle.L(disc.id))
	return disc, nil
}

// Next waits for the next object found. Objects found before the call are
// returned in order. Only one goroutine may wait at a time.
func (disc *Discovery) Next(ctx context.Context) (*RemoteObject, error) {
	rt := disc.domain.rt
	var (
		obj    *RemoteObject
		waiter *future[*RemoteObject]
		err    error
	)
	if doErr := rt.exec.do(ctx, func() {
		switch {
		case len(disc.unannounced) > 0:
			obj = disc.unannounced[0]
			disc.unannounced = disc.unannounced[1:]
		case disc.stopped:
			err = disc.err
		default:
			disc.waiter = newFuture[*RemoteObject]()
			waiter = disc.waiter
		}
	}); doErr != nil {
		return nil, doErr
	}
	if obj != nil || err != nil {
		return obj, err
	}
	return waiter.wait(ctx)
}

// Stop ends the discovery. Objects already found stay alive until the
// engine reports them lost.
func (disc *Discovery) Stop(ctx context.Context) error {
	var err error
	if doErr := disc.domain.rt.exec.do(ctx, func() {
		err = disc.stop(ErrDiscoveryStopped)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (disc *Discovery) stop(reason error) error {
	if disc.stopped {
		return nil
	}
	rt := disc.domain.rt
	err := rt.engine.StopDiscovery(disc.id)
	disc.end(reason)
	return err
}

func (disc *Discovery) end(reason error) {
	rt := disc.domain.rt
	disc.stopped = true
	disc.err = reason
	if disc.waiter != nil {
		disc.waiter.reject(reason)
		disc.waiter = nil
	}
	rt.local.Remove(disc.id)
	rt.logger.Info("discovery stopped", LabelDomain.L(disc.domain.filter), LabelHandle.L(disc.id), LabelError.L(reason))
}

// Run calls onFound for every object found until ctx is done or the
// discovery stops. onFound runs on the calling goroutine.
func (disc *Discovery) Run(ctx context.Context, onFound func(*RemoteObject)) error {
	for {
		obj, err := disc.Next(ctx)
		if err != nil {
			return err
		}
		onFound(obj)
	}
}

// DiscoverOne waits for the first object found in the domain.
func (d *Domain) DiscoverOne(ctx context.Context) (*RemoteObject, error) {
	disc, err := d.StartDiscovery(ctx)
	if err != nil {
		return nil, err
	}
	obj, err := disc.Next(ctx)
	stopErr := disc.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	return obj, stopErr
}

// onFound takes the reference the engine hands over with obj, even when
// the discovery is stopped, since a `Lost` will give it back.
func (rt *Runtime) onFound(id, obj, intf Handle) {
	domain, known := rt.discoveries[id]
	if !known {
		rt.logger.Warn("object found by an unknown discovery", LabelHandle.L(obj))
	}
	found, err := rt.loadObject(obj, intf, domain)
	if err != nil {
		rt.logger.Error("failed to load discovered object", LabelHandle.L(obj), LabelError.L(err))
		return
	}

	val, _ := rt.local.Get(id)
	disc, ok := val.(*Discovery)
	if !ok || disc.stopped {
		rt.logger.Debug("object found by a stopped discovery", LabelHandle.L(obj))
		return
	}
	if disc.waiter != nil {
		disc.waiter.resolve(found)
		disc.waiter = nil
		return
	}
	disc.unannounced = append(disc.unannounced, found)
}

func (rt *Runtime) onStopped(id Handle, status Status) {
	val, _ := rt.local.Get(id)
	disc, ok := val.(*Discovery)
	if !ok || disc.stopped {
		return
	}
	reason := ErrDiscoveryStopped
	if err := status.Err(); err != nil && status != StatusClosed {
		reason = fmt.Errorf("%w: %w", ErrDiscoveryStopped, err)
	}
	disc.end(reason)
}
