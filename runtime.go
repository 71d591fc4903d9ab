package fibre

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// Version of an engine.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether both versions share major and minor.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major && v.Minor == other.Minor
}

// InterfaceInfo is the description of an interface reported by the engine.
type InterfaceInfo struct {
	Name       string
	Attributes []AttributeInfo
	Functions  []Handle
}

type AttributeInfo struct {
	Name      string
	Interface Handle
}

// FunctionInfo is the signature of a function reported by the engine.
type FunctionInfo struct {
	Name    string
	Inputs  []ArgInfo
	Outputs []ArgInfo
}

// ArgInfo names an argument and its wire type, see `LookupCodec`.
type ArgInfo struct {
	Name  string
	Codec string
}

// Engine is the peer executing calls and owning the objects. Its methods
// are only called from the executor of the runtime it is attached to, one
// at a time, except `InvokeCallback` which runs on the goroutine calling
// the callback.
type Engine interface {
	Version() Version

	// Open gives the engine the capabilities of the runtime. It is called
	// once, before anything else but `Version`.
	Open(b *Binding) error

	// RunTasks processes a buffer of task records and returns the tasks it
	// produced in exchange. The returned buffer must stay valid until the
	// next call.
	RunTasks(tasks []byte) ([]byte, error)

	InterfaceInfo(intf Handle) (InterfaceInfo, error)
	FunctionInfo(fn Handle) (FunctionInfo, error)

	// GetAttribute returns the child object reached through the attribute
	// at index and takes a reference on it for the runtime.
	GetAttribute(obj Handle, index int) (child Handle, intf Handle, err error)

	OpenDomain(filter string) (Handle, error)
	CloseDomain(domain Handle) error

	// StartDiscovery reports objects of domain through `Binding.Found`
	// and `Binding.Lost`, tagged with discovery, until stopped.
	StartDiscovery(domain Handle, discovery Handle) error
	StopDiscovery(discovery Handle) error

	// InvokeCallback calls a function the engine handed over as a function
	// stub, see `EngineFunc`, with the n argument stubs at args. The stubs
	// can be read through `Host.Decode` until it returns.
	InvokeCallback(cb, cbCtx Handle, args Ref, n int) error

	Close() error
}

// Binding is what the runtime exposes to its engine. Its methods may be
// called from any goroutine.
type Binding struct {
	rt *Runtime
}

// Memory shared with the runtime.
func (b *Binding) Memory() *Memory {
	return b.rt.mem
}

// Host gives access to the values exported by the runtime.
func (b *Binding) Host() *Host {
	return b.rt.host
}

// Deliver routes tasks the engine initiated and returns the tasks pending
// on the runtime side. The returned buffer stays valid until the next
// delivery. It must not be called from within `Engine.RunTasks`.
func (b *Binding) Deliver(tasks []byte) ([]byte, error) {
	return b.rt.dispatcher.deliver(tasks)
}

// Found reports an object to a discovery, along with a reference on it.
func (b *Binding) Found(discovery, obj, intf Handle) {
	b.rt.exec.post(func() {
		b.rt.onFound(discovery, obj, intf)
	})
}

// Lost drops the reference taken by `Found`.
func (b *Binding) Lost(discovery, obj Handle) {
	b.rt.exec.post(func() {
		if err := b.rt.releaseObject(obj); err != nil {
			b.rt.logger.Warn("engine lost an unknown object",
				LabelHandle.L(obj),
				LabelError.L(err),
			)
		}
	})
}

// Stopped reports the end of a discovery.
func (b *Binding) Stopped(discovery Handle, status Status) {
	b.rt.exec.post(func() {
		b.rt.onStopped(discovery, status)
	})
}

// Runtime exposes the objects of one engine. All of its state is owned by
// a single executor goroutine; the exported methods can be called from any
// goroutine.
type Runtime struct {
	engine  Engine
	cfg     config
	version Version
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label

	mem        *Memory
	exec       *executor
	dispatcher *dispatcher
	host       *Host

	// Owned by the executor.
	local      *HandleTable[any]
	remote     *HandleTable[*RemoteObject]
	interfaces map[Handle]*Interface
	functions  map[Handle]*Function
	closed     bool

	// Domain of every discovery started, stopped ones included, until
	// their domain is closed. The engine may still report objects found
	// by a discovery it has not acknowledged stopping.
	discoveries map[Handle]Handle

	// onRelease is called when a remote object becomes stale.
	onRelease func(*RemoteObject)

	closeOnce sync.Once
	closeErr  error
}

// Attach checks that engine speaks a compatible version and opens it.
func Attach(engine Engine, opts ...Option) (*Runtime, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	rt := &Runtime{
		engine:     engine,
		cfg:        cfg,
		labels:     cfg.metricLabels,
		mem:        NewMemory(cfg.memorySize),
		local:      NewHandleTable[any](RootHandle + 1),
		remote:     NewHandleTable[*RemoteObject](1),
		interfaces: make(map[Handle]*Interface),
		functions:  make(map[Handle]*Function),

		discoveries: make(map[Handle]Handle),
	}

	if cfg.logHandler == nil {
		rt.logger = slog.Default()
	} else {
		rt.logger = slog.New(cfg.logHandler)
	}

	if cfg.msink == nil {
		rt.msink = metrics.Default()
	} else {
		rt.msink = cfg.msink
	}

	rt.version = engine.Version()
	if !rt.version.Compatible(cfg.version) {
		rt.logger.Error("incompatible engine",
			LabelVersion.L(rt.version.String()),
			slog.String("expected", cfg.version.String()),
		)
		return nil, fmt.Errorf("%w: engine is %s, expected %d.%d.x", ErrIncompatibleVersion, rt.version, cfg.version.Major, cfg.version.Minor)
	}

	rt.local.onChange = func(live int) {
		rt.msink.SetGaugeWithLabels(MetricLocalHandles, float32(live), rt.labels)
	}
	rt.remote.onChange = func(live int) {
		rt.msink.SetGaugeWithLabels(MetricRemoteObjects, float32(live), rt.labels)
	}
	if err := rt.local.Insert(RootHandle, cfg.hostRoot); err != nil {
		return nil, err
	}

	rt.exec = newExecutor()
	rt.dispatcher = newDispatcher(rt)
	rt.host = &Host{rt: rt}

	if err := engine.Open(&Binding{rt: rt}); err != nil {
		rt.exec.stop()
		return nil, fmt.Errorf("open engine: %w", err)
	}

	rt.logger.Info("attached to engine", LabelVersion.L(rt.version.String()))
	return rt, nil
}

// Version of the engine.
func (rt *Runtime) Version() Version {
	return rt.version
}

// Memory shared with the engine.
func (rt *Runtime) Memory() *Memory {
	return rt.mem
}

// Host is the bridge the engine uses to reach exported values.
func (rt *Runtime) Host() *Host {
	return rt.host
}

// Function loads a function which is not bound to any object.
func (rt *Runtime) Function(ctx context.Context, h Handle) (*Function, error) {
	var (
		fn  *Function
		err error
	)
	if doErr := rt.exec.do(ctx, func() {
		if rt.closed {
			err = ErrRuntimeClosed
			return
		}
		fn, err = rt.loadFunction(h)
	}); doErr != nil {
		return nil, doErr
	}
	return fn, err
}

// Object returns the proxy of an object the engine already reported, or
// false if it is unknown or lost.
func (rt *Runtime) Object(ctx context.Context, h Handle) (*RemoteObject, bool) {
	var obj *RemoteObject
	_ = rt.exec.do(ctx, func() {
		obj, _ = rt.remote.Get(h)
	})
	return obj, obj != nil
}

// Close stops every discovery, makes every remote object stale, fails the
// calls in flight and closes the engine.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		var errs []error
		doErr := rt.exec.do(context.Background(), func() {
			errs = rt.teardown()
		})
		rt.exec.stop()
		<-rt.exec.done

		errs = append(errs, doErr, rt.engine.Close())
		rt.closeErr = errors.Join(errs...)
		rt.logger.Info("runtime closed", LabelError.L(rt.closeErr))
	})
	return rt.closeErr
}

func (rt *Runtime) teardown() []error {
	rt.closed = true
	clear(rt.discoveries)
	var errs []error

	for h, val := range rt.local.All() {
		if d, ok := val.(*Discovery); ok {
			errs = append(errs, d.stop(ErrRuntimeClosed))
			continue
		}
		if c, ok := val.(*call); ok {
			c.abort(ErrRuntimeClosed)
			continue
		}
		if s, ok := val.(*Storage); ok {
			rt.local.Remove(h)
			s.Close()
		}
	}

	for h := range rt.remote.All() {
		for rt.remote.Refs(h) > 0 {
			if err := rt.releaseObject(h); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}

	for h := range rt.local.All() {
		rt.local.Remove(h)
	}
	return errs
}

func (rt *Runtime) reportMemory() {
	rt.msink.SetGaugeWithLabels(MetricMemoryInUseBytes, float32(rt.mem.InUse()), rt.labels)
}

func (rt *Runtime) labelsWith(extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(rt.labels)+len(extra))
	labels = append(labels, rt.labels...)
	return append(labels, extra...)
}
