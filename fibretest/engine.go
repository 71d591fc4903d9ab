// Package fibretest provides an in-process `fibre.Engine` for tests and
// demos. Objects, interfaces and functions are declared up front; calls
// run scripted handlers, either in process or on the far side of a
// channel served by `Serve`.
package fibretest

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raskyld/fibre"
)

var (
	ErrNotFound = errors.New("fibretest: unknown handle")
	ErrClosed   = errors.New("fibretest: engine closed")
)

// Handler runs one call. It receives the serialized inputs and returns
// the serialized outputs, or a status other than OK and CLOSED to fail
// the call.
type Handler func(args [][]byte) ([][]byte, fibre.Status)

// Callback is a function the engine hands to the host, see
// `Engine.Callback`.
type Callback func(args []any) error

type function struct {
	info    fibre.FunctionInfo
	handler Handler
}

type object struct {
	intf     fibre.Handle
	children []fibre.Handle
}

type discovery struct {
	domain fibre.Handle
	found  map[fibre.Handle]bool
}

// engineCall is the engine side of a call.
type engineCall struct {
	fn      *function
	args    [][]byte
	partial []byte
	refused bool

	// Memory holding the outputs until the runtime acknowledged them.
	results []fibre.Ref
}

// Engine is a scriptable engine. Declaration methods may be called at any
// time; objects announced before a discovery starts are reported to it
// as soon as it starts.
type Engine struct {
	mu      sync.Mutex
	version fibre.Version
	logger  *slog.Logger
	binding *fibre.Binding
	opener  fibre.ChannelOpener
	mtu     int
	closed  bool
	next    fibre.Handle
	runErr  error

	interfaces  map[fibre.Handle]fibre.InterfaceInfo
	functions   map[fibre.Handle]*function
	objects     map[fibre.Handle]*object
	domains     map[fibre.Handle]string
	discoveries map[fibre.Handle]*discovery
	announced   []fibre.Handle
	calls       map[fibre.Handle]*engineCall
	callbacks   map[fibre.Handle]Callback
	batches     [][]fibre.Task
	intercept   func(t fibre.Task) ([]fibre.Task, bool)
}

var _ fibre.Engine = (*Engine)(nil)

// Option of an `Engine`.
type Option func(*Engine)

// WithVersion makes the engine report v on attach.
func WithVersion(v fibre.Version) Option {
	return func(e *Engine) {
		e.version = v
	}
}

// WithTransport forwards every call over a channel opened with opener.
// The far side is expected to run `Serve`.
func WithTransport(opener fibre.ChannelOpener, mtu int) Option {
	return func(e *Engine) {
		e.opener = opener
		e.mtu = mtu
	}
}

func WithLog(handler slog.Handler) Option {
	return func(e *Engine) {
		if handler != nil {
			e.logger = slog.New(handler)
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		version:     fibre.Version{Major: fibre.CompatibleVersion.Major, Minor: fibre.CompatibleVersion.Minor},
		logger:      slog.Default(),
		mtu:         1024,
		next:        1,
		interfaces:  make(map[fibre.Handle]fibre.InterfaceInfo),
		functions:   make(map[fibre.Handle]*function),
		objects:     make(map[fibre.Handle]*object),
		domains:     make(map[fibre.Handle]string),
		discoveries: make(map[fibre.Handle]*discovery),
		calls:       make(map[fibre.Handle]*engineCall),
		callbacks:   make(map[fibre.Handle]Callback),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) alloc() fibre.Handle {
	h := e.next
	e.next++
	return h
}

// Function declares a function. Methods take the object they are called
// on as their first input, of codec "object_ref".
func (e *Engine) Function(name string, inputs, outputs []fibre.ArgInfo, h Handler) fibre.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.alloc()
	e.functions[id] = &function{
		info:    fibre.FunctionInfo{Name: name, Inputs: inputs, Outputs: outputs},
		handler: h,
	}
	return id
}

// Interface declares an interface.
func (e *Engine) Interface(name string, functions []fibre.Handle, attrs ...fibre.AttributeInfo) fibre.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.alloc()
	e.interfaces[id] = fibre.InterfaceInfo{Name: name, Attributes: attrs, Functions: functions}
	return id
}

// Object declares an object of intf whose attributes lead to children, in
// the order of the attributes of intf.
func (e *Engine) Object(intf fibre.Handle, children ...fibre.Handle) fibre.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.alloc()
	e.objects[id] = &object{intf: intf, children: children}
	return id
}

// Property declares an object holding a single value of the given codec,
// initially set to initial.
func (e *Engine) Property(codec string, writable bool, initial []byte) fibre.Handle {
	var (
		mu    sync.Mutex
		value = initial
	)
	self := fibre.ArgInfo{Name: "obj", Codec: "object_ref"}
	val := fibre.ArgInfo{Name: "value", Codec: codec}

	fns := []fibre.Handle{
		e.Function("read", []fibre.ArgInfo{self}, []fibre.ArgInfo{val}, func([][]byte) ([][]byte, fibre.Status) {
			mu.Lock()
			defer mu.Unlock()
			return [][]byte{value}, fibre.StatusClosed
		}),
	}
	mode := "readonly"
	if writable {
		mode = "readwrite"
		fns = append(fns, e.Function("exchange", []fibre.ArgInfo{self, val}, []fibre.ArgInfo{val}, func(args [][]byte) ([][]byte, fibre.Status) {
			mu.Lock()
			defer mu.Unlock()
			old := value
			value = args[1]
			return [][]byte{old}, fibre.StatusClosed
		}))
	}
	intf := e.Interface(fmt.Sprintf("fibre.Property<%s %s>", mode, codec), fns)
	return e.Object(intf)
}

// Callback declares a function the host can call once it received it,
// for example through `fibre.Host.SetProperty`.
func (e *Engine) Callback(fn Callback) fibre.EngineFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.alloc()
	e.callbacks[id] = fn
	return fibre.EngineFunc{Callback: id}
}

// Announce reports obj to every running discovery and to the ones started
// later.
func (e *Engine) Announce(obj fibre.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.announced = append(e.announced, obj)
	for _, id := range e.sortedDiscoveries() {
		e.found(id, obj)
	}
}

// Withdraw reports obj lost to the discoveries which found it.
func (e *Engine) Withdraw(obj fibre.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.announced {
		if h == obj {
			e.announced = append(e.announced[:i], e.announced[i+1:]...)
			break
		}
	}
	for _, id := range e.sortedDiscoveries() {
		disc := e.discoveries[id]
		if disc.found[obj] {
			delete(disc.found, obj)
			e.binding.Lost(id, obj)
		}
	}
}

// StopDiscoveries ends every running discovery with status.
func (e *Engine) StopDiscoveries(status fibre.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.sortedDiscoveries() {
		delete(e.discoveries, id)
		e.binding.Stopped(id, status)
	}
}

// SetIntercept installs fn to see every task before the engine does. When
// fn returns true the engine skips the task and replies with the returned
// tasks instead. fn runs with the engine locked.
func (e *Engine) SetIntercept(fn func(t fibre.Task) ([]fibre.Task, bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intercept = fn
}

// InterfaceOf returns the interface obj was declared with.
func (e *Engine) InterfaceOf(obj fibre.Handle) (fibre.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.objects[obj]
	if !ok {
		return 0, false
	}
	return o.intf, true
}

// FailRuns makes every following `RunTasks` fail with err, nil to stop.
func (e *Engine) FailRuns(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runErr = err
}

// Batches returns the tasks received so far, one slice per `RunTasks`.
func (e *Engine) Batches() [][]fibre.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]fibre.Task, len(e.batches))
	copy(out, e.batches)
	return out
}

// Binding is what the runtime handed to the engine, nil before attach.
func (e *Engine) Binding() *fibre.Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.binding
}

// Calls is the number of calls the engine still tracks.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *Engine) sortedDiscoveries() []fibre.Handle {
	ids := make([]fibre.Handle, 0, len(e.discoveries))
	for id := range e.discoveries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) found(id, obj fibre.Handle) {
	o, ok := e.objects[obj]
	if !ok || e.binding == nil {
		return
	}
	e.discoveries[id].found[obj] = true
	e.binding.Found(id, obj, o.intf)
}

func (e *Engine) Version() fibre.Version {
	return e.version
}

func (e *Engine) Open(b *fibre.Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.binding = b
	return nil
}

func (e *Engine) InterfaceInfo(intf fibre.Handle) (fibre.InterfaceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.interfaces[intf]
	if !ok {
		return fibre.InterfaceInfo{}, fmt.Errorf("%w: interface %d", ErrNotFound, intf)
	}
	return info, nil
}

func (e *Engine) FunctionInfo(fn fibre.Handle) (fibre.FunctionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.functions[fn]
	if !ok {
		return fibre.FunctionInfo{}, fmt.Errorf("%w: function %d", ErrNotFound, fn)
	}
	return f.info, nil
}

func (e *Engine) GetAttribute(obj fibre.Handle, index int) (fibre.Handle, fibre.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.objects[obj]
	if !ok {
		return 0, 0, fmt.Errorf("%w: object %d", ErrNotFound, obj)
	}
	if index < 0 || index >= len(o.children) {
		return 0, 0, fmt.Errorf("%w: attribute %d of object %d", ErrNotFound, index, obj)
	}
	child := o.children[index]
	c, ok := e.objects[child]
	if !ok {
		return 0, 0, fmt.Errorf("%w: object %d", ErrNotFound, child)
	}
	return child, c.intf, nil
}

func (e *Engine) OpenDomain(filter string) (fibre.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	id := e.alloc()
	e.domains[id] = filter
	return id, nil
}

func (e *Engine) CloseDomain(domain fibre.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.domains[domain]; !ok {
		return fmt.Errorf("%w: domain %d", ErrNotFound, domain)
	}
	delete(e.domains, domain)
	return nil
}

func (e *Engine) StartDiscovery(domain, id fibre.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.domains[domain]; !ok {
		return fmt.Errorf("%w: domain %d", ErrNotFound, domain)
	}
	e.discoveries[id] = &discovery{domain: domain, found: make(map[fibre.Handle]bool)}
	for _, obj := range e.announced {
		e.found(id, obj)
	}
	return nil
}

func (e *Engine) StopDiscovery(id fibre.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.discoveries, id)
	return nil
}

func (e *Engine) InvokeCallback(cb, _ fibre.Handle, args fibre.Ref, n int) error {
	e.mu.Lock()
	fn, ok := e.callbacks[cb]
	b := e.binding
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: callback %d", ErrNotFound, cb)
	}

	argv := make([]any, n)
	for i := range n {
		val, err := b.Host().Decode(args + fibre.Ref(fibre.StubSize*i))
		if err != nil {
			return err
		}
		argv[i] = val
	}
	return fn(argv)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for id, c := range e.calls {
		e.freeResults(c)
		delete(e.calls, id)
	}
	e.discoveries = make(map[fibre.Handle]*discovery)
	return nil
}

// retryDelay paces deliveries refused because the runtime was busy
// exchanging tasks.
const retryDelay = time.Millisecond
