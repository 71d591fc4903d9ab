// Package fibre is the client runtime of a Fibre engine.
//
// An engine is the native library doing the actual work: it finds remote
// objects, runs functions on them and moves their bytes. This package turns
// the low-level protocol spoken with that engine into Go values. You get
// `RemoteObject`s, call `Function`s with plain Go arguments and wait for
// their outputs.
//
// ## How it works
//
// The first thing to do is to `Attach` the runtime to an `Engine`. The
// versions are compared on major and minor only, and the engine receives a
// `Binding` giving it access to the shared `Memory` and to the callbacks it
// uses to report discoveries and completed work.
//
// Work is exchanged as *tasks*: fixed-size records naming a call handle and
// what happens to it (a call starts, some arguments are written, a write is
// acknowledged). Tasks are batched and flushed to `Engine.RunTasks`, which
// answers with more tasks, until nothing is pending. Argument bytes never
// travel inside tasks: they are referenced as *chunks* of the shared memory,
// and a chunk of length `0xffffffff` closes the current argument.
//
// Each call owns two halves:
//
// * an outbound socket, writing the encoded arguments and waiting until the
//   engine acknowledged all of them;
// * a collector, gathering the outputs the engine writes back and decoding
//   them with the codec of each output.
//
// A call succeeds once both halves closed. Any error status on either
// half fails both, and is mapped to the error taxonomy of `errors.go`.
//
// Objects are found through a `Domain`: start a `Discovery` and every object
// the engine finds comes out of `Discovery.Next`, already proxied and
// refcounted. When the engine reports the object lost, the proxy and all of
// its attributes become stale and refuse further work.
//
// The engine may also look into the host: `Host` exposes a root Go value,
// its fields, map entries and methods, encoded as *stubs* in the shared
// memory. Stubs are released together through their storage.
//
// ## Concurrency
//
// Every piece of runtime state is owned by a single executor goroutine.
// Public methods post their work to it and wait, so they are safe for
// concurrent use. The engine must not call `Host` methods while it is
// running tasks, and a `Binding.Deliver` made during `RunTasks` is refused
// with `ErrReentrantDispatch`.
//
// ## Satellite packages
//
// * `pkg/wire` moves chunk streams over a `Channel` as protobuf records.
// * `pkg/quicchan` provides `Channel`s over QUIC streams, secured by mTLS.
// * `pkg/gossip` finds peers with `hashicorp/memberlist` and tells which
//   functions they serve.
// * `fibretest` is an in-process engine to test against, able to forward
//   calls over any `ChannelOpener`.
package fibre
