// Package core defines the interfaces that let the Module Loader, the Task
// Dispatcher, and every host module depend on "a JS engine" rather than on
// QuickJS or V8 specifically. Concrete backends live in internal/jsengine.
package core

// JSRuntime abstracts the embedded JS engine behind the four entries
// spec.md declares as its interface: a compile/evaluate entry, a
// microtask-pump entry, a promise-hook entry, and value handles (Value).
// Everything else about the engine — bytecode format, GC, object model —
// is an external collaborator's concern.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString/EvalBool/EvalInt evaluate JavaScript and coerce the
	// result to the named Go type, erroring if the coercion fails.
	EvalString(js string) (string, error)
	EvalBool(js string) (bool, error)
	EvalInt(js string) (int, error)

	// CompileModule is the compile/evaluate entry for text sources: it
	// compiles js in module mode under the given canonical key and links
	// it, returning the module's export namespace as an owned Value.
	CompileModule(key, js string) (Value, error)

	// DeserializeModule is the compile/evaluate entry for bytecode
	// sources produced by the engine's own serializer.
	DeserializeModule(key string, bytecode []byte) (Value, error)

	// RegisterFunc registers a Go function as a global JS function. Go
	// types are marshaled automatically; a Go (T, error) return is
	// unwrapped so script sees either T or a thrown error. The thrown value
	// does not carry a jsvalue.HostError's Kind, Code or DOMName.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global property, auto-converting basic Go types.
	SetGlobal(name string, value any) error

	// RunMicrotasks is the microtask-pump entry: it drains the engine's
	// internal microtask queue until empty.
	RunMicrotasks()

	// SetPromiseHook installs the promise-hook entry used to track
	// promise lifecycle, without trusting script-level
	// Promise.prototype.then. Both backends report PromiseInit and
	// PromiseResolve for promises built through the global Promise
	// constructor; PromiseBefore and PromiseAfter are not reported.
	SetPromiseHook(hook PromiseHook)

	// Interrupt requests that any in-flight Eval/CompileModule call abort
	// at the next engine-checked interrupt point. Used by execution
	// watchdogs.
	Interrupt()

	// Close releases the VM and all engine-owned resources.
	Close()
}

// Value is an owned engine-native value handle (see jsvalue.Handle).
type Value interface {
	Free()
}

// PromiseEvent is one of the four stages the promise hook reports.
type PromiseEvent int

const (
	PromiseInit PromiseEvent = iota
	PromiseResolve
	PromiseBefore
	PromiseAfter
)

// PromiseHook is invoked by the engine at each reported promise lifecycle
// stage. promiseID/parentID are engine-internal identifiers, stable for the
// lifetime of the promise.
type PromiseHook func(event PromiseEvent, promiseID, parentID int64)
