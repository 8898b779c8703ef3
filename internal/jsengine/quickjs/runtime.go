//go:build !v8

// Package quickjs implements core.JSRuntime on top of modernc.org/quickjs,
// a cgo-free pure-Go QuickJS binding. It is the default engine backend; an
// alternative V8 backend lives in internal/jsengine/v8engine behind the
// "v8" build tag.
package quickjs

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"

	"github.com/cryguy/coldstart/internal/core"
)

// Runtime implements core.JSRuntime for a single QuickJS VM.
type Runtime struct {
	vm  *quickjs.VM
	tls *libc.TLS
	ctx uintptr

	useFallback   bool
	pendingBinary []byte
	pendingResult []byte

	promiseHook core.PromiseHook
}

// btChunkSize is the raw byte chunk size for the fallback base64 transfer
// path, chosen to keep a single JS string literal well under engine string
// limits while still amortizing the per-call overhead.
const btChunkSize = 196608

var _ core.JSRuntime = (*Runtime)(nil)

// New creates a fresh QuickJS VM and wires up microtask execution and
// binary transfer.
func New(memoryLimitMB int) (*Runtime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}

	r := &Runtime{vm: vm}
	if err := r.initBinaryTransfer(); err != nil {
		return nil, fmt.Errorf("initializing binary transfer: %w", err)
	}
	if err := r.installPromiseTracking(); err != nil {
		return nil, fmt.Errorf("installing promise tracking: %w", err)
	}
	return r, nil
}

func (r *Runtime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (r *Runtime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

func (r *Runtime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

func (r *Runtime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// CompileModule compiles the already-CommonJS-shaped factory text js
// (produced by internal/loader for both .cjs sources and esbuild-
// transformed ESM sources) and instantiates it immediately, returning its
// module.exports object as a Value. Dependency resolution happens through
// the global __hostRequire function, which the owning Runtime registers
// before any module is ever compiled.
//
// __hostRequire only returns a plain string (the dependency's resolved
// module key), not its exports object, since RegisterFunc's (T, error)
// convention is the one contract proven to round-trip cleanly through
// both engine backends. Loading the dependency is a side effect of the
// call: it runs CompileModule recursively, which stores the resulting
// exports into globalThis.__moduleCache under that same key before
// returning, so __req just reads it back out.
func (r *Runtime) CompileModule(key, js string) (core.Value, error) {
	invoke := fmt.Sprintf(`(function() {
		var module = { exports: {} };
		var factory = %s;
		var __dir = %q;
		var __req = function(spec) {
			var __k = globalThis.__hostRequire(%q, spec);
			return globalThis.__moduleCache[__k];
		};
		factory.call(module.exports, module.exports, __req, module, %q, __dir);
		(globalThis.__moduleCache = globalThis.__moduleCache || {})[%q] = module.exports;
		return module.exports;
	})()`, js, filepath.Dir(key), key, key, key)

	v, err := r.vm.EvalValue(invoke, quickjs.EvalGlobal)
	if err != nil {
		return nil, err
	}
	return qjsValue{v: v}, nil
}

// DeserializeModule restores a module compiled ahead of time with the
// engine's own bytecode writer, skipping parse and the esbuild transform
// entirely. It mirrors WriteBinaryToJS/ReadBinaryFromJS's direct C-API
// technique rather than going through script text.
func (r *Runtime) DeserializeModule(key string, bytecode []byte) (core.Value, error) {
	if r.useFallback || len(bytecode) == 0 {
		return nil, fmt.Errorf("bytecode deserialization requires direct C API access, unavailable for %s", key)
	}
	bufPtr := uintptr(unsafe.Pointer(&bytecode[0]))
	fn := lib.XJS_ReadObject(r.tls, r.ctx, bufPtr, lib.Tsize_t(len(bytecode)), lib.JS_READ_OBJ_BYTECODE)
	result := lib.XJS_EvalFunction(r.tls, r.ctx, fn)
	if lib.XJS_IsException(r.tls, result) != 0 {
		lib.XFreeValue(r.tls, r.ctx, result)
		return nil, fmt.Errorf("evaluating deserialized bytecode for %s", key)
	}
	return qjsRawValue{tls: r.tls, ctx: r.ctx, val: result}, nil
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are automatically unwrapped: on success
// script sees T, on error the wrapper throws the error value as the
// binding returned it; a jsvalue.HostError's Kind, Code and DOMName are
// not translated into a script-visible Error shape.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw r[1];
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, rawName)
	return r.Eval(wrapJS)
}

func (r *Runtime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks pumps the QuickJS microtask queue. The Go wrapper never
// calls JS_ExecutePendingJob itself, so Promise .then() callbacks would
// otherwise never fire; this calls into the C API directly.
func (r *Runtime) RunMicrotasks() {
	if r.tls == nil {
		return
	}
	rtPtr, ok := r.runtimePtr()
	if !ok {
		return
	}
	for {
		ret := lib.XJS_ExecutePendingJob(r.tls, rtPtr, 0)
		if ret <= 0 {
			break
		}
	}
}

// SetPromiseHook installs promise lifecycle tracking by monkey-patching the
// global Promise constructor from script, since the pure-Go QuickJS binding
// does not expose JS_SetHostPromiseRejectionTracker. Construction
// (PromiseInit) and settlement (PromiseResolve) each call back into a
// single registered Go function carrying the event tag; the before/after
// stages are not reported.
func (r *Runtime) SetPromiseHook(hook core.PromiseHook) {
	r.promiseHook = hook
}

func (r *Runtime) installPromiseTracking() error {
	if err := r.vm.RegisterFunc("__promiseHookRaw", func(event int, id, parent int64) {
		if r.promiseHook != nil {
			r.promiseHook(core.PromiseEvent(event), id, parent)
		}
	}, false); err != nil {
		return err
	}
	return r.Eval(promiseTrackingJS)
}

// promiseTrackingJS wraps the global Promise constructor so every
// construction and settlement reports to Go, without relying on an
// engine-level hook the binding doesn't expose.
const promiseTrackingJS = `
(function() {
	var NativePromise = globalThis.Promise;
	var nextID = 1;
	function TrackedPromise(executor) {
		var id = nextID++;
		__promiseHookRaw(0, id, 0);
		var p = new NativePromise(function(resolve, reject) {
			executor(function(v) { __promiseHookRaw(1, id, 0); resolve(v); },
				function(v) { __promiseHookRaw(1, id, 0); reject(v); });
		});
		return p;
	}
	TrackedPromise.prototype = NativePromise.prototype;
	TrackedPromise.resolve = NativePromise.resolve.bind(NativePromise);
	TrackedPromise.reject = NativePromise.reject.bind(NativePromise);
	TrackedPromise.all = NativePromise.all.bind(NativePromise);
	TrackedPromise.allSettled = NativePromise.allSettled.bind(NativePromise);
	TrackedPromise.race = NativePromise.race.bind(NativePromise);
	TrackedPromise.any = NativePromise.any.bind(NativePromise);
	globalThis.Promise = TrackedPromise;
})();
`

// Interrupt aborts any in-flight Eval/CompileModule call at the engine's
// next interrupt-checked bytecode boundary. Safe to call from another
// goroutine; used by execution watchdogs.
func (r *Runtime) Interrupt() {
	r.vm.Interrupt()
}

func (r *Runtime) Close() {
	r.vm.Close()
}

// --- binary transfer (grounded on the same direct-C-API technique used for
// microtask pumping) ---

func (r *Runtime) initBinaryTransfer() error {
	if err := r.tryExtractVMInternals(); err != nil {
		r.useFallback = true
		return r.initFallbackTransfer()
	}
	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	lib.XFreeValue(r.tls, r.ctx, glob)
	return nil
}

func (r *Runtime) tryExtractVMInternals() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic extracting VM internals: %v", p)
		}
	}()

	vmType := reflect.TypeOf(r.vm).Elem()
	vmPtr := uintptr(unsafe.Pointer(r.vm))

	r.ctx = *(*uintptr)(unsafe.Pointer(vmPtr))
	if r.ctx == 0 {
		return fmt.Errorf("JSContext is nil")
	}

	rtField, ok := vmType.FieldByName("runtime")
	if !ok {
		return fmt.Errorf("quickjs.VM missing 'runtime' field")
	}
	rtPtr := *(*uintptr)(unsafe.Pointer(vmPtr + rtField.Offset))
	if rtPtr == 0 {
		return fmt.Errorf("runtime pointer is nil")
	}

	r.tls = *(**libc.TLS)(unsafe.Pointer(rtPtr + unsafe.Sizeof(uintptr(0))))
	if r.tls == nil {
		return fmt.Errorf("TLS is nil")
	}
	return nil
}

// runtimePtr re-derives the cRuntime pointer cached alongside tls, needed
// by XJS_ExecutePendingJob's signature.
func (r *Runtime) runtimePtr() (uintptr, bool) {
	if r.useFallback {
		return 0, false
	}
	vmType := reflect.TypeOf(r.vm).Elem()
	vmPtr := uintptr(unsafe.Pointer(r.vm))
	rtField, ok := vmType.FieldByName("runtime")
	if !ok {
		return 0, false
	}
	rtPtr := *(*uintptr)(unsafe.Pointer(vmPtr + rtField.Offset))
	if rtPtr == 0 {
		return 0, false
	}
	cRuntime := *(*uintptr)(unsafe.Pointer(rtPtr))
	return cRuntime, cRuntime != 0
}

func (r *Runtime) WriteBinaryToJS(globalName string, data []byte) error {
	if len(data) == 0 {
		return r.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}
	if r.useFallback {
		return r.writeBinaryFallback(globalName, data)
	}

	bufPtr := uintptr(unsafe.Pointer(&data[0]))
	jsVal := lib.XJS_NewArrayBufferCopy(r.tls, r.ctx, bufPtr, lib.Tsize_t(len(data)))

	cName, err := libc.CString(globalName)
	if err != nil {
		lib.XFreeValue(r.tls, r.ctx, jsVal)
		return fmt.Errorf("allocating property name: %w", err)
	}
	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	ret := lib.XJS_SetPropertyStr(r.tls, r.ctx, glob, cName, jsVal)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	if ret < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

func (r *Runtime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	if r.useFallback {
		return r.readBinaryFallback(globalName)
	}

	cName, err := libc.CString(globalName)
	if err != nil {
		return nil, fmt.Errorf("allocating property name: %w", err)
	}
	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	jsVal := lib.XJS_GetPropertyStr(r.tls, r.ctx, glob, cName)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	var size lib.Tsize_t
	dataPtr := lib.XJS_GetArrayBuffer(r.tls, r.ctx, uintptr(unsafe.Pointer(&size)), jsVal)
	if dataPtr == 0 || size == 0 {
		lib.XFreeValue(r.tls, r.ctx, jsVal)
		_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
		return nil, nil
	}

	result := make([]byte, size)
	copy(result, unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size))

	lib.XFreeValue(r.tls, r.ctx, jsVal)
	_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
	return result, nil
}

func (r *Runtime) initFallbackTransfer() error {
	if err := r.RegisterFunc("__qjs_bt_chunk", func(offset int) (string, error) {
		if r.pendingBinary == nil {
			return "", fmt.Errorf("no pending binary data")
		}
		end := offset + btChunkSize
		if end > len(r.pendingBinary) {
			end = len(r.pendingBinary)
		}
		return base64.StdEncoding.EncodeToString(r.pendingBinary[offset:end]), nil
	}); err != nil {
		return fmt.Errorf("registering __qjs_bt_chunk: %w", err)
	}
	if err := r.RegisterFunc("__qjs_bt_recv", func(b64 string) (string, error) {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("decoding binary chunk: %w", err)
		}
		r.pendingResult = append(r.pendingResult, decoded...)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __qjs_bt_recv: %w", err)
	}
	return nil
}

func (r *Runtime) writeBinaryFallback(globalName string, data []byte) error {
	r.pendingBinary = data
	defer func() { r.pendingBinary = nil }()
	return r.Eval(fmt.Sprintf(`(function() {
		var sz = %d;
		var buf = new ArrayBuffer(sz);
		var view = new Uint8Array(buf);
		var off = 0;
		while (off < sz) {
			var b64 = __qjs_bt_chunk(off);
			var raw = atob(b64);
			for (var i = 0; i < raw.length; i++) {
				view[off + i] = raw.charCodeAt(i);
			}
			off += raw.length;
		}
		globalThis[%q] = buf;
	})()`, len(data), globalName))
}

func (r *Runtime) readBinaryFallback(globalName string) ([]byte, error) {
	size, err := r.EvalInt(fmt.Sprintf(
		"(function(){var b=globalThis[%q];return b?b.byteLength:0;})()", globalName))
	if err != nil {
		return nil, fmt.Errorf("reading %s byte length: %w", globalName, err)
	}
	if size == 0 {
		_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
		return nil, nil
	}

	r.pendingResult = make([]byte, 0, size)
	defer func() { r.pendingResult = nil }()

	if err := r.Eval(fmt.Sprintf(`(function() {
		var buf = globalThis[%q];
		delete globalThis[%q];
		var view = new Uint8Array(buf);
		var cs = %d;
		for (var off = 0; off < view.length; off += cs) {
			var end = Math.min(off + cs, view.length);
			var chunk = view.subarray(off, end);
			var parts = [];
			for (var i = 0; i < chunk.length; i += 8192) {
				parts.push(String.fromCharCode.apply(null, chunk.subarray(i, Math.min(i + 8192, chunk.length))));
			}
			__qjs_bt_recv(btoa(parts.join('')));
		}
	})()`, globalName, globalName, btChunkSize)); err != nil {
		return nil, fmt.Errorf("reading binary from JS: %w", err)
	}
	return r.pendingResult, nil
}

// qjsValue wraps a quickjs.Value result from EvalValue.
type qjsValue struct{ v *quickjs.Value }

func (q qjsValue) Free() {
	if q.v != nil {
		q.v.Free()
	}
}

// qjsRawValue wraps a raw lib.TJSValue obtained through the direct C API,
// used for the bytecode-deserialization path where there is no
// *quickjs.Value wrapper to free through.
type qjsRawValue struct {
	tls *libc.TLS
	ctx uintptr
	val lib.TJSValue
}

func (q qjsRawValue) Free() {
	lib.XFreeValue(q.tls, q.ctx, q.val)
}
