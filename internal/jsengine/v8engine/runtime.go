//go:build v8

// Package v8engine implements core.JSRuntime on top of tommie/v8go, an
// opt-in alternative to the default QuickJS backend for deployments that
// can afford cgo and want V8's JIT. Select it with -tags v8.
package v8engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/coldstart/internal/core"
)

// Runtime implements core.JSRuntime for a single V8 isolate and context.
type Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context

	promiseHook core.PromiseHook
}

var _ core.JSRuntime = (*Runtime)(nil)

// New creates a fresh isolate and context, sized to heapLimitMB when
// positive.
func New(heapLimitMB int) (*Runtime, error) {
	var iso *v8.Isolate
	if heapLimitMB > 0 {
		bytes := uint64(heapLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(bytes/2, bytes))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)

	r := &Runtime{iso: iso, ctx: ctx}
	if err := r.installPromiseTracking(); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("installing promise tracking: %w", err)
	}
	return r, nil
}

func (r *Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

func (r *Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

func (r *Runtime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, "eval_bool.js")
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

func (r *Runtime) EvalInt(js string) (int, error) {
	val, err := r.ctx.RunScript(js, "eval_int.js")
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return int(val.Integer()), nil
}

// CompileModule instantiates the CommonJS-shaped factory text produced by
// internal/loader, the same way the QuickJS backend does, so module
// identity and the require() bridge behave identically across engines.
//
// __hostRequire can only round-trip primitive return values through
// RegisterFunc's reflection bridge (goToJSValue below has no case for an
// arbitrary object), so it never hands back a module's exports directly.
// Instead it resolves and loads the dependency (a side effect that runs
// this same CompileModule for the dependency, storing its exports into
// globalThis.__moduleCache under its canonical key) and returns just that
// key; __req then reads the live object straight out of the cache.
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

	val, err := r.ctx.RunScript(invoke, key)
	if err != nil {
		return nil, err
	}
	return v8Value{v: val}, nil
}

// DeserializeModule has no V8-specific fast path in this backend: v8go
// does not expose V8's code-cache API, so it always returns an error and a
// bytecode module fails to load under this backend. A genuine bytecode
// format is QuickJS-only here.
func (r *Runtime) DeserializeModule(key string, bytecode []byte) (core.Value, error) {
	return nil, fmt.Errorf("bytecode modules are not supported by the v8 backend: %s", key)
}

// RegisterFunc registers a Go function as a global JavaScript function,
// using reflection to build a FunctionTemplate that marshals arguments and
// return values. A (T, error) Go return throws on error and returns T on
// success, matching the QuickJS backend's unwrap contract.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			msg := fmt.Sprintf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args))
			jsMsg, _ := v8.NewValue(r.iso, msg)
			r.iso.ThrowException(jsMsg)
			return nil
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := 0; i < fnType.NumIn(); i++ {
			goArgs[i] = jsToGoArg(args[i], fnType.In(i))
		}

		results := fnVal.Call(goArgs)
		switch fnType.NumOut() {
		case 0:
			return nil
		case 1:
			return goToJSValue(r.iso, results[0])
		case 2:
			errVal := results[1]
			if !errVal.IsNil() {
				errMsg := errVal.Interface().(error).Error()
				jsMsg, _ := v8.NewValue(r.iso, errMsg)
				r.iso.ThrowException(jsMsg)
				return nil
			}
			return goToJSValue(r.iso, results[0])
		default:
			return nil
		}
	})

	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

func (r *Runtime) SetGlobal(name string, value any) error {
	jsVal, err := goAnyToJSValue(r.iso, r.ctx, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

func (r *Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

func (r *Runtime) SetPromiseHook(hook core.PromiseHook) {
	r.promiseHook = hook
}

func (r *Runtime) installPromiseTracking() error {
	if err := r.RegisterFunc("__promiseHookRaw", func(event int, id, parent int64) {
		if r.promiseHook != nil {
			r.promiseHook(core.PromiseEvent(event), id, parent)
		}
	}); err != nil {
		return err
	}
	return r.Eval(promiseTrackingJS)
}

const promiseTrackingJS = `
(function() {
	var NativePromise = globalThis.Promise;
	var nextID = 1;
	function TrackedPromise(executor) {
		var id = nextID++;
		__promiseHookRaw(0, id, 0);
		return new NativePromise(function(resolve, reject) {
			executor(function(v) { __promiseHookRaw(1, id, 0); resolve(v); },
				function(v) { __promiseHookRaw(1, id, 0); reject(v); });
		});
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

// Interrupt aborts any in-flight script at V8's next bytecode boundary.
// Safe to call from another goroutine.
func (r *Runtime) Interrupt() {
	r.iso.TerminateExecution()
}

func (r *Runtime) Close() {
	r.ctx.Close()
	r.iso.Dispose()
}

// WriteBinaryToJS bridges Go bytes into JS through a SharedArrayBuffer,
// then copies them into a plain ArrayBuffer at globalName — SAB contents
// are directly addressable from Go, unlike a plain ArrayBuffer's.
func (r *Runtime) WriteBinaryToJS(globalName string, data []byte) error {
	allocScript := fmt.Sprintf("globalThis.__tmp_write_sab = new SharedArrayBuffer(%d);", len(data))
	if _, err := r.ctx.RunScript(allocScript, "sab_alloc.js"); err != nil {
		return fmt.Errorf("allocating SharedArrayBuffer: %w", err)
	}

	if len(data) > 0 {
		sabVal, err := r.ctx.Global().Get("__tmp_write_sab")
		if err != nil {
			_, _ = r.ctx.RunScript("delete globalThis.__tmp_write_sab;", "sab_cleanup.js")
			return fmt.Errorf("retrieving SharedArrayBuffer: %w", err)
		}
		sabBytes, release, err := sabVal.SharedArrayBufferGetContents()
		if err != nil {
			_, _ = r.ctx.RunScript("delete globalThis.__tmp_write_sab;", "sab_cleanup.js")
			return fmt.Errorf("getting SharedArrayBuffer contents: %w", err)
		}
		copy(sabBytes, data)
		release()
	}

	copyScript := fmt.Sprintf(`(function() {
		var sab = globalThis.__tmp_write_sab;
		delete globalThis.__tmp_write_sab;
		var buf = new ArrayBuffer(sab.byteLength);
		new Uint8Array(buf).set(new Uint8Array(sab));
		globalThis[%q] = buf;
	})()`, globalName)
	if _, err := r.ctx.RunScript(copyScript, "sab_copy.js"); err != nil {
		return fmt.Errorf("copying SharedArrayBuffer to ArrayBuffer: %w", err)
	}
	return nil
}

func (r *Runtime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	sabVal, err := r.ctx.Global().Get(globalName)
	if err != nil {
		return nil, fmt.Errorf("retrieving %s: %w", globalName, err)
	}
	data, release, err := sabVal.SharedArrayBufferGetContents()
	if err != nil {
		return nil, fmt.Errorf("reading SharedArrayBuffer %s: %w", globalName, err)
	}
	result := make([]byte, len(data))
	copy(result, data)
	release()

	_, _ = r.ctx.RunScript(fmt.Sprintf("delete globalThis[%q];", globalName), "sab_read_cleanup.js")
	return result, nil
}

func jsToGoArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(targetType)
	}
}

func goToJSValue(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	switch val.Kind() {
	case reflect.String:
		v, _ := v8.NewValue(iso, val.String())
		return v
	case reflect.Int, reflect.Int64, reflect.Int32:
		v, _ := v8.NewValue(iso, int32(val.Int()))
		return v
	case reflect.Float64, reflect.Float32:
		v, _ := v8.NewValue(iso, val.Float())
		return v
	case reflect.Bool:
		v, _ := v8.NewValue(iso, val.Bool())
		return v
	default:
		return nil
	}
}

func goAnyToJSValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	if value == nil {
		return v8.Undefined(iso), nil
	}
	switch v := value.(type) {
	case string:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, int32(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return v8.NewValue(iso, int32(v))
	case float64:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	case *v8.Object:
		return v.Value, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		script := fmt.Sprintf("JSON.parse(%s)", strconv.Quote(string(data)))
		return ctx.RunScript(script, "set_global.js")
	}
}

// v8Value wraps a *v8.Value result. v8go values are GC-managed by the
// isolate, so Free is a no-op kept only to satisfy core.Value.
type v8Value struct{ v *v8.Value }

func (v8Value) Free() {}
