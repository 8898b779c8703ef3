package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/registry"
)

// fakeEngine satisfies core.JSRuntime with just enough behavior to exercise
// the Loader without a real VM: CompileModule/DeserializeModule record what
// they were given and hand back a marker Value.
type fakeEngine struct {
	compiled map[string]string
}

type fakeValue struct{ key string }

func (fakeValue) Free() {}

func newFakeEngine() *fakeEngine { return &fakeEngine{compiled: make(map[string]string)} }

func (f *fakeEngine) Eval(string) error              { return nil }
func (f *fakeEngine) EvalString(string) (string, error) { return "", nil }
func (f *fakeEngine) EvalBool(string) (bool, error)    { return false, nil }
func (f *fakeEngine) EvalInt(string) (int, error)      { return 0, nil }
func (f *fakeEngine) RegisterFunc(string, any) error   { return nil }
func (f *fakeEngine) SetGlobal(string, any) error      { return nil }
func (f *fakeEngine) RunMicrotasks()                   {}
func (f *fakeEngine) SetPromiseHook(core.PromiseHook)  {}
func (f *fakeEngine) Interrupt()                       {}
func (f *fakeEngine) Close()                           {}
func (f *fakeEngine) CompileModule(key, js string) (core.Value, error) {
	f.compiled[key] = js
	return fakeValue{key: key}, nil
}
func (f *fakeEngine) DeserializeModule(key string, bytecode []byte) (core.Value, error) {
	f.compiled[key] = string(bytecode)
	return fakeValue{key: key}, nil
}

func TestResolveRelative(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	target := filepath.Join(dir, "util.js")
	mustWrite(t, entry, "export const x = 1;")
	mustWrite(t, target, "export const y = 2;")

	l := New(newFakeEngine(), registry.New())
	got, err := l.Resolve("./util.js", entry)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want, _ := filepath.EvalSymlinks(target)
	if got != want {
		t.Fatalf("Resolve(./util.js) = %q, want %q", got, want)
	}
}

func TestResolveDirectoryIndex(t *testing.T) {
	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "pkg")
	if err := os.Mkdir(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	idx := filepath.Join(pkgDir, "index.mjs")
	mustWrite(t, idx, "export default 1;")
	entry := filepath.Join(dir, "entry.js")
	mustWrite(t, entry, "")

	l := New(newFakeEngine(), registry.New())
	got, err := l.Resolve("./pkg", entry)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want, _ := filepath.EvalSymlinks(idx)
	if got != want {
		t.Fatalf("Resolve(./pkg) = %q, want %q", got, want)
	}
}

func TestResolveExtensionProbing(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	target := filepath.Join(dir, "util.cjs")
	mustWrite(t, entry, "")
	mustWrite(t, target, "module.exports = 1;")

	l := New(newFakeEngine(), registry.New())
	got, err := l.Resolve("./util", entry)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want, _ := filepath.EvalSymlinks(target)
	if got != want {
		t.Fatalf("Resolve(./util) = %q, want %q", got, want)
	}
}

func TestResolveNotFound(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	mustWrite(t, entry, "")

	l := New(newFakeEngine(), registry.New())
	_, err := l.Resolve("./missing", entry)
	if err == nil {
		t.Fatalf("expected error resolving missing module")
	}
	hostErr, ok := err.(*jsvalue.HostError)
	if !ok || hostErr.Kind != jsvalue.KindNotFound {
		t.Fatalf("expected KindNotFound, got %#v", err)
	}
}

func TestResolveBuiltinTakesPriority(t *testing.T) {
	reg := registry.New()
	reg.Register("fs", func(core.JSRuntime, *registry.Exports) error { return nil })

	l := New(newFakeEngine(), reg)
	got, err := l.Resolve("node:fs", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "fs" {
		t.Fatalf("Resolve(node:fs) = %q, want fs", got)
	}
}

func TestLoadCachesByKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.js")
	mustWrite(t, path, "export const x = 1;")

	eng := newFakeEngine()
	l := New(eng, registry.New())

	rec1, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec2, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec1 != rec2 {
		t.Fatalf("expected identical ModuleRecord for repeated Load of the same key")
	}
	if len(eng.compiled) != 1 {
		t.Fatalf("expected exactly one compile, got %d", len(eng.compiled))
	}
}

func TestLoadStickyError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.js")

	l := New(newFakeEngine(), registry.New())
	_, err1 := l.Load(path)
	_, err2 := l.Load(path)
	if err1 == nil || err2 == nil {
		t.Fatalf("expected sticky error on both loads")
	}
	if err1.Error() != err2.Error() {
		t.Fatalf("expected identical sticky error, got %q and %q", err1, err2)
	}
}

func TestLoadWrapsCommonJS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.cjs")
	mustWrite(t, path, "module.exports = 42;")

	eng := newFakeEngine()
	l := New(eng, registry.New())

	rec, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.State != core.Evaluated {
		t.Fatalf("expected Evaluated state, got %v", rec.State)
	}
	src := eng.compiled[path]
	if !containsAll(src, "function(exports, require, module, __filename, __dirname)", "module.exports = 42;") {
		t.Fatalf("expected CommonJS wrapper in compiled source, got %q", src)
	}
}

func TestLoadTransformsESMToCommonJS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.mjs")
	mustWrite(t, path, "export const answer = 42;\nexport default answer;")

	eng := newFakeEngine()
	l := New(eng, registry.New())

	rec, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.State != core.Evaluated {
		t.Fatalf("expected Evaluated state, got %v", rec.State)
	}
	src := eng.compiled[path]
	if !containsAll(src, "function(exports, require, module, __filename, __dirname)") {
		t.Fatalf("expected the CommonJS wrapper around transformed ESM, got %q", src)
	}
	if strings.Contains(src, "export const") || strings.Contains(src, "export default") {
		t.Fatalf("expected export syntax to be rewritten by the transform, got %q", src)
	}
}

func TestLoadDetectsBytecode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.js")
	payload := append(append([]byte{}, BytecodeMagic[:]...), []byte("binarydata")...)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newFakeEngine()
	l := New(eng, registry.New())

	_, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if eng.compiled[path] != "binarydata" {
		t.Fatalf("expected deserializer to receive payload past the magic header, got %q", eng.compiled[path])
	}
}

func TestLoadPackageJSONCommonJSType(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "package.json"), `{"name":"x","type":"commonjs"}`)
	path := filepath.Join(dir, "mod.js")
	mustWrite(t, path, "module.exports = 1;")

	eng := newFakeEngine()
	l := New(eng, registry.New())

	if _, err := l.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !containsAll(eng.compiled[path], "function(exports, require, module") {
		t.Fatalf("expected package.json type:commonjs to trigger CJS wrapping, got %q", eng.compiled[path])
	}
}

func TestLoadBuiltinBuildsNamespaceFromExports(t *testing.T) {
	reg := registry.New()
	reg.Register("fs", func(rt core.JSRuntime, exports *registry.Exports) error {
		if err := rt.RegisterFunc("__fs_readFile", func(string) (string, error) { return "", nil }); err != nil {
			return err
		}
		exports.Set("readFile", registry.FuncRef{GlobalName: "__fs_readFile"})
		exports.Set("constants", registry.RawRef{Expr: "{ O_RDONLY: 0 }"})
		return nil
	})

	eng := newFakeEngine()
	l := New(eng, reg)

	rec, err := l.Load("fs")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.State != core.Evaluated {
		t.Fatalf("expected Evaluated state, got %v", rec.State)
	}
	src := eng.compiled["fs"]
	if !containsAll(src, `ns["readFile"] = __fs_readFile;`, `ns["constants"] = ({ O_RDONLY: 0 });`) {
		t.Fatalf("expected generated namespace object, got %q", src)
	}
}

func TestLoadBuiltinRunsBuilderOnlyOnce(t *testing.T) {
	reg := registry.New()
	calls := 0
	reg.Register("fs", func(rt core.JSRuntime, exports *registry.Exports) error {
		calls++
		return nil
	})

	eng := newFakeEngine()
	l := New(eng, reg)

	if _, err := l.Load("fs"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := l.Load("fs"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected builder invoked once, got %d", calls)
	}
}

func mustWrite(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
