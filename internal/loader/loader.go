// Package loader implements the Module Loader: specifier resolution,
// bytecode/text sniffing, the CommonJS compatibility shim, and the
// canonical-key module cache (spec.md §4.3).
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/registry"
)

// BytecodeMagic is the fixed 4-byte header a precompiled module begins
// with. Its exact value is implementation-defined (spec.md §6); anything
// else is treated as text source.
var BytecodeMagic = [4]byte{0xC0, 0x1D, 0x4A, 0x53} // "cold JS"

// extensions tried, in order, when a specifier resolves to neither a file
// nor a directory as given (spec.md §4.3 steps 4-5).
var extensions = []string{".mjs", ".cjs", ".js"}

// Loader resolves specifiers, loads and compiles module sources exactly
// once per canonical key, and drives CommonJS interop for .cjs files and
// package.json-declared CommonJS packages.
type Loader struct {
	engine   core.JSRuntime
	registry *registry.Registry

	mu    sync.Mutex // serializes the critical section per spec.md §5
	cache map[string]*core.ModuleRecord

	pkgTypeCache sync.Map // directory -> "commonjs"|"module"|""
	builtinBuilt sync.Map // builtin key -> struct{}, guards against double Builder invocation
}

// New builds a Loader bound to engine (for compile/deserialize) and
// registry (for scheme/builtin resolution).
func New(engine core.JSRuntime, reg *registry.Registry) *Loader {
	return &Loader{
		engine:   engine,
		registry: reg,
		cache:    make(map[string]*core.ModuleRecord),
	}
}

// Resolve implements spec.md §4.3's six-step algorithm for specifier S
// relative to referrer R. R may be empty when resolving an entry point
// relative to the current working directory.
func (l *Loader) Resolve(specifier, referrer string) (string, error) {
	// Step 1: scheme-prefixed / recognized builtin name.
	if key, ok := l.registry.ResolveName(specifier); ok {
		return key, nil
	}
	if strings.Contains(specifier, ":") && !looksLikeWindowsDriveRoot(specifier) {
		// A scheme prefix the registry doesn't recognize is not a module
		// we can ever load from disk.
		return "", jsvalue.NewError(jsvalue.KindNotFound, "", "unknown scheme-prefixed specifier %q", specifier)
	}

	var candidate string
	switch {
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../"):
		// Step 2
		base := "."
		if referrer != "" {
			base = filepath.Dir(referrer)
		}
		candidate = filepath.Join(base, specifier)
	case filepath.IsAbs(specifier) || looksLikeWindowsDriveRoot(specifier):
		// Step 3
		candidate = specifier
	default:
		// Bare specifier, not a known builtin: falls through to the
		// filesystem resolver relative to the referrer's directory.
		base := "."
		if referrer != "" {
			base = filepath.Dir(referrer)
		}
		candidate = filepath.Join(base, specifier)
	}

	// Step 4: directory with an index file.
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		for _, ext := range []string{".mjs", ".cjs", ".js"} {
			p := filepath.Join(candidate, "index"+ext)
			if fileExists(p) {
				return canonicalize(p)
			}
		}
	}

	// Step 5: as-is, then with extensions appended.
	if fileExists(candidate) {
		return canonicalize(candidate)
	}
	for _, ext := range extensions {
		p := candidate + ext
		if fileExists(p) {
			return canonicalize(p)
		}
	}

	// Step 6
	return "", jsvalue.NewError(jsvalue.KindNotFound, "MODULE_NOT_FOUND", "cannot resolve module %q from %q", specifier, referrer)
}

func looksLikeWindowsDriveRoot(s string) bool {
	return len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/') &&
		((s[0] >= 'a' && s[0] <= 'z') || (s[0] >= 'A' && s[0] <= 'Z'))
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// canonicalize resolves symlinks and returns an absolute path, used as the
// module cache key for disk modules (spec.md §4.3: "the canonical absolute
// path after symlink resolution").
func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "resolving absolute path for %q: %s", p, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindNotFound, "ENOENT", "resolving symlinks for %q: %s", abs, err)
	}
	return resolved, nil
}

// Load returns the ModuleRecord for key, compiling it on first access. A
// second Load for the same key returns the identical record (spec.md's
// module-identity invariant) without recompiling, even if the first load
// errored — the error is sticky (spec.md §4.3 failure model).
func (l *Loader) Load(key string) (*core.ModuleRecord, error) {
	l.mu.Lock()
	if rec, ok := l.cache[key]; ok {
		l.mu.Unlock()
		rec.Lock()
		defer rec.Unlock()
		return rec, rec.Err
	}
	rec := &core.ModuleRecord{Key: key, State: core.Unlinked}
	l.cache[key] = rec
	l.mu.Unlock()

	rec.Lock()
	defer rec.Unlock()

	if builtinKey, ok := l.registry.ResolveName(key); ok {
		rec.Origin = core.ModuleOrigin{Kind: core.OriginBuiltin, Path: builtinKey}
		ns, err := l.buildBuiltinNamespace(builtinKey)
		if err != nil {
			rec.MarkErrored(jsvalue.NewError(jsvalue.KindEngineError, "", "building built-in module %q: %s", builtinKey, err))
			return rec, rec.Err
		}
		rec.Namespace = ns
		rec.State = core.Evaluated
		return rec, nil
	}

	rec.Origin = core.ModuleOrigin{Kind: core.OriginDisk, Path: key}
	rec.State = core.Linking

	raw, err := os.ReadFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			rec.MarkErrored(jsvalue.NewError(jsvalue.KindNotFound, "ENOENT", "module not found: %s", key))
		} else if os.IsPermission(err) {
			rec.MarkErrored(jsvalue.NewError(jsvalue.KindPermissionDenied, "EACCES", "reading %s: %s", key, err))
		} else {
			rec.MarkErrored(jsvalue.NewError(jsvalue.KindInternal, "", "reading %s: %s", key, err))
		}
		return rec, rec.Err
	}

	var ns core.Value
	if isBytecode(raw) {
		ns, err = l.engine.DeserializeModule(key, raw[len(BytecodeMagic):])
	} else {
		src := string(raw)
		if !l.isCommonJS(key) {
			src, err = transformESMToCJS(key, src)
			if err != nil {
				rec.MarkErrored(jsvalue.NewError(jsvalue.KindEngineError, "", "transforming %s: %s", key, err))
				return rec, rec.Err
			}
		}
		ns, err = l.engine.CompileModule(key, wrapCommonJS(src))
	}
	if err != nil {
		rec.MarkErrored(jsvalue.NewError(jsvalue.KindEngineError, "", "compiling %s: %s", key, err))
		return rec, rec.Err
	}

	rec.Namespace = ns
	rec.State = core.Evaluated
	return rec, nil
}

// buildBuiltinNamespace runs builtinKey's registered Builder exactly once
// and compiles its accumulated Exports into a module namespace, reusing the
// same CommonJS factory path text modules go through so built-in and disk
// modules yield identically-shaped Values to the engine.
func (l *Loader) buildBuiltinNamespace(builtinKey string) (core.Value, error) {
	builder, ok := l.registry.Lookup(builtinKey)
	if !ok {
		return nil, fmt.Errorf("no builder registered for %q", builtinKey)
	}
	if _, already := l.builtinBuilt.LoadOrStore(builtinKey, struct{}{}); already {
		return nil, fmt.Errorf("built-in module %q built twice", builtinKey)
	}

	exp := registry.NewExports()
	if err := builder(l.engine, exp); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("(function() {\nvar ns = {};\n")
	for name, v := range exp.Values() {
		switch val := v.(type) {
		case registry.FuncRef:
			fmt.Fprintf(&b, "ns[%s] = %s;\n", strconv.Quote(name), val.GlobalName)
		case registry.RawRef:
			fmt.Fprintf(&b, "ns[%s] = (%s);\n", strconv.Quote(name), val.Expr)
		case string:
			fmt.Fprintf(&b, "ns[%s] = %s;\n", strconv.Quote(name), strconv.Quote(val))
		case bool:
			fmt.Fprintf(&b, "ns[%s] = %v;\n", strconv.Quote(name), val)
		case int, int32, int64, float32, float64:
			fmt.Fprintf(&b, "ns[%s] = %v;\n", strconv.Quote(name), val)
		default:
			return nil, fmt.Errorf("export %q of built-in %q has unsupported type %T", name, builtinKey, v)
		}
	}
	b.WriteString("return ns;\n})()")

	src := "module.exports = " + b.String() + ";"
	return l.engine.CompileModule(builtinKey, wrapCommonJS(src))
}

// isBytecode sniffs for the magic header at offset 0 (spec.md §6).
func isBytecode(raw []byte) bool {
	if len(raw) < len(BytecodeMagic) {
		return false
	}
	for i, b := range BytecodeMagic {
		if raw[i] != b {
			return false
		}
	}
	return true
}

// isCommonJS implements spec.md §4.3's CJS detection: a ".cjs" extension,
// or the nearest package.json declaring "type": "commonjs".
func (l *Loader) isCommonJS(key string) bool {
	if strings.HasSuffix(key, ".cjs") {
		return true
	}
	if strings.HasSuffix(key, ".mjs") {
		return false
	}
	return l.nearestPackageType(filepath.Dir(key)) == "commonjs"
}

// nearestPackageType walks upward from dir looking for a package.json with
// a "type" field, caching each directory's answer.
func (l *Loader) nearestPackageType(dir string) string {
	if cached, ok := l.pkgTypeCache.Load(dir); ok {
		return cached.(string)
	}

	typ := l.readPackageType(dir)
	if typ == "" {
		parent := filepath.Dir(dir)
		if parent != dir {
			typ = l.nearestPackageType(parent)
		}
	}
	l.pkgTypeCache.Store(dir, typ)
	return typ
}

func (l *Loader) readPackageType(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	// Minimal field extraction: avoid pulling in a JSON dependency for a
	// single string field that must tolerate an otherwise-invalid file.
	const marker = `"type"`
	idx := strings.Index(string(data), marker)
	if idx < 0 {
		return ""
	}
	rest := string(data)[idx+len(marker):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return ""
	}
	rest = strings.TrimSpace(rest[colon+1:])
	rest = strings.TrimPrefix(rest, `"`)
	if end := strings.IndexAny(rest, `",}`); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// wrapCommonJS wraps src in the (exports, require, module, __filename,
// __dirname) shim spec.md §4.3 requires, so `require` resolves and
// executes synchronously.
func wrapCommonJS(src string) string {
	return fmt.Sprintf("(function(exports, require, module, __filename, __dirname) {\n%s\n})", src)
}

// transformESMToCJS converts a single ES module's import/export syntax into
// CommonJS require()/exports calls without resolving or bundling its
// dependencies, so the result still fits the Loader's per-specifier
// resolution and single-compile-per-key cache. Each import specifier
// survives untouched as the argument to a require() call, which the
// CommonJS wrapper's injected `require` then resolves through this same
// Loader — unifying ESM and CJS onto one execution path the way the
// engine's EvalGlobal-only surface requires.
func transformESMToCJS(key, src string) (string, error) {
	result := esbuild.Transform(src, esbuild.TransformOptions{
		Sourcefile: key,
		Loader:     loaderForExt(key),
		Format:     esbuild.FormatCommonJS,
		Target:     esbuild.ESNext,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			msgs[i] = e.Text
		}
		return "", fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}

func loaderForExt(key string) esbuild.Loader {
	if strings.HasSuffix(key, ".ts") {
		return esbuild.LoaderTS
	}
	return esbuild.LoaderJS
}
