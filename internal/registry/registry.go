// Package registry implements the Host-Module Registry: a process-wide
// table mapping module names to builder closures that install exports onto
// a fresh module namespace on first import (spec.md §4.2).
package registry

import (
	"strings"
	"sync"

	"github.com/cryguy/coldstart/internal/core"
)

// Exports collects the values a Builder attaches to a module-under-
// construction namespace. The Loader reads this back to build the JS
// namespace object once the builder returns.
type Exports struct {
	values map[string]any
}

func newExports() *Exports {
	return &Exports{values: make(map[string]any)}
}

// NewExports returns an empty Exports for a caller outside this package
// that needs to invoke a Builder directly — the Loader, when it constructs
// a built-in module's namespace on first import.
func NewExports() *Exports {
	return newExports()
}

// Set attaches a named export. Builders call this once per export; calling
// it twice for the same name overwrites the earlier value.
//
// value is one of: a FuncRef naming a global function the builder already
// registered via JSRuntime.RegisterFunc, a RawRef holding a JS expression
// the builder already has the glue for (typically assigned onto a scratch
// global by evaluated polyfill JS), or a plain string/bool/numeric literal.
func (e *Exports) Set(name string, value any) {
	e.values[name] = value
}

// Values returns the accumulated name->value map.
func (e *Exports) Values() map[string]any {
	return e.values
}

// FuncRef marks an export whose value is a global JS function already
// registered under GlobalName via JSRuntime.RegisterFunc.
type FuncRef struct{ GlobalName string }

// RawRef marks an export whose value is a JS expression to embed verbatim
// in the generated namespace object, for nested objects or values a
// Builder's own polyfill JS already constructed.
type RawRef struct{ Expr string }

// Builder installs a built-in module's exports. It runs exactly once per
// module name, on first import, with access to the JS runtime so it can
// register backing functions and evaluate any JS-side glue.
type Builder func(rt core.JSRuntime, exports *Exports) error

// Registry is the process-wide name -> Builder table. The zero value is not
// usable; construct with New.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under a plain name ("fs", "net", "crypto", ...).
// Registering the same name twice is a programming error and panics, since
// it can only happen at process-wire-up time, never at request time.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[name]; exists {
		panic("registry: builtin module already registered: " + name)
	}
	r.builders[name] = b
}

// ResolveName implements spec.md §4.2's scheme handling: a bare name maps
// to itself if registered; a "node:x" name aliases to "x"; any other
// scheme-prefixed name ("llrt:hex", "llrt:uuid", ...) is looked up under
// its full prefixed form. Returns the canonical registry key and whether it
// is a recognized built-in at all.
func (r *Registry) ResolveName(specifier string) (key string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if plain, hasAlias := strings.CutPrefix(specifier, "node:"); hasAlias {
		if _, exists := r.builders[plain]; exists {
			return plain, true
		}
		return "", false
	}
	if _, exists := r.builders[specifier]; exists {
		return specifier, true
	}
	return "", false
}

// Lookup returns the builder registered under key (already resolved via
// ResolveName), if any.
func (r *Registry) Lookup(key string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[key]
	return b, ok
}

// Names returns every registered plain module name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for n := range r.builders {
		names = append(names, n)
	}
	return names
}
