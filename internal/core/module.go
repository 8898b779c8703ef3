package core

import "sync"

// LinkState is a ModuleRecord's position in the ES module lifecycle.
type LinkState int

const (
	Unlinked LinkState = iota
	Linking
	Linked
	Evaluated
	Errored
)

func (s LinkState) String() string {
	switch s {
	case Unlinked:
		return "unlinked"
	case Linking:
		return "linking"
	case Linked:
		return "linked"
	case Evaluated:
		return "evaluated"
	default:
		return "errored"
	}
}

// OriginKind distinguishes where a module's bytes came from.
type OriginKind int

const (
	OriginDisk OriginKind = iota
	OriginBuiltin
	OriginBytecode
)

// ModuleOrigin records where a ModuleRecord's source came from, for
// diagnostics and for re-resolving on cache miss.
type ModuleOrigin struct {
	Kind OriginKind
	Path string // absolute disk path, or registry name for builtins
}

// ModuleRecord is the Loader's single source of truth for one canonical
// module key. Exactly one ModuleRecord exists per key for the process
// lifetime (spec.md's module-identity invariant); concurrent resolves of
// the same key return the same *ModuleRecord.
type ModuleRecord struct {
	mu sync.Mutex

	Key       string
	Origin    ModuleOrigin
	State     LinkState
	Namespace Value // export namespace handle, set once Evaluated
	Err       error // sticky: set once, never retried
}

// Lock/Unlock expose the record's mutex so the Loader's single-threaded
// critical section (spec.md §4.3/§5) can serialize transitions without a
// second map of per-key locks.
func (m *ModuleRecord) Lock()   { m.mu.Lock() }
func (m *ModuleRecord) Unlock() { m.mu.Unlock() }

// MarkErrored transitions the record to Errored and records the sticky
// error. Subsequent loads of this key must return the same error instead
// of retrying (spec.md §4.3 failure model).
func (m *ModuleRecord) MarkErrored(err error) {
	m.State = Errored
	m.Err = err
}
