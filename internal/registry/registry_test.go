package registry

import (
	"testing"

	"github.com/cryguy/coldstart/internal/core"
)

func noopBuilder(core.JSRuntime, *Exports) error { return nil }

func TestResolveNamePlain(t *testing.T) {
	r := New()
	r.Register("fs", noopBuilder)

	key, ok := r.ResolveName("fs")
	if !ok || key != "fs" {
		t.Fatalf("ResolveName(fs) = %q, %v; want fs, true", key, ok)
	}
}

func TestResolveNameNodeAlias(t *testing.T) {
	r := New()
	r.Register("fs", noopBuilder)

	key, ok := r.ResolveName("node:fs")
	if !ok || key != "fs" {
		t.Fatalf("ResolveName(node:fs) = %q, %v; want fs, true", key, ok)
	}
}

func TestResolveNameSchemePrefixed(t *testing.T) {
	r := New()
	r.Register("llrt:hex", noopBuilder)

	key, ok := r.ResolveName("llrt:hex")
	if !ok || key != "llrt:hex" {
		t.Fatalf("ResolveName(llrt:hex) = %q, %v; want llrt:hex, true", key, ok)
	}
}

func TestResolveNameUnknown(t *testing.T) {
	r := New()
	if _, ok := r.ResolveName("not-a-builtin"); ok {
		t.Fatalf("expected unknown plain name to not resolve as a builtin")
	}
	if _, ok := r.ResolveName("node:not-a-builtin"); ok {
		t.Fatalf("expected unknown node: alias to not resolve as a builtin")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := New()
	r.Register("fs", noopBuilder)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic registering fs twice")
		}
	}()
	r.Register("fs", noopBuilder)
}

func TestExportsValues(t *testing.T) {
	e := newExports()
	e.Set("readFile", 1)
	e.Set("writeFile", 2)

	vals := e.Values()
	if len(vals) != 2 || vals["readFile"] != 1 || vals["writeFile"] != 2 {
		t.Fatalf("unexpected exports: %#v", vals)
	}
}
