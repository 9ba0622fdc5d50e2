package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"projwatch/internal/logging"
	"projwatch/internal/metrics"
)

func newTestRegistrar(primitive Primitive) (*TreeRegistrar, *Registry, *metrics.Registry) {
	registry := NewRegistry()
	counters := &metrics.Registry{}
	return NewTreeRegistrar(primitive, registry, logging.Discard(), counters), registry, counters
}

func TestRegisterProjectWalksTree(t *testing.T) {
	root, a, b := makeTree(t)
	primitive := newFakePrimitive()
	registrar, registry, counters := newTestRegistrar(primitive)

	if count := registrar.RegisterProject(root); count != 3 {
		t.Fatalf("expected 3 directories, got %d", count)
	}
	for _, path := range []string{root, a, b} {
		if _, ok := registry.TokenOf(path); !ok {
			t.Fatalf("expected %s to be registered", path)
		}
	}
	if _, ok := registry.TokenOf(filepath.Join(a, "file.txt")); ok {
		t.Fatal("files must not be registered")
	}
	if snapshot := counters.Snapshot(); snapshot.ActiveWatches != 3 {
		t.Fatalf("expected 3 active watches, got %d", snapshot.ActiveWatches)
	}
	projects := registrar.Projects()
	if len(projects) != 1 || projects[0] != root {
		t.Fatalf("unexpected projects: %v", projects)
	}
}

func TestRegisterProjectTwiceAddsNothing(t *testing.T) {
	root, _, _ := makeTree(t)
	primitive := newFakePrimitive()
	registrar, registry, _ := newTestRegistrar(primitive)

	registrar.RegisterProject(root)
	if count := registrar.RegisterProject(root); count != 0 {
		t.Fatalf("expected no new directories, got %d", count)
	}
	if registry.Len() != 3 || primitive.live() != 3 {
		t.Fatalf("expected 3 entries and watches, got %d and %d", registry.Len(), primitive.live())
	}
}

func TestRegisterProjectIgnoresMissingRoot(t *testing.T) {
	primitive := newFakePrimitive()
	registrar, registry, _ := newTestRegistrar(primitive)

	missing := filepath.Join(t.TempDir(), "missing")
	if count := registrar.RegisterProject(missing); count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}

	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if count := registrar.RegisterProject(file); count != 0 {
		t.Fatalf("expected 0 for a file root, got %d", count)
	}
	if registry.Len() != 0 || len(registrar.Projects()) != 0 {
		t.Fatal("expected nothing registered")
	}
}

func TestRegisterProjectSkipsFailedDirectories(t *testing.T) {
	root, a, b := makeTree(t)
	sibling := filepath.Join(root, "sibling")
	if err := os.Mkdir(sibling, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	primitive := newFakePrimitive()
	primitive.fail(a, errors.New("no space left on device"))
	registrar, registry, counters := newTestRegistrar(primitive)

	if count := registrar.RegisterProject(root); count != 3 {
		t.Fatalf("expected root, b and sibling, got %d", count)
	}
	if _, ok := registry.TokenOf(a); ok {
		t.Fatal("failed directory must not be registered")
	}
	if _, ok := registry.TokenOf(b); !ok {
		t.Fatal("children of a failed directory are still walked")
	}
	if _, ok := registry.TokenOf(sibling); !ok {
		t.Fatal("siblings of a failed directory are still registered")
	}
	if snapshot := counters.Snapshot(); snapshot.RegistrationFails != 1 {
		t.Fatalf("expected 1 failure, got %d", snapshot.RegistrationFails)
	}
}

func TestUnregisterProjectCancelsEverything(t *testing.T) {
	root, _, _ := makeTree(t)
	primitive := newFakePrimitive()
	registrar, registry, counters := newTestRegistrar(primitive)
	registrar.RegisterProject(root)

	if count := registrar.UnregisterProject(root); count != 3 {
		t.Fatalf("expected 3 removed, got %d", count)
	}
	if registry.Len() != 0 || primitive.live() != 0 {
		t.Fatalf("expected empty registry and primitive, got %d and %d", registry.Len(), primitive.live())
	}
	if len(registrar.Projects()) != 0 {
		t.Fatalf("expected no projects, got %v", registrar.Projects())
	}
	if snapshot := counters.Snapshot(); snapshot.ActiveWatches != 0 || snapshot.Cancellations != 3 {
		t.Fatalf("unexpected counters: %+v", snapshot)
	}
	if count := registrar.UnregisterProject(root); count != 0 {
		t.Fatalf("expected second unregister to remove nothing, got %d", count)
	}
}

func TestUnregisterProjectLeavesSiblingPrefix(t *testing.T) {
	parent := t.TempDir()
	p := filepath.Join(parent, "p")
	pp := filepath.Join(parent, "pp")
	for _, dir := range []string{p, pp} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	primitive := newFakePrimitive()
	registrar, registry, _ := newTestRegistrar(primitive)
	registrar.RegisterProject(p)
	registrar.RegisterProject(pp)

	if count := registrar.UnregisterProject(p); count != 1 {
		t.Fatalf("expected 1 removed, got %d", count)
	}
	if _, ok := registry.TokenOf(pp); !ok {
		t.Fatal("expected /pp to stay registered")
	}
}

func TestOnDirectoryCreatedRegistersNestedContent(t *testing.T) {
	root, _, _ := makeTree(t)
	primitive := newFakePrimitive()
	registrar, registry, _ := newTestRegistrar(primitive)
	registrar.RegisterProject(root)

	moved := filepath.Join(root, "moved")
	if err := os.MkdirAll(filepath.Join(moved, "x", "y"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if count := registrar.OnDirectoryCreated(root, moved); count != 3 {
		t.Fatalf("expected 3 new directories, got %d", count)
	}
	if _, ok := registry.TokenOf(filepath.Join(moved, "x", "y")); !ok {
		t.Fatal("expected nested directory to be registered")
	}
}

func TestOnDirectoryDeletedLeavesChildren(t *testing.T) {
	root, a, b := makeTree(t)
	primitive := newFakePrimitive()
	registrar, registry, _ := newTestRegistrar(primitive)
	registrar.RegisterProject(root)

	if !registrar.OnDirectoryDeleted(a) {
		t.Fatal("expected a to be removed")
	}
	if registrar.OnDirectoryDeleted(a) {
		t.Fatal("expected second delete to report false")
	}
	if _, ok := registry.TokenOf(b); !ok {
		t.Fatal("children are cleaned up lazily")
	}
	if primitive.cancelledCount() != 1 {
		t.Fatalf("expected 1 cancel, got %d", primitive.cancelledCount())
	}
}

func TestOnDirectoryMovedDropsSubtree(t *testing.T) {
	root, a, _ := makeTree(t)
	primitive := newFakePrimitive()
	registrar, registry, _ := newTestRegistrar(primitive)
	registrar.RegisterProject(root)

	if count := registrar.OnDirectoryMoved(a); count != 2 {
		t.Fatalf("expected 2 removed, got %d", count)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected only the root left, got %v", entryPaths(registry.Entries()))
	}
}
