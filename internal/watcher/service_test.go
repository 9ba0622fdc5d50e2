package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"projwatch/internal/event"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
)

func newTestService(t *testing.T, backend Backend, observer Observer) *Service {
	t.Helper()
	service, err := New(Options{
		Backend:      backend,
		Logger:       logging.Discard(),
		Metrics:      &metrics.Registry{},
		Observer:     observer,
		Coalesce:     10 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = service.Stop()
	})
	return service
}

func hasEntry(service *Service, path string) bool {
	for _, entry := range service.Entries() {
		if entry.Path == path {
			return true
		}
	}
	return false
}

// exerciseTree runs the create, delete and unregister cycle against a real
// backend: p/a/b gains a directory c, loses b, and is then unregistered.
func exerciseTree(t *testing.T, backend Backend) {
	observer := newRecordingObserver()
	service := newTestService(t, backend, observer)
	root, a, b := makeTree(t)

	if count := service.RegisterProject(root); count != 3 {
		t.Fatalf("expected 3 directories, got %d", count)
	}
	if !service.IsRunning() {
		t.Fatal("expected service to be running")
	}

	c := filepath.Join(b, "c")
	if err := os.Mkdir(c, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	waitFor(t, "c to be registered", func() bool {
		return hasEntry(service, c)
	})
	waitFor(t, "expand", func() bool {
		_, expansions := observer.counts()
		return expansions >= 1
	})
	if len(service.Entries()) != 4 {
		t.Fatalf("expected 4 entries, got %v", entryPaths(service.Entries()))
	}

	if err := os.RemoveAll(b); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, "b and c to be dropped", func() bool {
		entries := service.Entries()
		return len(entries) == 2 && entries[0].Path == root && entries[1].Path == a
	})
	refreshes, _ := observer.counts()
	if refreshes == 0 {
		t.Fatal("expected at least one refresh")
	}

	if count := service.UnregisterProject(root); count != 2 {
		t.Fatalf("expected 2 removed, got %d", count)
	}
	if len(service.Entries()) != 0 {
		t.Fatalf("expected no entries, got %v", entryPaths(service.Entries()))
	}
}

func TestServiceTracksTreeWithNotify(t *testing.T) {
	exerciseTree(t, BackendNotify)
}

func TestServiceTracksTreeWithPolling(t *testing.T) {
	exerciseTree(t, BackendPoll)
}

func TestServiceSignalsOncePerChange(t *testing.T) {
	observer := newRecordingObserver()
	service, err := New(Options{
		Backend:  BackendNotify,
		Logger:   logging.Discard(),
		Metrics:  &metrics.Registry{},
		Observer: observer,
		Coalesce: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = service.Stop()
	})

	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(a, "b")
	c := filepath.Join(a, "c")
	if err := os.MkdirAll(b, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if count := service.RegisterProject(root); count != 3 {
		t.Fatalf("expected 3 directories, got %d", count)
	}
	expectNoSignal(t, observer.signals)

	if err := os.Mkdir(c, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	created, ok := waitForSignal(observer.signals)
	if !ok {
		t.Fatal("expected a signal for the new directory")
	}
	if !created.SawNewDirectory {
		t.Fatalf("expected expand for the new directory, got %+v", created)
	}
	expectNoSignal(t, observer.signals)
	if paths := entryPaths(service.Entries()); !slices.Equal(paths, []string{root, a, b, c}) {
		t.Fatalf("unexpected entries after create %v", paths)
	}

	if err := os.Remove(b); err != nil {
		t.Fatalf("remove: %v", err)
	}
	deleted, ok := waitForSignal(observer.signals)
	if !ok {
		t.Fatal("expected a signal for the deleted directory")
	}
	if deleted.SawNewDirectory {
		t.Fatalf("expected a plain refresh for the deletion, got %+v", deleted)
	}
	expectNoSignal(t, observer.signals)
	waitFor(t, "b to be dropped", func() bool {
		return slices.Equal(entryPaths(service.Entries()), []string{root, a, c})
	})
	waitFor(t, "observer calls", func() bool {
		refreshes, expansions := observer.counts()
		return refreshes == 2 && expansions == 1
	})

	if count := service.UnregisterProject(root); count != 3 {
		t.Fatalf("expected 3 removed, got %d", count)
	}
	if len(service.Entries()) != 0 {
		t.Fatalf("expected no entries, got %v", entryPaths(service.Entries()))
	}
}

func TestServiceFreshInstanceReproducesEntries(t *testing.T) {
	for _, backend := range []Backend{BackendNotify, BackendPoll} {
		t.Run(string(backend), func(t *testing.T) {
			root, _, b := makeTree(t)
			if err := os.Mkdir(filepath.Join(b, "d"), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}

			first := newTestService(t, backend, nil)
			first.RegisterProject(root)
			before := entryPaths(first.Entries())
			if err := first.Stop(); err != nil {
				t.Fatalf("stop: %v", err)
			}
			if first.IsRunning() {
				t.Fatal("expected the first service to be stopped")
			}

			second := newTestService(t, backend, nil)
			second.RegisterProject(root)
			after := entryPaths(second.Entries())
			if len(before) != 4 || !slices.Equal(before, after) {
				t.Fatalf("expected %v to be reproduced, got %v", before, after)
			}
		})
	}
}

func TestServiceRegistersMovedInTree(t *testing.T) {
	observer := newRecordingObserver()
	service := newTestService(t, BackendNotify, observer)
	root, _, _ := makeTree(t)
	service.RegisterProject(root)

	outside := t.TempDir()
	staged := filepath.Join(outside, "staged")
	if err := os.MkdirAll(filepath.Join(staged, "inner"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(root, "staged")
	if err := os.Rename(staged, target); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitFor(t, "moved tree to be registered", func() bool {
		return hasEntry(service, target) && hasEntry(service, filepath.Join(target, "inner"))
	})
}

func TestServiceRenamedDirectoryMovesWatches(t *testing.T) {
	service := newTestService(t, BackendNotify, nil)
	root, a, b := makeTree(t)
	service.RegisterProject(root)

	renamed := filepath.Join(root, "renamed")
	if err := os.Rename(a, renamed); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitFor(t, "watches to follow the rename", func() bool {
		return !hasEntry(service, a) && !hasEntry(service, b) &&
			hasEntry(service, renamed) && hasEntry(service, filepath.Join(renamed, "b"))
	})
}

func TestServiceEntriesUnderAndMetrics(t *testing.T) {
	service := newTestService(t, BackendNotify, nil)
	root, a, b := makeTree(t)
	service.RegisterProject(root)

	entries := service.EntriesUnder(a)
	if len(entries) != 2 || entries[0].Path != a || entries[1].Path != b {
		t.Fatalf("unexpected entries under a: %v", entryPaths(entries))
	}

	stats := service.Metrics()
	if !stats.Running || stats.Projects != 1 || stats.Watches != 3 {
		t.Fatalf("unexpected metrics %+v", stats)
	}
	if stats.Counters.Registrations != 3 {
		t.Fatalf("expected 3 registrations, got %d", stats.Counters.Registrations)
	}
}

func TestServicePublishesProjectEvents(t *testing.T) {
	bus := event.NewBus[event.Event](context.Background(), event.BusOptions{Name: "projects"})
	defer bus.Close()
	events, cancel := bus.Subscribe()
	defer cancel()

	service, err := New(Options{Primitive: newFakePrimitive(), Projects: bus})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer service.Stop()
	root, _, _ := makeTree(t)

	service.RegisterProject(root)
	service.UnregisterProject(root)

	registered := event.ReceiveWithTimeout(t, events, time.Second).(event.ProjectEvent)
	if registered.Type() != event.ProjectRegistered || registered.Path != root || registered.Directories != 3 {
		t.Fatalf("unexpected event %+v", registered)
	}
	unregistered := event.ReceiveWithTimeout(t, events, time.Second).(event.ProjectEvent)
	if unregistered.Type() != event.ProjectUnregistered || unregistered.Directories != 3 {
		t.Fatalf("unexpected event %+v", unregistered)
	}
}

func TestServiceRejectsUnknownBackend(t *testing.T) {
	if _, err := New(Options{Backend: "carrier-pigeon"}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	if _, err := ParseBackend("POLL"); err != nil {
		t.Fatalf("parse backend: %v", err)
	}
}

func TestServiceStopIsFinal(t *testing.T) {
	service, err := New(Options{Primitive: newFakePrimitive()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := service.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if service.IsRunning() {
		t.Fatal("expected service to be stopped")
	}
	if err := service.Start(); !errors.Is(err, ErrLoopFinished) {
		t.Fatalf("expected ErrLoopFinished, got %v", err)
	}
}
