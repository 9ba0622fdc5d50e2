package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakePrimitive hands out tokens without touching the OS. Tests feed batches
// through send.
type fakePrimitive struct {
	mutex     sync.Mutex
	next      Token
	paths     map[Token]string
	invalid   map[Token]bool
	failing   map[string]error
	cancelled []Token
	batches   chan Batch
	done      chan struct{}
	closeOnce sync.Once
}

func newFakePrimitive() *fakePrimitive {
	return &fakePrimitive{
		paths:   make(map[Token]string),
		invalid: make(map[Token]bool),
		failing: make(map[string]error),
		batches: make(chan Batch, 16),
		done:    make(chan struct{}),
	}
}

func (fake *fakePrimitive) Register(path string) (Token, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if err := fake.failing[path]; err != nil {
		return 0, err
	}
	fake.next++
	fake.paths[fake.next] = path
	return fake.next, nil
}

func (fake *fakePrimitive) Cancel(token Token) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if _, ok := fake.paths[token]; ok {
		delete(fake.paths, token)
		fake.cancelled = append(fake.cancelled, token)
	}
	return nil
}

func (fake *fakePrimitive) Next(ctx context.Context) (Batch, error) {
	select {
	case <-fake.done:
		return Batch{}, ErrClosed
	default:
	}
	select {
	case batch := <-fake.batches:
		return batch, nil
	case <-fake.done:
		return Batch{}, ErrClosed
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

func (fake *fakePrimitive) Rearm(token Token) bool {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return !fake.invalid[token]
}

func (fake *fakePrimitive) Close() error {
	fake.closeOnce.Do(func() {
		close(fake.done)
	})
	return nil
}

func (fake *fakePrimitive) send(batch Batch) {
	fake.batches <- batch
}

func (fake *fakePrimitive) invalidate(token Token) {
	fake.mutex.Lock()
	fake.invalid[token] = true
	fake.mutex.Unlock()
}

func (fake *fakePrimitive) fail(path string, err error) {
	fake.mutex.Lock()
	fake.failing[path] = err
	fake.mutex.Unlock()
}

func (fake *fakePrimitive) live() int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return len(fake.paths)
}

func (fake *fakePrimitive) cancelledCount() int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return len(fake.cancelled)
}

// refreshFunc is an Observer that only refreshes.
type refreshFunc func()

func (refresh refreshFunc) Refresh() { refresh() }
func (refreshFunc) ExpandNew()       {}

// recordingObserver keeps every signal and counts observer calls.
type recordingObserver struct {
	mutex      sync.Mutex
	signals    chan Signal
	refreshes  int
	expansions int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{signals: make(chan Signal, 64)}
}

func (observer *recordingObserver) Observe(signal Signal) {
	select {
	case observer.signals <- signal:
	default:
	}
}

func (observer *recordingObserver) Refresh() {
	observer.mutex.Lock()
	observer.refreshes++
	observer.mutex.Unlock()
}

func (observer *recordingObserver) ExpandNew() {
	observer.mutex.Lock()
	observer.expansions++
	observer.mutex.Unlock()
}

func (observer *recordingObserver) counts() (int, int) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	return observer.refreshes, observer.expansions
}

func waitForSignal(signals <-chan Signal) (Signal, bool) {
	select {
	case signal := <-signals:
		return signal, true
	case <-time.After(2 * time.Second):
		return Signal{}, false
	}
}

func expectNoSignal(t *testing.T, signals <-chan Signal) {
	t.Helper()
	select {
	case signal := <-signals:
		t.Fatalf("unexpected signal %+v", signal)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// makeTree creates root/a/b beneath a temp dir and returns the three paths.
func makeTree(t *testing.T) (string, string, string) {
	t.Helper()
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(a, "b")
	if err := os.MkdirAll(b, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(a, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return root, a, b
}

func entryPaths(entries []Entry) []string {
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, entry.Path)
	}
	return paths
}
