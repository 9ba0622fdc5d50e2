package watcher

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type dirState struct {
	path    string
	invalid bool
}

type eventKey struct {
	path string
	op   Op
}

type pendingBatch struct {
	batch Batch
	seen  map[eventKey]int
}

// batcher is the backend-independent half of a Primitive: it issues tokens,
// groups raw events by the directory that reported them, and hands them out
// one batch at a time.
type batcher struct {
	mu        sync.Mutex
	nextToken Token
	dirs      map[string]Token
	tokens    map[Token]*dirState
	pending   map[Token]*pendingBatch
	order     []Token
	overflow  bool
	queue     []Batch
	coalesce  time.Duration
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
	// release drops the OS-level watch for a path.
	release func(path string)
}

func newBatcher(coalesce time.Duration, release func(string)) *batcher {
	return &batcher{
		dirs:     make(map[string]Token),
		tokens:   make(map[Token]*dirState),
		pending:  make(map[Token]*pendingBatch),
		coalesce: coalesce,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		release:  release,
	}
}

// track returns the token for path, issuing one if the path is new.
func (b *batcher) track(path string) (Token, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if token, ok := b.dirs[path]; ok {
		if state := b.tokens[token]; state != nil && !state.invalid {
			return token, false
		}
	}
	b.nextToken++
	token := b.nextToken
	b.dirs[path] = token
	b.tokens[token] = &dirState{path: path}
	return token, true
}

// untrack forgets token and reports the path whose OS watch should be dropped,
// if any. The path is empty when a newer token owns it.
func (b *batcher) untrack(token Token) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.untrackLocked(token)
}

func (b *batcher) untrackLocked(token Token) (string, bool) {
	state, ok := b.tokens[token]
	if !ok {
		return "", false
	}
	delete(b.tokens, token)
	delete(b.pending, token)
	if b.dirs[state.path] != token {
		return "", true
	}
	delete(b.dirs, state.path)
	return state.path, true
}

// paths returns the directories that hold a live token.
func (b *batcher) paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	paths := make([]string, 0, len(b.dirs))
	for path, token := range b.dirs {
		if state := b.tokens[token]; state != nil && !state.invalid {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// push records an event reported by the watch on directory dir.
func (b *batcher) push(dir string, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if token, ok := b.dirs[dir]; ok {
		b.appendLocked(token, event)
	}

	// A watched directory that disappears loses its own watch. Give it an
	// empty batch so the loop re-arms it and learns it is gone.
	if event.Op == OpDelete {
		if token, ok := b.dirs[event.Path]; ok {
			if state := b.tokens[token]; state != nil {
				state.invalid = true
			}
			b.appendLocked(token, Event{})
		}
	}
	b.signal()
}

// pushPath records an event whose directory is the parent of event.Path.
func (b *batcher) pushPath(event Event) {
	b.push(filepath.Dir(event.Path), event)
}

func (b *batcher) appendLocked(token Token, event Event) {
	entry, ok := b.pending[token]
	if !ok {
		entry = &pendingBatch{
			batch: Batch{Token: token},
			seen:  make(map[eventKey]int),
		}
		b.pending[token] = entry
		b.order = append(b.order, token)
	}
	if event.Op == 0 {
		return
	}
	// Only modifications collapse. Creates and deletes keep their order so a
	// delete followed by a re-create is seen as both.
	if event.Op == OpModify {
		key := eventKey{path: event.Path, op: event.Op}
		if index, dup := entry.seen[key]; dup {
			existing := &entry.batch.Events[index]
			existing.IsDir = existing.IsDir || event.IsDir
			return
		}
		entry.seen[key] = len(entry.batch.Events)
	}
	entry.batch.Events = append(entry.batch.Events, event)
}

func (b *batcher) markOverflow() {
	b.mu.Lock()
	if !b.closed {
		b.overflow = true
	}
	b.mu.Unlock()
	b.signal()
}

func (b *batcher) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *batcher) flushLocked() {
	if b.overflow {
		b.queue = append(b.queue, Batch{Overflow: true})
		b.overflow = false
	}
	for _, token := range b.order {
		entry, ok := b.pending[token]
		if !ok {
			continue
		}
		b.queue = append(b.queue, entry.batch)
		delete(b.pending, token)
	}
	b.order = b.order[:0]
}

func (b *batcher) Next(ctx context.Context) (Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Batch{}, ErrClosed
		}
		if len(b.queue) > 0 {
			batch := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return batch, nil
		}
		hasPending := len(b.order) > 0 || b.overflow
		b.mu.Unlock()

		if hasPending {
			if err := b.wait(ctx, b.coalesce); err != nil {
				return Batch{}, err
			}
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
			continue
		}

		select {
		case <-b.wake:
		case <-b.done:
			return Batch{}, ErrClosed
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
}

func (b *batcher) wait(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *batcher) Rearm(token Token) bool {
	b.mu.Lock()
	state, ok := b.tokens[token]
	if ok && !state.invalid {
		b.mu.Unlock()
		return true
	}
	path := ""
	if ok {
		path, _ = b.untrackLocked(token)
	}
	b.mu.Unlock()

	if path != "" && b.release != nil {
		b.release(path)
	}
	return false
}

// shutdown marks the batcher closed and wakes any blocked Next. It reports
// whether this call did the closing.
func (b *batcher) shutdown() bool {
	first := false
	b.closeOnce.Do(func() {
		first = true
		b.mu.Lock()
		b.closed = true
		b.queue = nil
		b.pending = make(map[Token]*pendingBatch)
		b.order = nil
		b.mu.Unlock()
		close(b.done)
	})
	return first
}

func (b *batcher) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
