package watcher

import (
	"errors"
	"iter"
	"sort"
	"sync"

	"projwatch/internal/fsutil"
)

var (
	ErrDuplicatePath  = errors.New("path already registered")
	ErrDuplicateToken = errors.New("token already registered")
)

// Entry is one registered directory.
type Entry struct {
	Path  string `json:"path"`
	Token Token  `json:"token"`
}

// Registry is the bidirectional path/token map. Both directions change
// together under one lock.
type Registry struct {
	mutex   sync.RWMutex
	byPath  map[string]Token
	byToken map[Token]string
}

func NewRegistry() *Registry {
	return &Registry{
		byPath:  make(map[string]Token),
		byToken: make(map[Token]string),
	}
}

func (registry *Registry) Put(path string, token Token) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if _, ok := registry.byPath[path]; ok {
		return ErrDuplicatePath
	}
	if _, ok := registry.byToken[token]; ok {
		return ErrDuplicateToken
	}
	registry.byPath[path] = token
	registry.byToken[token] = path
	return nil
}

func (registry *Registry) RemoveByPath(path string) (Token, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	token, ok := registry.byPath[path]
	if !ok {
		return 0, false
	}
	delete(registry.byPath, path)
	delete(registry.byToken, token)
	return token, true
}

func (registry *Registry) RemoveByToken(token Token) (string, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	path, ok := registry.byToken[token]
	if !ok {
		return "", false
	}
	delete(registry.byToken, token)
	delete(registry.byPath, path)
	return path, true
}

func (registry *Registry) PathOf(token Token) (string, bool) {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	path, ok := registry.byToken[token]
	return path, ok
}

func (registry *Registry) TokenOf(path string) (Token, bool) {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	token, ok := registry.byPath[path]
	return token, ok
}

func (registry *Registry) Len() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.byPath)
}

// EntriesUnder yields the entries at or beneath root as they were when it was
// called. Later changes to the registry are not reflected.
func (registry *Registry) EntriesUnder(root string) iter.Seq2[string, Token] {
	registry.mutex.RLock()
	snapshot := make([]Entry, 0)
	for path, token := range registry.byPath {
		if fsutil.IsWithin(root, path) {
			snapshot = append(snapshot, Entry{Path: path, Token: token})
		}
	}
	registry.mutex.RUnlock()

	return func(yield func(string, Token) bool) {
		for _, entry := range snapshot {
			if !yield(entry.Path, entry.Token) {
				return
			}
		}
	}
}

// Entries returns every entry sorted by path.
func (registry *Registry) Entries() []Entry {
	registry.mutex.RLock()
	entries := make([]Entry, 0, len(registry.byPath))
	for path, token := range registry.byPath {
		entries = append(entries, Entry{Path: path, Token: token})
	}
	registry.mutex.RUnlock()
	sortEntries(entries)
	return entries
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}
