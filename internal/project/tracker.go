package project

import (
	"sort"
	"strconv"
	"sync"

	"projwatch/internal/fsutil"
	"projwatch/internal/logging"
)

// Registrar is the part of the watcher service a Tracker drives.
type Registrar interface {
	RegisterProject(path string) int
	UnregisterProject(path string) int
}

// Tracker keeps the registrar's project set equal to the last applied list.
type Tracker struct {
	registrar Registrar
	logger    *logging.Logger
	mutex     sync.Mutex
	active    map[string]string
}

type ApplyResult struct {
	Added   []string
	Removed []string
	Skipped []string
}

func NewTracker(registrar Registrar, logger *logging.Logger) *Tracker {
	return &Tracker{
		registrar: registrar,
		logger:    logger,
		active:    make(map[string]string),
	}
}

// Apply registers roots that are new in entries and unregisters roots that
// are gone. Roots that do not exist as directories are skipped.
func (tracker *Tracker) Apply(entries []Entry) ApplyResult {
	if tracker == nil || tracker.registrar == nil {
		return ApplyResult{}
	}
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	wanted := make(map[string]string, len(entries))
	result := ApplyResult{}
	for _, entry := range entries {
		root := entry.Root()
		if root == "" {
			continue
		}
		if !fsutil.IsDir(root) {
			result.Skipped = append(result.Skipped, root)
			tracker.warn("project root unavailable", map[string]string{
				"project": entry.Name,
				"path":    root,
			})
			continue
		}
		wanted[root] = entry.Name
	}

	for root := range tracker.active {
		if _, ok := wanted[root]; ok {
			continue
		}
		count := tracker.registrar.UnregisterProject(root)
		delete(tracker.active, root)
		result.Removed = append(result.Removed, root)
		tracker.info("project removed", map[string]string{
			"path":        root,
			"directories": strconv.Itoa(count),
		})
	}
	for root, name := range wanted {
		if _, ok := tracker.active[root]; ok {
			tracker.active[root] = name
			continue
		}
		count := tracker.registrar.RegisterProject(root)
		tracker.active[root] = name
		result.Added = append(result.Added, root)
		tracker.info("project added", map[string]string{
			"project":     name,
			"path":        root,
			"directories": strconv.Itoa(count),
		})
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Skipped)
	return result
}

// Roots returns the active roots, sorted.
func (tracker *Tracker) Roots() []string {
	if tracker == nil {
		return nil
	}
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	roots := make([]string, 0, len(tracker.active))
	for root := range tracker.active {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Clear unregisters every active root.
func (tracker *Tracker) Clear() {
	tracker.Apply(nil)
}

func (tracker *Tracker) info(message string, fields map[string]string) {
	if tracker.logger != nil {
		tracker.logger.Info(message, fields)
	}
}

func (tracker *Tracker) warn(message string, fields map[string]string) {
	if tracker.logger != nil {
		tracker.logger.Warn(message, fields)
	}
}
