package watcher

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"projwatch/internal/fsutil"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
)

// TreeRegistrar keeps the registry in step with directory trees: it walks new
// trees into the primitive and cancels the watches of removed ones.
type TreeRegistrar struct {
	primitive Primitive
	registry  *Registry
	logger    *logging.Logger
	metrics   *metrics.Registry

	mutex    sync.Mutex
	projects map[string]struct{}
}

func NewTreeRegistrar(primitive Primitive, registry *Registry, logger *logging.Logger, registryMetrics *metrics.Registry) *TreeRegistrar {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TreeRegistrar{
		primitive: primitive,
		registry:  registry,
		logger:    logger,
		metrics:   registryMetrics,
		projects:  make(map[string]struct{}),
	}
}

// RegisterProject watches root and every directory beneath it. A root that is
// not an existing directory is ignored. It returns the number of directories
// newly registered.
func (registrar *TreeRegistrar) RegisterProject(root string) int {
	if registrar == nil {
		return 0
	}
	normalized, err := fsutil.NormalizeDir(root)
	if err != nil || !fsutil.IsDir(normalized) {
		registrar.logger.Warn("project root is not a directory", withWatcherFields(map[string]string{
			"path": root,
		}))
		return 0
	}

	registrar.mutex.Lock()
	registrar.projects[normalized] = struct{}{}
	registrar.mutex.Unlock()

	count := registrar.registerTree(normalized)
	registrar.logger.Info("project registered", withWatcherFields(map[string]string{
		"path":        normalized,
		"directories": strconv.Itoa(count),
	}))
	return count
}

// UnregisterProject cancels every watch at or beneath root. Calling it for an
// unknown root does nothing.
func (registrar *TreeRegistrar) UnregisterProject(root string) int {
	if registrar == nil {
		return 0
	}
	normalized, err := fsutil.NormalizeDir(root)
	if err != nil {
		return 0
	}

	count := 0
	for path, token := range registrar.registry.EntriesUnder(normalized) {
		current, ok := registrar.registry.TokenOf(path)
		if !ok || current != token {
			continue
		}
		if _, removed := registrar.registry.RemoveByToken(token); !removed {
			continue
		}
		registrar.cancel(path, token)
		count++
	}

	registrar.mutex.Lock()
	_, known := registrar.projects[normalized]
	delete(registrar.projects, normalized)
	registrar.mutex.Unlock()

	if known || count > 0 {
		registrar.logger.Info("project unregistered", withWatcherFields(map[string]string{
			"path":        normalized,
			"directories": strconv.Itoa(count),
		}))
	}
	return count
}

// OnDirectoryCreated registers dir and any directories already inside it,
// which covers trees moved in from elsewhere.
func (registrar *TreeRegistrar) OnDirectoryCreated(parent, dir string) int {
	if registrar == nil {
		return 0
	}
	count := registrar.registerTree(filepath.Clean(dir))
	if count > 0 {
		registrar.logger.Debug("directory registered", withWatcherFields(map[string]string{
			"parent":      parent,
			"path":        dir,
			"directories": strconv.Itoa(count),
		}))
	}
	return count
}

// OnDirectoryDeleted cancels the watch on path, if any. Watches beneath path
// are left to clean themselves up when their own re-arm fails.
func (registrar *TreeRegistrar) OnDirectoryDeleted(path string) bool {
	if registrar == nil {
		return false
	}
	path = filepath.Clean(path)
	token, ok := registrar.registry.RemoveByPath(path)
	if !ok {
		return false
	}
	registrar.cancel(path, token)
	return true
}

// OnDirectoryMoved drops the registrations of a directory that was renamed
// away, including everything beneath it. The watches on the children would
// otherwise keep reporting under their old paths.
func (registrar *TreeRegistrar) OnDirectoryMoved(path string) int {
	if registrar == nil {
		return 0
	}
	path = filepath.Clean(path)
	count := 0
	for entryPath, token := range registrar.registry.EntriesUnder(path) {
		if _, removed := registrar.registry.RemoveByToken(token); !removed {
			continue
		}
		registrar.cancel(entryPath, token)
		count++
	}
	return count
}

// Projects returns the registered roots, sorted.
func (registrar *TreeRegistrar) Projects() []string {
	if registrar == nil {
		return nil
	}
	registrar.mutex.Lock()
	roots := make([]string, 0, len(registrar.projects))
	for root := range registrar.projects {
		roots = append(roots, root)
	}
	registrar.mutex.Unlock()
	sort.Strings(roots)
	return roots
}

// registerTree is the walk shared by project registration and directory
// creation. Unreadable directories are skipped; their siblings continue.
func (registrar *TreeRegistrar) registerTree(root string) int {
	count := 0
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			registrar.logger.Warn("directory walk failed", withWatcherFields(map[string]string{
				"path":  path,
				"error": err.Error(),
			}))
			if entry != nil && entry.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if registrar.registerDir(path) {
			count++
		}
		return nil
	})
	return count
}

func (registrar *TreeRegistrar) registerDir(path string) bool {
	if _, ok := registrar.registry.TokenOf(path); ok {
		return false
	}
	token, err := registrar.primitive.Register(path)
	if err != nil {
		registrar.metrics.IncRegistrationFailure()
		registrar.logger.Warn("watch register failed", withWatcherFields(map[string]string{
			"path":  path,
			"error": err.Error(),
		}))
		return false
	}
	if err := registrar.registry.Put(path, token); err != nil {
		// Another walk got there first with the same primitive watch.
		if errors.Is(err, ErrDuplicatePath) {
			if existing, ok := registrar.registry.TokenOf(path); ok && existing == token {
				return false
			}
		}
		registrar.metrics.IncRegistrationFailure()
		registrar.logger.Warn("watch register failed", withWatcherFields(map[string]string{
			"path":  path,
			"error": err.Error(),
		}))
		return false
	}
	registrar.metrics.IncRegistration()
	return true
}

func (registrar *TreeRegistrar) cancel(path string, token Token) {
	registrar.metrics.IncCancellation()
	if err := registrar.primitive.Cancel(token); err != nil {
		registrar.logger.Warn("watch cancel failed", withWatcherFields(map[string]string{
			"path":  path,
			"error": err.Error(),
		}))
	}
}
