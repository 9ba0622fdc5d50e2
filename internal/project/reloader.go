package project

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"projwatch/internal/logging"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Reloader re-applies the projects file to a Tracker whenever it changes.
type Reloader struct {
	// Extra entries are applied alongside the file's on every reload.
	Extra []Entry

	path     string
	tracker  *Tracker
	logger   *logging.Logger
	debounce *debouncer
	reloads  chan struct{}
}

func NewReloader(path string, tracker *Tracker, debounce time.Duration, logger *logging.Logger) *Reloader {
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Reloader{
		path:     filepath.Clean(path),
		tracker:  tracker,
		logger:   logger,
		debounce: newDebouncer(debounce),
		reloads:  make(chan struct{}, 1),
	}
}

// Reload loads the file and applies it with Extra. A file that cannot be read or
// decoded leaves the current project set untouched.
func (reloader *Reloader) Reload() (ApplyResult, error) {
	entries, err := Load(reloader.path)
	if err != nil {
		return ApplyResult{}, err
	}
	result := reloader.tracker.Apply(append(append([]Entry(nil), reloader.Extra...), entries...))
	reloader.log(logging.LevelInfo, "projects file applied", map[string]string{
		"path":    reloader.path,
		"added":   strconv.Itoa(len(result.Added)),
		"removed": strconv.Itoa(len(result.Removed)),
		"skipped": strconv.Itoa(len(result.Skipped)),
	})
	return result, nil
}

// Run watches the file's directory until ctx is done. Editors that replace
// the file through a rename are covered because the directory is watched.
func (reloader *Reloader) Run(ctx context.Context) error {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create projects watcher: %w", err)
	}
	defer source.Close()
	if err := source.Add(filepath.Dir(reloader.path)); err != nil {
		return fmt.Errorf("watch projects directory: %w", err)
	}
	defer reloader.debounce.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-source.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != reloader.path {
				continue
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reloader.debounce.schedule(reloader.signal)
		case err, ok := <-source.Errors:
			if !ok {
				return nil
			}
			reloader.log(logging.LevelWarning, "projects watcher error", map[string]string{
				"error": err.Error(),
			})
		case <-reloader.reloads:
			if _, err := reloader.Reload(); err != nil {
				reloader.log(logging.LevelWarning, "projects file reload failed", map[string]string{
					"path":  reloader.path,
					"error": err.Error(),
				})
			}
		}
	}
}

func (reloader *Reloader) signal() {
	select {
	case reloader.reloads <- struct{}{}:
	default:
	}
}

func (reloader *Reloader) log(level logging.Level, message string, fields map[string]string) {
	if reloader.logger == nil {
		return
	}
	switch level {
	case logging.LevelWarning:
		reloader.logger.Warn(message, fields)
	default:
		reloader.logger.Info(message, fields)
	}
}

type debouncer struct {
	duration time.Duration
	mutex    sync.Mutex
	timer    *time.Timer
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{duration: duration}
}

// schedule runs flush once duration has passed without another call. It
// reports whether a pending flush was pushed back.
func (debouncer *debouncer) schedule(flush func()) bool {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	if debouncer.timer == nil {
		debouncer.timer = time.AfterFunc(debouncer.duration, flush)
		return false
	}
	return debouncer.timer.Reset(debouncer.duration)
}

func (debouncer *debouncer) stop() {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	if debouncer.timer != nil {
		debouncer.timer.Stop()
		debouncer.timer = nil
	}
}
