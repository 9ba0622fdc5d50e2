package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"projwatch/internal/logging"
	"projwatch/internal/metrics"

	pollwatcher "github.com/radovskyb/watcher"
)

// PollPrimitive detects changes by listing watched directories on an
// interval. It works on filesystems without change notification (NFS, FUSE,
// some container mounts).
type PollPrimitive struct {
	source  *pollwatcher.Watcher
	batches *batcher
	logger  *logging.Logger
	metrics *metrics.Registry
	// mutex orders Add/Remove on the poller against the token table.
	mutex sync.Mutex
	// known holds entries already seen under watched directories. The poller
	// reports pre-existing entries of a freshly added directory as creates.
	known      map[string]struct{}
	knownMutex sync.Mutex
	closed     chan struct{}
	wg         sync.WaitGroup
}

func NewPollPrimitive(options PrimitiveOptions) (*PollPrimitive, error) {
	options = options.withDefaults()
	source := pollwatcher.New()
	source.FilterOps(
		pollwatcher.Create,
		pollwatcher.Write,
		pollwatcher.Remove,
		pollwatcher.Rename,
		pollwatcher.Chmod,
		pollwatcher.Move,
	)

	primitive := &PollPrimitive{
		source:  source,
		logger:  options.Logger,
		metrics: options.Metrics,
		known:   make(map[string]struct{}),
		closed:  make(chan struct{}),
	}
	primitive.batches = newBatcher(options.Coalesce, primitive.release)

	started := make(chan error, 1)
	primitive.wg.Add(2)
	go func() {
		defer primitive.wg.Done()
		if err := source.Start(options.PollInterval); err != nil {
			started <- err
		}
	}()
	go primitive.forward()

	waitDone := make(chan struct{})
	go func() {
		source.Wait()
		close(waitDone)
	}()
	select {
	case err := <-started:
		primitive.batches.shutdown()
		close(primitive.closed)
		primitive.wg.Wait()
		return nil, err
	case <-waitDone:
	}
	return primitive, nil
}

func (primitive *PollPrimitive) Register(path string) (Token, error) {
	if primitive == nil || primitive.batches.isClosed() {
		return 0, ErrClosed
	}
	primitive.mutex.Lock()
	defer primitive.mutex.Unlock()

	token, fresh := primitive.batches.track(path)
	if !fresh {
		return token, nil
	}
	if err := primitive.source.Add(path); err != nil {
		primitive.batches.untrack(token)
		return 0, err
	}
	entries, err := os.ReadDir(path)
	if err == nil {
		primitive.knownMutex.Lock()
		for _, entry := range entries {
			primitive.known[filepath.Join(path, entry.Name())] = struct{}{}
		}
		primitive.knownMutex.Unlock()
	}
	return token, nil
}

func (primitive *PollPrimitive) Cancel(token Token) error {
	if primitive == nil {
		return nil
	}
	primitive.mutex.Lock()
	defer primitive.mutex.Unlock()

	path, known := primitive.batches.untrack(token)
	if !known || path == "" {
		return nil
	}
	primitive.forget(path)
	return primitive.source.Remove(path)
}

func (primitive *PollPrimitive) Next(ctx context.Context) (Batch, error) {
	if primitive == nil {
		return Batch{}, ErrClosed
	}
	return primitive.batches.Next(ctx)
}

func (primitive *PollPrimitive) Rearm(token Token) bool {
	if primitive == nil {
		return false
	}
	return primitive.batches.Rearm(token)
}

func (primitive *PollPrimitive) Close() error {
	if primitive == nil {
		return nil
	}
	if !primitive.batches.shutdown() {
		return nil
	}
	primitive.source.Close()
	primitive.wg.Wait()
	return nil
}

func (primitive *PollPrimitive) release(path string) {
	primitive.mutex.Lock()
	defer primitive.mutex.Unlock()
	primitive.forget(path)
	_ = primitive.source.Remove(path)
}

// forget drops the known children of a directory that is no longer watched.
func (primitive *PollPrimitive) forget(path string) {
	primitive.knownMutex.Lock()
	defer primitive.knownMutex.Unlock()
	for entry := range primitive.known {
		if filepath.Dir(entry) == path {
			delete(primitive.known, entry)
		}
	}
}

// forward drains the poller until it closes. The poller's channels are
// unbuffered, so it stalls if nobody reads them.
func (primitive *PollPrimitive) forward() {
	defer primitive.wg.Done()
	for {
		select {
		case event := <-primitive.source.Event:
			primitive.handleEvent(event)
		case err := <-primitive.source.Error:
			primitive.handleError(err)
		case <-primitive.source.Closed:
			return
		case <-primitive.closed:
			return
		}
	}
}

func (primitive *PollPrimitive) handleEvent(raw pollwatcher.Event) {
	isDir := raw.FileInfo != nil && raw.IsDir()
	switch raw.Op {
	case pollwatcher.Create:
		if !primitive.observe(raw.Path) {
			return
		}
		primitive.emit(Event{Path: raw.Path, Op: OpCreate, IsDir: isDir})
	case pollwatcher.Remove:
		primitive.unobserve(raw.Path)
		primitive.emit(Event{Path: raw.Path, Op: OpDelete, IsDir: isDir})
	case pollwatcher.Rename, pollwatcher.Move:
		primitive.unobserve(raw.OldPath)
		primitive.emit(Event{Path: raw.OldPath, Op: OpDelete, IsDir: isDir, Moved: true})
		primitive.observe(raw.Path)
		primitive.emit(Event{Path: raw.Path, Op: OpCreate, IsDir: isDir})
	case pollwatcher.Write, pollwatcher.Chmod:
		primitive.emit(Event{Path: raw.Path, Op: OpModify, IsDir: isDir})
	}
}

// observe records path as present and reports whether it was new.
func (primitive *PollPrimitive) observe(path string) bool {
	primitive.knownMutex.Lock()
	defer primitive.knownMutex.Unlock()
	if _, ok := primitive.known[path]; ok {
		return false
	}
	primitive.known[path] = struct{}{}
	return true
}

func (primitive *PollPrimitive) unobserve(path string) {
	primitive.knownMutex.Lock()
	delete(primitive.known, path)
	primitive.knownMutex.Unlock()
}

func (primitive *PollPrimitive) emit(event Event) {
	primitive.metrics.IncEvent(event.Op.String())
	primitive.batches.pushPath(event)
}

func (primitive *PollPrimitive) handleError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, pollwatcher.ErrWatchedFileDeleted) {
		primitive.sweepDeleted()
		return
	}
	primitive.metrics.IncPrimitiveError()
	primitive.logger.Warn("watch primitive error", withWatcherFields(map[string]string{
		"backend": string(BackendPoll),
		"error":   err.Error(),
	}))
}

// sweepDeleted reports every watched directory that no longer exists. The
// poller drops such a directory without naming it or sending a remove event
// for it.
func (primitive *PollPrimitive) sweepDeleted() {
	for _, dir := range primitive.batches.paths() {
		if _, err := os.Stat(dir); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		primitive.logger.Debug("polled directory disappeared", withWatcherFields(map[string]string{
			"backend": string(BackendPoll),
			"path":    dir,
		}))
		primitive.unobserve(dir)
		primitive.emit(Event{Path: dir, Op: OpDelete, IsDir: true})
	}
}
