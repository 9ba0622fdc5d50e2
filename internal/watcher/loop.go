package watcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"projwatch/internal/fsutil"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
)

// ErrLoopFinished is returned by Start once the loop has been stopped. A loop
// runs at most once.
var ErrLoopFinished = errors.New("event loop finished")

type loopState int

const (
	loopIdle loopState = iota
	loopRunning
	loopFinished
)

type LoopOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// BatchHook runs on the loop goroutine after each batch is handled.
	BatchHook func(Batch)
}

// EventLoop drains the primitive on a single goroutine, keeps the registry in
// step with the tree and tells the dispatcher about every batch that changed
// something.
type EventLoop struct {
	primitive  Primitive
	registry   *Registry
	registrar  *TreeRegistrar
	dispatcher *Dispatcher
	logger     *logging.Logger
	metrics    *metrics.Registry
	hook       func(Batch)

	mutex    sync.Mutex
	state    loopState
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewEventLoop(primitive Primitive, registry *Registry, registrar *TreeRegistrar, dispatcher *Dispatcher, options LoopOptions) *EventLoop {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &EventLoop{
		primitive:  primitive,
		registry:   registry,
		registrar:  registrar,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    options.Metrics,
		hook:       options.BatchHook,
	}
}

// Start launches the loop goroutine. It is a no-op while running.
func (loop *EventLoop) Start() error {
	if loop == nil {
		return ErrLoopFinished
	}
	loop.mutex.Lock()
	defer loop.mutex.Unlock()

	switch loop.state {
	case loopRunning:
		return nil
	case loopFinished:
		return ErrLoopFinished
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop.cancel = cancel
	loop.done = make(chan struct{})
	loop.state = loopRunning
	go loop.run(ctx, loop.done)
	return nil
}

// Stop closes the primitive and waits for the loop goroutine to exit.
func (loop *EventLoop) Stop() error {
	if loop == nil {
		return nil
	}
	var err error
	loop.stopOnce.Do(func() {
		loop.mutex.Lock()
		loop.state = loopFinished
		cancel := loop.cancel
		done := loop.done
		loop.mutex.Unlock()

		err = loop.primitive.Close()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
	})
	return err
}

func (loop *EventLoop) IsRunning() bool {
	if loop == nil {
		return false
	}
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	return loop.state == loopRunning
}

func (loop *EventLoop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		loop.mutex.Lock()
		loop.state = loopFinished
		loop.mutex.Unlock()
		close(done)
	}()
	loop.logger.Info("event loop started", withWatcherFields(nil))

	for {
		batch, err := loop.primitive.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				loop.logger.Info("event loop stopped", withWatcherFields(nil))
				return
			}
			loop.metrics.IncPrimitiveError()
			loop.logger.Error("event loop failed", withWatcherFields(map[string]string{
				"error": err.Error(),
			}))
			return
		}
		loop.handle(batch)
		if loop.hook != nil {
			loop.hook(batch)
		}
	}
}

func (loop *EventLoop) handle(batch Batch) {
	if batch.Overflow {
		loop.metrics.IncBatchOverflow()
		loop.logger.Warn("event overflow, forcing refresh", withWatcherFields(nil))
		loop.dispatcher.Notify(Signal{Overflow: true, OccurredAt: time.Now().UTC()})
		return
	}

	dir, ok := loop.registry.PathOf(batch.Token)
	if !ok {
		loop.metrics.IncBatchStale()
		return
	}

	changed := false
	var newDirs []string
	for _, event := range batch.Events {
		changed = true
		switch event.Op {
		case OpCreate:
			if event.IsDir || fsutil.IsDir(event.Path) {
				loop.registrar.OnDirectoryCreated(dir, event.Path)
				newDirs = append(newDirs, event.Path)
			}
		case OpDelete:
			if event.Moved {
				loop.registrar.OnDirectoryMoved(event.Path)
			} else {
				loop.registrar.OnDirectoryDeleted(event.Path)
			}
		}
	}

	if !loop.primitive.Rearm(batch.Token) {
		if path, removed := loop.registry.RemoveByToken(batch.Token); removed {
			loop.metrics.IncCancellation()
			loop.logger.Debug("watch no longer valid", withWatcherFields(map[string]string{
				"path": path,
			}))
		}
	}
	loop.metrics.IncBatchProcessed()

	if !changed {
		return
	}
	if loop.logger.Enabled(logging.LevelDebug) {
		loop.logger.Debug("batch processed", withWatcherFields(map[string]string{
			"path":     dir,
			"events":   strconv.Itoa(len(batch.Events)),
			"new_dirs": strconv.Itoa(len(newDirs)),
		}))
	}
	loop.dispatcher.Notify(Signal{
		SawNewDirectory: len(newDirs) > 0,
		Dirs:            []string{dir},
		NewDirs:         newDirs,
		OccurredAt:      time.Now().UTC(),
	})
}
