package watcher

import (
	"context"
	"errors"
	"sync"

	"projwatch/internal/logging"
	"projwatch/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

// NotifyPrimitive watches directories through fsnotify (inotify, kqueue,
// ReadDirectoryChangesW).
type NotifyPrimitive struct {
	source  *fsnotify.Watcher
	batches *batcher
	logger  *logging.Logger
	metrics *metrics.Registry
	// mutex serialises Add/Remove against the token table.
	mutex sync.Mutex
	wg    sync.WaitGroup
}

func NewNotifyPrimitive(options PrimitiveOptions) (*NotifyPrimitive, error) {
	options = options.withDefaults()
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	primitive := &NotifyPrimitive{
		source:  source,
		logger:  options.Logger,
		metrics: options.Metrics,
	}
	primitive.batches = newBatcher(options.Coalesce, primitive.release)
	primitive.wg.Add(1)
	go primitive.forward()
	return primitive, nil
}

func (primitive *NotifyPrimitive) Register(path string) (Token, error) {
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
	return token, nil
}

func (primitive *NotifyPrimitive) Cancel(token Token) error {
	if primitive == nil {
		return nil
	}
	primitive.mutex.Lock()
	defer primitive.mutex.Unlock()

	path, known := primitive.batches.untrack(token)
	if !known || path == "" {
		return nil
	}
	return primitive.remove(path)
}

func (primitive *NotifyPrimitive) Next(ctx context.Context) (Batch, error) {
	if primitive == nil {
		return Batch{}, ErrClosed
	}
	return primitive.batches.Next(ctx)
}

func (primitive *NotifyPrimitive) Rearm(token Token) bool {
	if primitive == nil {
		return false
	}
	return primitive.batches.Rearm(token)
}

func (primitive *NotifyPrimitive) Close() error {
	if primitive == nil {
		return nil
	}
	if !primitive.batches.shutdown() {
		return nil
	}
	err := primitive.source.Close()
	primitive.wg.Wait()
	return err
}

func (primitive *NotifyPrimitive) release(path string) {
	primitive.mutex.Lock()
	defer primitive.mutex.Unlock()
	_ = primitive.remove(path)
}

func (primitive *NotifyPrimitive) remove(path string) error {
	err := primitive.source.Remove(path)
	if err == nil || errors.Is(err, fsnotify.ErrNonExistentWatch) || errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}

func (primitive *NotifyPrimitive) forward() {
	defer primitive.wg.Done()
	for {
		select {
		case event, ok := <-primitive.source.Events:
			if !ok {
				return
			}
			primitive.handleEvent(event)
		case err, ok := <-primitive.source.Errors:
			if !ok {
				return
			}
			primitive.handleError(err)
		}
	}
}

func (primitive *NotifyPrimitive) handleEvent(raw fsnotify.Event) {
	if raw.Name == "" {
		return
	}
	event := Event{Path: raw.Name}
	switch {
	case raw.Has(fsnotify.Create):
		event.Op = OpCreate
	case raw.Has(fsnotify.Remove):
		event.Op = OpDelete
	case raw.Has(fsnotify.Rename):
		event.Op = OpDelete
		event.Moved = true
	case raw.Has(fsnotify.Write), raw.Has(fsnotify.Chmod):
		event.Op = OpModify
	default:
		return
	}
	primitive.metrics.IncEvent(event.Op.String())
	primitive.batches.pushPath(event)
}

func (primitive *NotifyPrimitive) handleError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		primitive.logger.Warn("watch event queue overflowed", withWatcherFields(map[string]string{
			"backend": string(BackendNotify),
		}))
		primitive.batches.markOverflow()
		return
	}
	primitive.metrics.IncPrimitiveError()
	primitive.logger.Warn("watch primitive error", withWatcherFields(map[string]string{
		"backend": string(BackendNotify),
		"error":   err.Error(),
	}))
}
