package watcher

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"projwatch/internal/event"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
)

const defaultDispatchQueue = 64

const (
	SignalRefresh   = "refresh"
	SignalExpandNew = "expand_new"
)

// Observer is told when the watched trees changed. Calls arrive on the
// dispatcher goroutine, one at a time.
type Observer interface {
	Refresh()
	ExpandNew()
}

// SignalObserver is implemented by observers that want the full signal. It
// is called before Refresh.
type SignalObserver interface {
	Observe(signal Signal)
}

// Signal describes one refresh-worthy batch, or several merged ones.
type Signal struct {
	SawNewDirectory bool      `json:"saw_new_directory"`
	Dirs            []string  `json:"dirs,omitempty"`
	NewDirs         []string  `json:"new_dirs,omitempty"`
	Overflow        bool      `json:"overflow,omitempty"`
	OccurredAt      time.Time `json:"timestamp"`
}

func (signal Signal) Type() string {
	if signal.SawNewDirectory {
		return SignalExpandNew
	}
	return SignalRefresh
}

func (signal Signal) Timestamp() time.Time {
	return signal.OccurredAt
}

func (signal Signal) merge(other Signal) Signal {
	signal.SawNewDirectory = signal.SawNewDirectory || other.SawNewDirectory
	signal.Overflow = signal.Overflow || other.Overflow
	signal.Dirs = appendUnique(signal.Dirs, other.Dirs...)
	signal.NewDirs = appendUnique(signal.NewDirs, other.NewDirs...)
	if other.OccurredAt.After(signal.OccurredAt) {
		signal.OccurredAt = other.OccurredAt
	}
	return signal
}

func appendUnique(values []string, extra ...string) []string {
	for _, value := range extra {
		found := false
		for _, existing := range values {
			if existing == value {
				found = true
				break
			}
		}
		if !found {
			values = append(values, value)
		}
	}
	return values
}

// BusObserver publishes every signal on a bus so remote views can follow.
type BusObserver struct {
	Bus *event.Bus[Signal]
}

func (observer BusObserver) Observe(signal Signal) {
	observer.Bus.Publish(signal)
}

func (BusObserver) Refresh()   {}
func (BusObserver) ExpandNew() {}

// Dispatcher hands signals to the observer on its own goroutine, so the event
// loop never waits on observer code.
type Dispatcher struct {
	observer Observer
	logger   *logging.Logger
	metrics  *metrics.Registry
	limit    int

	mutex  sync.Mutex
	queue  []Signal
	closed bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewDispatcher(observer Observer, queueSize int, logger *logging.Logger, dispatchMetrics *metrics.Registry) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultDispatchQueue
	}
	if logger == nil {
		logger = logging.Discard()
	}
	dispatcher := &Dispatcher{
		observer: observer,
		logger:   logger,
		metrics:  dispatchMetrics,
		limit:    queueSize,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go dispatcher.run()
	return dispatcher
}

// Notify queues signal for delivery. When the queue is full the signal is
// merged into the newest queued one. Signals sent after Close are dropped.
func (dispatcher *Dispatcher) Notify(signal Signal) {
	if dispatcher == nil {
		return
	}
	if signal.OccurredAt.IsZero() {
		signal.OccurredAt = time.Now().UTC()
	}
	dispatcher.mutex.Lock()
	if dispatcher.closed {
		dispatcher.mutex.Unlock()
		return
	}
	if len(dispatcher.queue) >= dispatcher.limit {
		last := len(dispatcher.queue) - 1
		dispatcher.queue[last] = dispatcher.queue[last].merge(signal)
		dispatcher.mutex.Unlock()
		dispatcher.metrics.IncSignalCoalesced()
		return
	}
	dispatcher.queue = append(dispatcher.queue, signal)
	dispatcher.mutex.Unlock()

	select {
	case dispatcher.wake <- struct{}{}:
	default:
	}
}

// Close delivers what is already queued and stops the dispatcher goroutine.
func (dispatcher *Dispatcher) Close() {
	if dispatcher == nil {
		return
	}
	dispatcher.once.Do(func() {
		dispatcher.mutex.Lock()
		dispatcher.closed = true
		dispatcher.mutex.Unlock()
		select {
		case dispatcher.wake <- struct{}{}:
		default:
		}
	})
	<-dispatcher.done
}

func (dispatcher *Dispatcher) run() {
	defer close(dispatcher.done)
	for {
		<-dispatcher.wake
		for {
			dispatcher.mutex.Lock()
			if len(dispatcher.queue) == 0 {
				closed := dispatcher.closed
				dispatcher.mutex.Unlock()
				if closed {
					return
				}
				break
			}
			signal := dispatcher.queue[0]
			dispatcher.queue = dispatcher.queue[1:]
			dispatcher.mutex.Unlock()

			dispatcher.deliver(signal)
		}
	}
}

func (dispatcher *Dispatcher) deliver(signal Signal) {
	if dispatcher.observer == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			dispatcher.logger.Error("observer panicked", withWatcherFields(map[string]string{
				"panic": fmt.Sprint(recovered),
				"stack": string(debug.Stack()),
			}))
		}
	}()
	dispatcher.metrics.IncDispatch()
	if signalObserver, ok := dispatcher.observer.(SignalObserver); ok {
		signalObserver.Observe(signal)
	}
	dispatcher.observer.Refresh()
	if signal.SawNewDirectory {
		dispatcher.observer.ExpandNew()
	}
}
