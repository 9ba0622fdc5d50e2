package event

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"projwatch/internal/logging"
	"projwatch/internal/metrics"
)

const defaultSubscriberBufferSize = 128
const defaultDropWarningThreshold = 0.01
const defaultDropWarningInterval = 30 * time.Second

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// BlockOnFull makes Publish wait up to WriteTimeout for a full subscriber
	// instead of dropping. A subscriber that times out is removed.
	BlockOnFull          bool
	WriteTimeout         time.Duration
	MaxSubscribers       int
	DropWarningThreshold float64
	DropWarningInterval  time.Duration
	HistorySize          int
	Registry             *metrics.Registry
	Logger               *logging.Logger
}

// Bus fans published values out to subscriber channels.
type Bus[T any] struct {
	mu           sync.Mutex
	subscribers  map[uint64]*subscription[T]
	nextSubID    uint64
	closed       bool
	closeOnce    sync.Once
	options      BusOptions
	registry     *metrics.Registry
	logger       *logging.Logger
	published    atomic.Int64
	dropped      atomic.Int64
	lastWarning  atomic.Int64
	history      []T
	historyNext  int
	historyCount int
}

// subscription serializes sends against closing its channel. done is closed
// first so a blocked send gives up the lock.
type subscription[T any] struct {
	id        uint64
	ch        chan T
	filter    func(T) bool
	mu        sync.Mutex
	done      chan struct{}
	closed    bool
	closeOnce sync.Once
}

func (sub *subscription[T]) close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	})
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.DropWarningThreshold <= 0 {
		opts.DropWarningThreshold = defaultDropWarningThreshold
	}
	if opts.DropWarningInterval <= 0 {
		opts.DropWarningInterval = defaultDropWarningInterval
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]*subscription[T]),
		options:     opts,
		registry:    opts.Registry,
		logger:      opts.Logger,
	}
	if opts.HistorySize > 0 {
		bus.history = make([]T, opts.HistorySize)
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if bus.logger == nil {
		bus.logger = logging.Discard()
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	return b.SubscribeWithReplay(0, filter)
}

// SubscribeWithReplay subscribes and first queues up to replay of the most
// recent values that pass filter, oldest first. The history snapshot and the
// registration happen together, so no value is both replayed and delivered.
// replay is capped at the subscriber buffer size.
func (b *Bus[T]) SubscribeWithReplay(replay int, filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)
	sub := &subscription[T]{id: id, ch: ch, filter: filter, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed || (b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers) {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if replay > 0 {
		for _, value := range b.replayLocked(replay, cap(ch), filter) {
			ch <- value
		}
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	return ch, func() {
		b.removeSubscriber(id)
	}
}

// SubscribeTypes delivers only values whose Type() is one of eventTypes.
func (b *Bus[T]) SubscribeTypes(eventTypes ...string) (<-chan T, func()) {
	filter := MatchTypes[T](eventTypes...)
	if filter == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	return b.SubscribeFiltered(filter)
}

// MatchTypes returns a filter passing values whose Type() is one of
// eventTypes, or nil when none is named.
func MatchTypes[T any](eventTypes ...string) func(T) bool {
	typeSet := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		if eventType != "" {
			typeSet[eventType] = struct{}{}
		}
	}
	if len(typeSet) == 0 {
		return nil
	}
	return func(value T) bool {
		typed, ok := any(value).(Event)
		if !ok {
			return false
		}
		_, matched := typeSet[typed.Type()]
		return matched
	}
}

func (b *Bus[T]) Publish(value T) {
	if b == nil || isNil(value) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.appendHistoryLocked(value)
	subscribers := make([]*subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.registry.IncBusPublished(b.busName())
	if b.logger.Enabled(logging.LevelDebug) {
		b.logger.Debug("event published", map[string]string{
			"bus":         b.busName(),
			"type":        eventType(value),
			"subscribers": strconv.Itoa(len(subscribers)),
		})
	}

	for _, sub := range subscribers {
		if !b.filterAllows(sub, value) {
			continue
		}
		b.sendToSubscriber(sub, value)
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]*subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			sub.close()
		}
	})
}

// History returns a copy of the stored history in order.
func (b *Bus[T]) History() []T {
	return b.historySnapshot(0)
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) sendToSubscriber(sub *subscription[T], value T) {
	delivered, open := b.send(sub, value)
	if delivered || !open {
		return
	}
	b.dropped.Add(1)
	b.registry.IncBusDropped(b.busName())
	if b.options.BlockOnFull {
		b.removeSubscriber(sub.id)
	}
	b.maybeWarnDropRate()
}

// send reports whether value was delivered and whether the subscriber was
// still open.
func (b *Bus[T]) send(sub *subscription[T], value T) (bool, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false, false
	}
	if !b.options.BlockOnFull {
		select {
		case sub.ch <- value:
			return true, true
		default:
			return false, true
		}
	}
	var timeout <-chan time.Time
	if b.options.WriteTimeout > 0 {
		timer := time.NewTimer(b.options.WriteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case sub.ch <- value:
		return true, true
	case <-sub.done:
		return false, false
	case <-timeout:
		return false, true
	}
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		existing.close()
	}
}

func (b *Bus[T]) filterAllows(sub *subscription[T], value T) (allowed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Warn("subscriber filter panicked", map[string]string{
				"bus":   b.busName(),
				"panic": fmt.Sprint(recovered),
			})
			b.removeSubscriber(sub.id)
			allowed = false
		}
	}()
	return sub.filter(value)
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func (b *Bus[T]) appendHistoryLocked(value T) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.historyNext] = value
	if b.historyCount < len(b.history) {
		b.historyCount++
	}
	b.historyNext = (b.historyNext + 1) % len(b.history)
}

func (b *Bus[T]) historySnapshot(count int) []T {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyLocked(count)
}

func (b *Bus[T]) historyLocked(count int) []T {
	if len(b.history) == 0 || b.historyCount == 0 {
		return nil
	}
	total := b.historyCount
	if count <= 0 || count > total {
		count = total
	}
	start := 0
	if total == len(b.history) {
		start = (b.historyNext - count + len(b.history)) % len(b.history)
	} else {
		start = total - count
	}

	values := make([]T, 0, count)
	for i := 0; i < count; i++ {
		values = append(values, b.history[(start+i)%len(b.history)])
	}
	return values
}

// replayLocked picks the newest count values (at most limit) that pass
// filter and returns them oldest first.
func (b *Bus[T]) replayLocked(count, limit int, filter func(T) bool) []T {
	if limit < count {
		count = limit
	}
	history := b.historyLocked(0)
	picked := make([]T, 0, count)
	for index := len(history) - 1; index >= 0 && len(picked) < count; index-- {
		if filter != nil && !safeFilter(filter, history[index]) {
			continue
		}
		picked = append(picked, history[index])
	}
	slices.Reverse(picked)
	return picked
}

func safeFilter[T any](filter func(T) bool, value T) (allowed bool) {
	defer func() {
		if recover() != nil {
			allowed = false
		}
	}()
	return filter(value)
}

func (b *Bus[T]) maybeWarnDropRate() {
	published := b.published.Load()
	dropped := b.dropped.Load()
	if published == 0 || dropped == 0 {
		return
	}
	rate := float64(dropped) / float64(published)
	if rate < b.options.DropWarningThreshold {
		return
	}
	now := time.Now()
	lastNanos := b.lastWarning.Load()
	if lastNanos > 0 && now.Sub(time.Unix(0, lastNanos)) < b.options.DropWarningInterval {
		return
	}
	if !b.lastWarning.CompareAndSwap(lastNanos, now.UnixNano()) {
		return
	}
	b.logger.Warn("event bus dropping events", map[string]string{
		"bus":       b.busName(),
		"drop_rate": strconv.FormatFloat(rate*100, 'f', 2, 64),
		"dropped":   strconv.FormatInt(dropped, 10),
		"published": strconv.FormatInt(published, 10),
	})
}

func eventType(value any) string {
	typed, ok := value.(Event)
	if !ok || typed.Type() == "" {
		return "unknown"
	}
	return typed.Type()
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
