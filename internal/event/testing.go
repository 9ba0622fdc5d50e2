package event

import (
	"sync"
	"testing"
	"time"
)

// Collector stores values handed to it from callbacks or subscriptions.
type Collector[T any] struct {
	mu     sync.Mutex
	values []T
}

func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

func (collector *Collector[T]) Collect(value T) {
	if collector == nil {
		return
	}
	collector.mu.Lock()
	collector.values = append(collector.values, value)
	collector.mu.Unlock()
}

func (collector *Collector[T]) Values() []T {
	if collector == nil {
		return nil
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	values := make([]T, len(collector.values))
	copy(values, collector.values)
	return values
}

func (collector *Collector[T]) Len() int {
	if collector == nil {
		return 0
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	return len(collector.values)
}

// ReceiveWithTimeout waits for a single value or fails the test.
func ReceiveWithTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}
