package event

import (
	"context"
	"testing"
	"time"
)

func TestCollectorKeepsOrder(t *testing.T) {
	collector := NewCollector[int]()
	collector.Collect(1)
	collector.Collect(2)

	values := collector.Values()
	if len(values) != 2 || collector.Len() != 2 {
		t.Fatalf("expected 2 values, got %d", len(values))
	}
	if values[0] != 1 || values[1] != 2 {
		t.Fatalf("unexpected values: %#v", values)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *Collector[string]
	collector.Collect("ignored")
	if collector.Len() != 0 || collector.Values() != nil {
		t.Fatal("expected nil collector to stay empty")
	}
}

func TestReceiveWithTimeoutReceivesBusEvent(t *testing.T) {
	bus := NewBus[string](context.Background(), BusOptions{})
	defer bus.Close()

	events, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish("ok")
	received := ReceiveWithTimeout(t, events, 100*time.Millisecond)
	if received != "ok" {
		t.Fatalf("expected ok, got %q", received)
	}
}
