package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds process-wide watcher counters.
type Registry struct {
	batchesProcessed  atomic.Int64
	batchesStale      atomic.Int64
	batchesOverflow   atomic.Int64
	dispatches        atomic.Int64
	signalsCoalesced  atomic.Int64
	registrations     atomic.Int64
	registrationFails atomic.Int64
	cancellations     atomic.Int64
	primitiveErrors   atomic.Int64
	activeWatches     atomic.Int64
	events            sync.Map
	busPublished      sync.Map
	busDropped        sync.Map
}

var Default = &Registry{}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BatchesProcessed  int64            `json:"batches_processed"`
	BatchesStale      int64            `json:"batches_stale"`
	BatchesOverflow   int64            `json:"batches_overflow"`
	Dispatches        int64            `json:"dispatches"`
	SignalsCoalesced  int64            `json:"signals_coalesced"`
	Registrations     int64            `json:"registrations"`
	RegistrationFails int64            `json:"registration_failures"`
	Cancellations     int64            `json:"cancellations"`
	PrimitiveErrors   int64            `json:"primitive_errors"`
	ActiveWatches     int64            `json:"active_watches"`
	Events            map[string]int64 `json:"events,omitempty"`
	BusPublished      map[string]int64 `json:"bus_published,omitempty"`
	BusDropped        map[string]int64 `json:"bus_dropped,omitempty"`
}

func (r *Registry) IncBatchProcessed() {
	if r == nil {
		return
	}
	r.batchesProcessed.Add(1)
}

func (r *Registry) IncBatchStale() {
	if r == nil {
		return
	}
	r.batchesStale.Add(1)
}

func (r *Registry) IncBatchOverflow() {
	if r == nil {
		return
	}
	r.batchesOverflow.Add(1)
}

func (r *Registry) IncDispatch() {
	if r == nil {
		return
	}
	r.dispatches.Add(1)
}

func (r *Registry) IncSignalCoalesced() {
	if r == nil {
		return
	}
	r.signalsCoalesced.Add(1)
}

func (r *Registry) IncRegistration() {
	if r == nil {
		return
	}
	r.registrations.Add(1)
	r.activeWatches.Add(1)
}

func (r *Registry) IncRegistrationFailure() {
	if r == nil {
		return
	}
	r.registrationFails.Add(1)
}

func (r *Registry) IncCancellation() {
	if r == nil {
		return
	}
	r.cancellations.Add(1)
	r.activeWatches.Add(-1)
}

func (r *Registry) IncPrimitiveError() {
	if r == nil {
		return
	}
	r.primitiveErrors.Add(1)
}

// IncEvent counts one filesystem event by its kind ("create", "delete", "modify").
func (r *Registry) IncEvent(kind string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	incKeyed(&r.events, kind)
}

// IncBusPublished counts one event published on the named bus.
func (r *Registry) IncBusPublished(bus string) {
	if r == nil {
		return
	}
	incKeyed(&r.busPublished, bus)
}

// IncBusDropped counts one event a slow subscriber of the named bus missed.
func (r *Registry) IncBusDropped(bus string) {
	if r == nil {
		return
	}
	incKeyed(&r.busDropped, bus)
}

func incKeyed(counters *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	value, _ := counters.LoadOrStore(key, &atomic.Int64{})
	value.(*atomic.Int64).Add(1)
}

func loadKeyed(counters *sync.Map) map[string]int64 {
	var values map[string]int64
	counters.Range(func(key, value any) bool {
		if values == nil {
			values = make(map[string]int64)
		}
		values[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return values
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	snapshot := Snapshot{
		BatchesProcessed:  r.batchesProcessed.Load(),
		BatchesStale:      r.batchesStale.Load(),
		BatchesOverflow:   r.batchesOverflow.Load(),
		Dispatches:        r.dispatches.Load(),
		SignalsCoalesced:  r.signalsCoalesced.Load(),
		Registrations:     r.registrations.Load(),
		RegistrationFails: r.registrationFails.Load(),
		Cancellations:     r.cancellations.Load(),
		PrimitiveErrors:   r.primitiveErrors.Load(),
		ActiveWatches:     r.activeWatches.Load(),
	}
	snapshot.Events = loadKeyed(&r.events)
	snapshot.BusPublished = loadKeyed(&r.busPublished)
	snapshot.BusDropped = loadKeyed(&r.busDropped)
	return snapshot
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}
	snapshot := r.Snapshot()

	writeCounter(writer, "projwatch_batches_processed_total", "Event batches processed", snapshot.BatchesProcessed)
	writeCounter(writer, "projwatch_batches_stale_total", "Event batches discarded for cancelled watches", snapshot.BatchesStale)
	writeCounter(writer, "projwatch_batches_overflow_total", "Overflow batches that forced a full refresh", snapshot.BatchesOverflow)
	writeCounter(writer, "projwatch_dispatches_total", "Observer dispatches", snapshot.Dispatches)
	writeCounter(writer, "projwatch_signals_coalesced_total", "Signals merged into a pending dispatch", snapshot.SignalsCoalesced)
	writeCounter(writer, "projwatch_registrations_total", "Directory watches registered", snapshot.Registrations)
	writeCounter(writer, "projwatch_registration_failures_total", "Directory watches that failed to register", snapshot.RegistrationFails)
	writeCounter(writer, "projwatch_cancellations_total", "Directory watches cancelled", snapshot.Cancellations)
	writeCounter(writer, "projwatch_primitive_errors_total", "Errors reported by the watch primitive", snapshot.PrimitiveErrors)

	writeHelp(writer, "projwatch_active_watches", "Directory watches currently registered")
	fmt.Fprintln(writer, "# TYPE projwatch_active_watches gauge")
	fmt.Fprintf(writer, "projwatch_active_watches %d\n", snapshot.ActiveWatches)

	writeLabeled(writer, "projwatch_events_total", "Filesystem events by kind", "kind", snapshot.Events)
	writeLabeled(writer, "projwatch_bus_published_total", "Events published per bus", "bus", snapshot.BusPublished)
	writeLabeled(writer, "projwatch_bus_dropped_total", "Events dropped for slow subscribers per bus", "bus", snapshot.BusDropped)
	return nil
}

func writeLabeled(writer io.Writer, metric, help, label string, values map[string]int64) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	for _, key := range keys {
		fmt.Fprintf(writer, "%s{%s=%s} %d\n", metric, label, formatLabel(key), values[key])
	}
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
