package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"projwatch/internal/event"
	"projwatch/internal/watcher"
)

func newSignalServer(t *testing.T, bus *event.Bus[watcher.Signal], token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	RegisterRoutes(mux, RouteOptions{Watcher: &fakeWatchService{}, Signals: bus, AuthToken: token})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func dialSignals(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/signals" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readSignal(t *testing.T, conn *websocket.Conn) signalPayload {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var payload signalPayload
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read: %v", err)
	}
	return payload
}

func waitForSubscribers(t *testing.T, bus *event.Bus[watcher.Signal], count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() < count {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignalsStream(t *testing.T) {
	bus := event.NewBus[watcher.Signal](context.Background(), event.BusOptions{Name: "signals"})
	defer bus.Close()
	server := newSignalServer(t, bus, "")
	conn := dialSignals(t, server, "")
	waitForSubscribers(t, bus, 1)

	bus.Publish(watcher.Signal{Dirs: []string{"/p/a"}, OccurredAt: time.Now()})
	bus.Publish(watcher.Signal{SawNewDirectory: true, Dirs: []string{"/p"}, NewDirs: []string{"/p/c"}, OccurredAt: time.Now()})

	first := readSignal(t, conn)
	if first.Type != watcher.SignalRefresh || len(first.Dirs) != 1 || first.Dirs[0] != "/p/a" {
		t.Fatalf("unexpected first payload %+v", first)
	}
	second := readSignal(t, conn)
	if second.Type != watcher.SignalExpandNew || len(second.NewDirs) != 1 || second.Timestamp.IsZero() {
		t.Fatalf("unexpected second payload %+v", second)
	}
}

func TestSignalsReplay(t *testing.T) {
	bus := event.NewBus[watcher.Signal](context.Background(), event.BusOptions{Name: "signals", HistorySize: 4})
	defer bus.Close()
	for _, dir := range []string{"/one", "/two", "/three"} {
		bus.Publish(watcher.Signal{Dirs: []string{dir}, OccurredAt: time.Now()})
	}
	server := newSignalServer(t, bus, "")
	conn := dialSignals(t, server, "?replay=2")

	if payload := readSignal(t, conn); payload.Dirs[0] != "/two" {
		t.Fatalf("expected /two first, got %+v", payload)
	}
	if payload := readSignal(t, conn); payload.Dirs[0] != "/three" {
		t.Fatalf("expected /three second, got %+v", payload)
	}
}

func TestSignalsReplayThenLive(t *testing.T) {
	bus := event.NewBus[watcher.Signal](context.Background(), event.BusOptions{Name: "signals", HistorySize: 4})
	defer bus.Close()
	bus.Publish(watcher.Signal{Dirs: []string{"/old"}, OccurredAt: time.Now()})
	server := newSignalServer(t, bus, "")
	conn := dialSignals(t, server, "?replay=4")
	waitForSubscribers(t, bus, 1)
	bus.Publish(watcher.Signal{Dirs: []string{"/new"}, OccurredAt: time.Now()})

	if payload := readSignal(t, conn); payload.Dirs[0] != "/old" {
		t.Fatalf("expected /old first, got %+v", payload)
	}
	if payload := readSignal(t, conn); payload.Dirs[0] != "/new" {
		t.Fatalf("expected /new second, got %+v", payload)
	}
	if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var extra signalPayload
	if err := conn.ReadJSON(&extra); err == nil {
		t.Fatalf("unexpected extra payload %+v", extra)
	}
}

func TestSignalsFiltersByType(t *testing.T) {
	bus := event.NewBus[watcher.Signal](context.Background(), event.BusOptions{Name: "signals", HistorySize: 4})
	defer bus.Close()
	bus.Publish(watcher.Signal{Dirs: []string{"/p"}, OccurredAt: time.Now()})
	bus.Publish(watcher.Signal{SawNewDirectory: true, Dirs: []string{"/p"}, NewDirs: []string{"/p/c"}, OccurredAt: time.Now()})
	server := newSignalServer(t, bus, "")
	conn := dialSignals(t, server, "?types=expand_new&replay=4")
	waitForSubscribers(t, bus, 1)
	bus.Publish(watcher.Signal{Dirs: []string{"/q"}, OccurredAt: time.Now()})
	bus.Publish(watcher.Signal{SawNewDirectory: true, Dirs: []string{"/q"}, NewDirs: []string{"/q/d"}, OccurredAt: time.Now()})

	for _, want := range []string{"/p/c", "/q/d"} {
		payload := readSignal(t, conn)
		if payload.Type != watcher.SignalExpandNew || len(payload.NewDirs) != 1 || payload.NewDirs[0] != want {
			t.Fatalf("expected expand_new for %s, got %+v", want, payload)
		}
	}
}

func TestSignalsRejectsBadRequests(t *testing.T) {
	bus := event.NewBus[watcher.Signal](context.Background(), event.BusOptions{Name: "signals"})
	defer bus.Close()
	server := newSignalServer(t, bus, "secret")
	base := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/signals"

	_, res, err := websocket.DefaultDialer.Dial(base, nil)
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v (%v)", res, err)
	}
	_, res, err = websocket.DefaultDialer.Dial(base+"?token=secret&replay=x", nil)
	if err == nil || res == nil || res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v (%v)", res, err)
	}

	_, res, err = websocket.DefaultDialer.Dial(base+"?token=secret&types=teleport", nil)
	if err == nil || res == nil || res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %v (%v)", res, err)
	}

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, res, err = websocket.DefaultDialer.Dial(base+"?token=secret", header)
	if err == nil || res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v (%v)", res, err)
	}
}

func TestSignalsWithoutBus(t *testing.T) {
	mux := http.NewServeMux()
	RegisterRoutes(mux, RouteOptions{})
	res := serve(mux, http.MethodGet, "/ws/signals", nil)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}
