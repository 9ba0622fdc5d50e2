package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"projwatch/internal/event"
	"projwatch/internal/logging"
	"projwatch/internal/watcher"
)

const maxSignalReplay = 64

// signalPayload is what a remote tree view receives: "refresh" or
// "expand_new" with the directories involved.
type signalPayload struct {
	Type      string    `json:"type"`
	Dirs      []string  `json:"dirs"`
	NewDirs   []string  `json:"new_dirs,omitempty"`
	Overflow  bool      `json:"overflow,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newSignalPayload(signal watcher.Signal) signalPayload {
	dirs := signal.Dirs
	if dirs == nil {
		dirs = []string{}
	}
	return signalPayload{
		Type:      signal.Type(),
		Dirs:      dirs,
		NewDirs:   signal.NewDirs,
		Overflow:  signal.Overflow,
		Timestamp: signal.Timestamp(),
	}
}

// SignalsHandler streams watcher signals over a websocket. A replay=N query
// parameter sends up to N recent signals first; types=expand_new,refresh
// limits the stream to those signal types.
type SignalsHandler struct {
	Bus            *event.Bus[watcher.Signal]
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

func (h *SignalsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, h.AuthToken) {
		writeWSError(w, r, h.Logger, wsError{Status: http.StatusUnauthorized, Message: "unauthorized"})
		return
	}
	if h.Bus == nil {
		writeWSError(w, r, h.Logger, wsError{Status: http.StatusServiceUnavailable, Message: "signal stream unavailable"})
		return
	}
	replay, ok := parseReplay(r)
	if !ok {
		writeWSError(w, r, h.Logger, wsError{Status: http.StatusBadRequest, Message: "invalid replay"})
		return
	}
	filter, ok := parseSignalTypes(r)
	if !ok {
		writeWSError(w, r, h.Logger, wsError{Status: http.StatusBadRequest, Message: "invalid signal types"})
		return
	}

	output, cancel := h.Bus.SubscribeWithReplay(replay, filter)
	defer cancel()

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{Status: http.StatusBadRequest, Message: "websocket upgrade failed", Err: err})
		return
	}

	serveWSStream(wsStreamConfig[watcher.Signal]{
		Conn:   conn,
		Output: output,
		BuildPayload: func(signal watcher.Signal) (any, bool) {
			return newSignalPayload(signal), true
		},
	})
}

func parseReplay(r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("replay"))
	if raw == "" {
		return 0, true
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0, false
	}
	if count > maxSignalReplay {
		count = maxSignalReplay
	}
	return count, true
}

func parseSignalTypes(r *http.Request) (func(watcher.Signal) bool, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("types"))
	if raw == "" {
		return nil, true
	}
	var types []string
	for _, value := range strings.Split(raw, ",") {
		value = strings.TrimSpace(value)
		switch value {
		case "":
		case watcher.SignalRefresh, watcher.SignalExpandNew:
			types = append(types, value)
		default:
			return nil, false
		}
	}
	filter := event.MatchTypes[watcher.Signal](types...)
	return filter, filter != nil
}
