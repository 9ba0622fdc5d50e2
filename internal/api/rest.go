package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"projwatch/internal/event"
	"projwatch/internal/fsutil"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
	"projwatch/internal/watcher"
)

// WatchService is the slice of watcher.Service the REST surface needs.
type WatchService interface {
	RegisterProject(path string) int
	UnregisterProject(path string) int
	Projects() []string
	Entries() []watcher.Entry
	EntriesUnder(root string) []watcher.Entry
	Metrics() watcher.Metrics
	IsRunning() bool
}

type RestHandler struct {
	Watcher WatchService
	Signals *event.Bus[watcher.Signal]
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

type projectSummary struct {
	Path        string `json:"path"`
	Directories int    `json:"directories"`
}

type projectRequest struct {
	Path string `json:"path"`
}

type statusResponse struct {
	watcher.Metrics
	SignalClients int       `json:"signal_clients"`
	ServerTime    time.Time `json:"server_time"`
}

type logLevelRequest struct {
	Level string `json:"level"`
}

type logLevelResponse struct {
	Level logging.Level `json:"level"`
}

type logQuery struct {
	Limit int
	Level logging.Level
	Since *time.Time
}

func (h *RestHandler) requireWatcher() *apiError {
	if h.Watcher == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watcher unavailable"}
	}
	return nil
}

func (h *RestHandler) handleProjects(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireWatcher(); err != nil {
		return err
	}
	switch r.Method {
	case http.MethodGet:
		roots := h.Watcher.Projects()
		response := make([]projectSummary, 0, len(roots))
		for _, root := range roots {
			response = append(response, projectSummary{
				Path:        root,
				Directories: len(h.Watcher.EntriesUnder(root)),
			})
		}
		writeJSON(w, http.StatusOK, response)
		return nil
	case http.MethodPost:
		return h.registerProject(w, r)
	case http.MethodDelete:
		path := strings.TrimSpace(r.URL.Query().Get("path"))
		if path == "" {
			return &apiError{Status: http.StatusBadRequest, Message: "missing path"}
		}
		count := h.Watcher.UnregisterProject(path)
		writeJSON(w, http.StatusOK, projectSummary{Path: path, Directories: count})
		return nil
	default:
		return methodNotAllowed(w, "GET, POST, DELETE")
	}
}

func (h *RestHandler) registerProject(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Body == nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
	}
	var request projectRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
	}
	path := strings.TrimSpace(request.Path)
	if path == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "missing path"}
	}
	root, err := fsutil.NormalizeDir(path)
	if err != nil || !fsutil.IsDir(root) {
		return &apiError{Status: http.StatusNotFound, Message: "directory not found"}
	}
	count := h.Watcher.RegisterProject(root)
	writeJSON(w, http.StatusCreated, projectSummary{Path: root, Directories: count})
	return nil
}

func (h *RestHandler) handleWatches(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireWatcher(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	entries := h.Watcher.Entries()
	if root := strings.TrimSpace(r.URL.Query().Get("root")); root != "" {
		entries = h.Watcher.EntriesUnder(root)
	}
	if entries == nil {
		entries = []watcher.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireWatcher(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Metrics:       h.Watcher.Metrics(),
		SignalClients: h.Signals.SubscriberCount(),
		ServerTime:    time.Now().UTC(),
	})
	return nil
}

// handleSignals lists the recent signals kept in the bus history.
func (h *RestHandler) handleSignals(w http.ResponseWriter, r *http.Request) *apiError {
	if h.Signals == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "signal stream unavailable"}
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	history := h.Signals.History()
	response := make([]signalPayload, 0, len(history))
	for _, signal := range history {
		response = append(response, newSignalPayload(signal))
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleLogLevel(w http.ResponseWriter, r *http.Request) *apiError {
	if h.Logger == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "logger unavailable"}
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, logLevelResponse{Level: h.Logger.Level()})
		return nil
	case http.MethodPut:
		if r.Body == nil {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
		}
		var request logLevelRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
		}
		level, ok := logging.ParseLevel(request.Level)
		if !ok {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
		}
		previous := h.Logger.Level()
		h.Logger.SetLevel(level)
		h.Logger.Info("log level changed", map[string]string{
			"from": string(previous),
			"to":   string(level),
		})
		writeJSON(w, http.StatusOK, logLevelResponse{Level: level})
		return nil
	default:
		return methodNotAllowed(w, "GET, PUT")
	}
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if h.Logger == nil || h.Logger.Buffer() == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "log buffer unavailable"}
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	query, err := parseLogQuery(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, filterLogEntries(h.Logger.Buffer().List(), query))
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	registry := h.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := registry.WritePrometheus(w); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "metrics unavailable"}
	}
	return nil
}

func parseLogQuery(r *http.Request) (logQuery, *apiError) {
	values := r.URL.Query()
	query := logQuery{Limit: 100}

	if rawLimit := strings.TrimSpace(values.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		query.Limit = limit
	}
	if rawSince := strings.TrimSpace(values.Get("since")); rawSince != "" {
		parsed, err := time.Parse(time.RFC3339, rawSince)
		if err != nil {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid since timestamp"}
		}
		query.Since = &parsed
	}
	if rawLevel := strings.TrimSpace(values.Get("level")); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
		}
		query.Level = level
	}
	return query, nil
}

func filterLogEntries(entries []logging.LogEntry, query logQuery) []logging.LogEntry {
	filtered := make([]logging.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if query.Level != "" && !logging.LevelAtLeast(entry.Level, query.Level) {
			continue
		}
		if query.Since != nil && entry.Timestamp.Before(*query.Since) {
			continue
		}
		filtered = append(filtered, entry)
	}
	if query.Limit > 0 && len(filtered) > query.Limit {
		filtered = filtered[len(filtered)-query.Limit:]
	}
	return filtered
}
