// Package api serves the projwatch REST endpoints and the websocket signal
// stream.
package api

import (
	"net/http"

	"projwatch/internal/event"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
	"projwatch/internal/watcher"
)

type RouteOptions struct {
	Watcher        WatchService
	Signals        *event.Bus[watcher.Signal]
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
}

func RegisterRoutes(mux *http.ServeMux, options RouteOptions) {
	logger := options.Logger
	rest := &RestHandler{
		Watcher: options.Watcher,
		Signals: options.Signals,
		Logger:  logger,
		Metrics: options.Metrics,
	}
	token := options.AuthToken
	wrap := func(handler http.Handler) http.Handler {
		return loggingMiddleware(logger, handler)
	}

	mux.Handle("/ws/signals", securityHeadersMiddleware(cacheControlNoStore, &SignalsHandler{
		Bus:            options.Signals,
		Logger:         logger,
		AuthToken:      token,
		AllowedOrigins: options.AllowedOrigins,
	}))

	mux.Handle("/api/projects", wrap(restHandler(token, rest.handleProjects)))
	mux.Handle("/api/watches", wrap(restHandler(token, rest.handleWatches)))
	mux.Handle("/api/status", wrap(restHandler(token, rest.handleStatus)))
	mux.Handle("/api/signals", wrap(restHandler(token, rest.handleSignals)))
	mux.Handle("/api/logs", wrap(restHandler(token, rest.handleLogs)))
	mux.Handle("/api/logs/level", wrap(restHandler(token, rest.handleLogLevel)))
	mux.Handle("/metrics", wrap(restHandler(token, rest.handleMetrics)))
	mux.Handle("/api/", securityHeadersMiddleware(cacheControlNoStore, http.NotFoundHandler()))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		setSecurityHeaders(w, cacheControlNoCache)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("projwatch ok\n"))
	})
}
