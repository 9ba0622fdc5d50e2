package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"projwatch/internal/logging"
)

type apiError struct {
	Status  int
	Message string
	Code    string
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

const (
	cacheControlNoStore = "no-store, must-revalidate"
	cacheControlNoCache = "no-cache"
)

func setSecurityHeaders(w http.ResponseWriter, cacheControl string) {
	headers := w.Header()
	headers.Set("X-Content-Type-Options", "nosniff")
	if cacheControl != "" {
		headers.Set("Cache-Control", cacheControl)
	}
}

func securityHeadersMiddleware(cacheControl string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, cacheControl)
		next.ServeHTTP(w, r)
	})
}

func authMiddleware(token string, next apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) *apiError {
		if !validateToken(r, token) {
			return &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"}
		}
		return next(w, r)
	}
}

func jsonErrorMiddleware(next apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := next(w, r); err != nil {
			writeJSONError(w, err)
		}
	}
}

func loggingMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger != nil {
			logger.Debug("api request", map[string]string{
				"projwatch.category": "api",
				"method":             r.Method,
				"path":               r.URL.Path,
			})
		}
		next.ServeHTTP(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, allow string) *apiError {
	w.Header().Set("Allow", allow)
	return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
}

func restHandler(token string, handler apiHandler) http.Handler {
	return securityHeadersMiddleware(cacheControlNoStore, jsonErrorMiddleware(authMiddleware(token, handler)))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, err *apiError) {
	if err == nil {
		return
	}
	code := err.Code
	if code == "" {
		code = errorCodeForStatus(err.Status)
	}
	writeJSON(w, err.Status, errorResponse{Error: err.Message, Code: code})
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

// validateToken accepts a bearer header or a token query parameter. An empty
// token disables the check.
func validateToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	if queryToken := r.URL.Query().Get("token"); queryToken != "" {
		return queryToken == token
	}
	return false
}

// isOriginAllowed matches the Origin header against allowed origins or bare
// hosts. With no list configured only same-host origins pass.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(originHost, hostOnly(r.Host))
}

func hostOnly(hostport string) string {
	if strings.HasPrefix(hostport, "[") {
		if end := strings.Index(hostport, "]"); end > 0 {
			return hostport[1:end]
		}
		return hostport
	}
	if index := strings.LastIndex(hostport, ":"); index >= 0 {
		return hostport[:index]
	}
	return hostport
}
