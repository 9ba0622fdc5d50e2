package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"projwatch/internal/logging"
)

const wsReadBufferSize = 1024
const wsWriteBufferSize = 1024
const wsWriteTimeout = 10 * time.Second

type wsStreamConfig[T any] struct {
	Conn         *websocket.Conn
	Output       <-chan T
	BuildPayload func(T) (any, bool)
	WriteTimeout time.Duration
}

type wsError struct {
	Status    int
	CloseCode int
	Message   string
	Err       error
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// serveWSStream writes payloads from config.Output until the client goes
// away or the channel closes. Reads are drained so close frames are seen.
func serveWSStream[T any](config wsStreamConfig[T]) {
	conn := config.Conn
	defer conn.Close()

	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	buildPayload := config.BuildPayload
	if buildPayload == nil {
		buildPayload = func(value T) (any, bool) {
			return value, true
		}
	}

	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(done)
		})
	}
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case value, ok := <-config.Output:
			if !ok {
				deadline := time.Now().Add(writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"), deadline)
				return
			}
			payload, ok := buildPayload(value)
			if !ok {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// writeWSError answers a request that never became a websocket.
func writeWSError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, wsErr wsError) {
	status := wsErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	reason := strings.TrimSpace(wsErr.Message)
	if reason == "" {
		reason = http.StatusText(status)
	}
	wsErr.Status = status
	wsErr.Message = reason
	logWSError(logger, r, wsErr)
	http.Error(w, reason, status)
}

func logWSError(logger *logging.Logger, r *http.Request, wsErr wsError) {
	if logger == nil || r == nil {
		return
	}
	closeCode := wsErr.CloseCode
	if closeCode == 0 {
		closeCode = closeCodeForStatus(wsErr.Status)
	}
	fields := map[string]string{
		"projwatch.category": "api",
		"path":               r.URL.Path,
		"status":             strconv.Itoa(wsErr.Status),
		"close_code":         strconv.Itoa(closeCode),
		"message":            wsErr.Message,
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if wsErr.Err != nil {
		fields["error"] = wsErr.Err.Error()
	}
	if wsErr.Status >= http.StatusInternalServerError {
		logger.Error("websocket error", fields)
	} else {
		logger.Warn("websocket error", fields)
	}
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return websocket.ClosePolicyViolation
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}
