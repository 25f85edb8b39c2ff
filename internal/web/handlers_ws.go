package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorusdev/chorus/internal/task"
)

const wsWriteTimeout = 10 * time.Second

type wsClientMessage struct {
	Type string `json:"type"`
}

type wsServerMessage struct {
	Type    string    `json:"type"` // status, task, error
	Event   string    `json:"event,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Task    *taskView `json:"task,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serialises writes; gorilla connections allow one writer.
type wsConnWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func taskMessage(t *task.Task) wsServerMessage {
	v := newTaskView(t)
	return wsServerMessage{Type: "task", Task: &v, Time: time.Now().UTC()}
}

// handleTasksWS pushes every active task on connect and then each task
// change. Clients may send {"type":"ping"}.
func (s *Server) handleTasksWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.Feed == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "task feed is not available")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := &wsConnWriter{conn: conn}

	changes, cancel := s.cfg.Feed.Subscribe()
	defer cancel()

	_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "connected", Time: time.Now().UTC()})
	if s.cfg.Tasks != nil {
		active, err := s.cfg.Tasks.ListTasks(r.Context(), task.ActiveStatuses...)
		if err != nil {
			webLog.Error("ws_snapshot_failed", slog.String("error", err.Error()))
		}
		for _, t := range active {
			if err := writer.WriteJSON(taskMessage(t)); err != nil {
				return
			}
		}
	}
	_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "ready", Time: time.Now().UTC()})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readWSLoop(conn, writer)
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-done:
			return
		case t, ok := <-changes:
			if !ok {
				return
			}
			if err := writer.WriteJSON(taskMessage(t)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readWSLoop(conn *websocket.Conn, writer *wsConnWriter) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "INVALID_MESSAGE",
				Message: "invalid json payload",
				Time:    time.Now().UTC(),
			})
			continue
		}
		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "pong", Time: time.Now().UTC()})
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "UNSUPPORTED_MESSAGE",
				Message: "unsupported message type",
				Time:    time.Now().UTC(),
			})
		}
	}
}
