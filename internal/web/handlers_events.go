package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chorusdev/chorus/internal/task"
)

// handleTaskEvents streams task changes as server-sent events. The active
// tasks are sent first so a client starts from a full picture.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.Feed == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "task feed is not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	// Subscribe before the snapshot so no change falls between the two.
	changes, cancel := s.cfg.Feed.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.cfg.Tasks != nil {
		active, err := s.cfg.Tasks.ListTasks(r.Context(), task.ActiveStatuses...)
		if err != nil {
			webLog.Error("task_stream_snapshot_failed", slog.String("error", err.Error()))
		}
		for _, t := range active {
			if err := writeSSEEvent(w, flusher, "task", newTaskView(t)); err != nil {
				return
			}
		}
	}
	if err := writeSSEComment(w, flusher, "ready"); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case t, ok := <-changes:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, "task", newTaskView(t)); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
