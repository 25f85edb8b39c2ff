package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chorusdev/chorus/internal/task"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

// taskView is the wire shape of a task. Unset times are omitted.
type taskView struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status"`
	AgentStatus       string     `json:"agentStatus"`
	SessionID         string     `json:"sessionId,omitempty"`
	AgentSessionID    string     `json:"agentSessionId,omitempty"`
	StackName         string     `json:"stackName,omitempty"`
	StackID           string     `json:"stackId,omitempty"`
	PermissionPrompt  string     `json:"permissionPrompt,omitempty"`
	RestartCount      int        `json:"restartCount"`
	ContinuationCount int        `json:"continuationCount"`
	LastOutputSummary string     `json:"lastOutputSummary,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

func newTaskView(t *task.Task) taskView {
	v := taskView{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            string(t.Status),
		AgentStatus:       string(t.AgentStatus),
		SessionID:         t.SessionID,
		AgentSessionID:    t.AgentSessionID,
		StackName:         t.StackName,
		StackID:           t.StackID,
		PermissionPrompt:  t.PermissionPrompt,
		RestartCount:      t.RestartCount,
		ContinuationCount: t.ContinuationCount,
		LastOutputSummary: t.LastOutputSummary,
		FailureReason:     t.FailureReason,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		v.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		v.CompletedAt = &completed
	}
	return v
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.Stats == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "stats are not available")
		return
	}
	stats, err := s.cfg.Stats(r.Context())
	if err != nil {
		webLog.Error("stats_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTasks lists tasks, optionally filtered by ?status=running,waiting.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.Tasks == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "task store is not available")
		return
	}

	var statuses []task.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := task.Status(strings.TrimSpace(part))
			if !st.Valid() {
				writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+string(st))
				return
			}
			statuses = append(statuses, st)
		}
	}

	tasks, err := s.cfg.Tasks.ListTasks(r.Context(), statuses...)
	if err != nil {
		webLog.Error("list_tasks_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list tasks")
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.Tasks == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "task store is not available")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" || strings.Contains(id, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "task id is required")
		return
	}

	t, err := s.cfg.Tasks.GetTask(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
		return
	}
	if err != nil {
		webLog.Error("get_task_failed", slog.String("task", id), slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(t))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
