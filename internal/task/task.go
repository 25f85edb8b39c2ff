// Package task defines the orchestrated unit of work and its lifecycle rules.
package task

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status is the externally visible lifecycle of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AgentStatus is what chorus last observed the agent process doing.
type AgentStatus string

const (
	AgentStopped  AgentStatus = "stopped"
	AgentStarting AgentStatus = "starting"
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentWaiting  AgentStatus = "waiting"
)

// ActiveStatuses are the statuses watched by the monitor and the poller.
var ActiveStatuses = []Status{StatusRunning, StatusWaiting}

// DefaultSummaryBytes bounds LastOutputSummary when no limit is configured.
const DefaultSummaryBytes = 10 * 1024

// Task is one unit of orchestrated agent work. Empty strings stand for
// unset optional fields.
type Task struct {
	ID          string
	Title       string
	Description string

	Status      Status
	AgentStatus AgentStatus

	// SessionID names the tmux session bound to the task. It is set on
	// create and cleared on kill.
	SessionID string

	// AgentSessionID is the resume token issued by the agent itself.
	AgentSessionID string

	StackID   string
	StackName string

	PermissionPrompt string

	RestartCount      int
	ContinuationCount int

	LastOutputSummary string
	FailureReason     string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// New returns a pending task with a fresh id.
func New(title, description string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(title),
		Description: description,
		Status:      StatusPending,
		AgentStatus: AgentStopped,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a copy safe to mutate independently.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// IsActive reports whether the task is running or waiting.
func (t *Task) IsActive() bool {
	return t.Status == StatusRunning || t.Status == StatusWaiting
}

// IsTerminal reports whether the task reached completed or failed.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaiting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether a is a known agent status.
func (a AgentStatus) Valid() bool {
	switch a {
	case AgentStopped, AgentStarting, AgentIdle, AgentBusy, AgentWaiting:
		return true
	}
	return false
}

// ShortID is the first eight characters of the id, for display.
func (t *Task) ShortID() string {
	if len(t.ID) <= 8 {
		return t.ID
	}
	return t.ID[:8]
}

// AppendSummary adds a line to LastOutputSummary and trims the oldest
// lines so the summary stays within limit bytes.
func (t *Task) AppendSummary(line string, limit int) {
	if limit <= 0 {
		limit = DefaultSummaryBytes
	}
	line = strings.TrimRight(line, "\n")
	if line == "" {
		return
	}
	s := t.LastOutputSummary
	if s != "" {
		s += "\n"
	}
	s += line
	if len(s) > limit {
		s = s[len(s)-limit:]
		for len(s) > 0 && !utf8.RuneStart(s[0]) {
			s = s[1:]
		}
		// Drop the partial first line unless the tail is a single line.
		if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
			s = s[i+1:]
		}
	}
	t.LastOutputSummary = s
}
