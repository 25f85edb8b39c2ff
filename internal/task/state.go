package task

import "time"

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusWaiting, StatusCompleted, StatusFailed},
	StatusWaiting: {StatusRunning, StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the task to status to. Entering completed or failed
// stops the agent and clears the session bindings; the caller is expected
// to have killed the tmux session already.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{From: t.Status, To: to}
	}
	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusRunning:
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
	case StatusCompleted, StatusFailed:
		t.CompletedAt = now
		t.AgentStatus = AgentStopped
		t.SessionID = ""
		t.AgentSessionID = ""
		t.PermissionPrompt = ""
	}
	return nil
}

// Change reports which fields ApplyObservedAgentStatus touched.
type Change struct {
	AgentStatus bool
	Status      bool
}

// Any reports whether anything changed.
func (c Change) Any() bool { return c.AgentStatus || c.Status }

// ApplyObservedAgentStatus folds an agent state reported by the agent
// itself (a stream event or a hook) into the task. Together with
// ApplyPolledAgentStatus it is the only place where agent status drives
// task status:
//   - observing waiting moves the task to waiting;
//   - observing idle, busy or starting while waiting resolves the pending
//     confirmation and moves the task back to running.
//
// Tasks that are not running or waiting are left untouched.
func ApplyObservedAgentStatus(t *Task, observed AgentStatus) Change {
	return apply(t, observed, true)
}

// ApplyPolledAgentStatus folds a status inferred from terminal output.
// Busy is only the poller's fallback when no pattern matched, so it does
// not resolve a pending confirmation; idle still does.
func ApplyPolledAgentStatus(t *Task, observed AgentStatus) Change {
	return apply(t, observed, false)
}

func apply(t *Task, observed AgentStatus, busyResolves bool) Change {
	var ch Change
	if !t.IsActive() {
		return ch
	}
	if t.AgentStatus != observed {
		t.AgentStatus = observed
		ch.AgentStatus = true
	}
	resolves := false
	switch observed {
	case AgentWaiting:
		if t.Status != StatusWaiting {
			t.Status = StatusWaiting
			ch.Status = true
		}
	case AgentIdle, AgentStarting:
		resolves = true
	case AgentBusy:
		resolves = busyResolves
	}
	if resolves && t.Status == StatusWaiting {
		t.Status = StatusRunning
		t.PermissionPrompt = ""
		ch.Status = true
	}
	if ch.Any() {
		t.UpdatedAt = time.Now().UTC()
	}
	return ch
}

// MarkWaitingForPermission records a confirmation prompt and moves the
// task to waiting.
func MarkWaitingForPermission(t *Task, prompt string) Change {
	ch := ApplyObservedAgentStatus(t, AgentWaiting)
	if t.IsActive() && prompt != "" && t.PermissionPrompt != prompt {
		t.PermissionPrompt = prompt
		ch.Status = true
	}
	return ch
}
