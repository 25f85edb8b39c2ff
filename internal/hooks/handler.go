package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chorusdev/chorus/internal/events"
	"github.com/chorusdev/chorus/internal/stack"
	"github.com/chorusdev/chorus/internal/task"
)

// ErrNoTask means a hook could not be matched to any task. Hooks from
// agents chorus does not manage end here.
var ErrNoTask = errors.New("no task for hook")

// Store is the slice of the task store the handler needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)
	FindByAgentSessionID(ctx context.Context, agentSessionID string) (*task.Task, error)
	FindUnmappedRunning(ctx context.Context) (*task.Task, error)
}

// Handler applies hook callbacks to tasks. Every callback is idempotent
// with respect to the stream monitor: applying the same observation twice
// changes nothing the second time.
type Handler struct {
	store  Store
	stack  stack.Hooks
	notify func(*task.Task)
}

// NewHandler returns a Handler. A nil stack disables the stacking hooks.
func NewHandler(store Store, hooks stack.Hooks) *Handler {
	if hooks == nil {
		hooks = stack.Disabled{}
	}
	return &Handler{store: store, stack: hooks}
}

// OnChange registers fn to be called after each state change.
func (h *Handler) OnChange(fn func(*task.Task)) { h.notify = fn }

// Dispatch routes one spooled payload to its callback. Unknown events
// are ignored.
func (h *Handler) Dispatch(ctx context.Context, env *Envelope, p *Payload) error {
	taskID := ""
	if env != nil {
		taskID = env.TaskID
	}
	var err error
	switch p.HookEventName {
	case EventSessionStart:
		err = h.OnSessionStart(ctx, taskID, p)
	case EventUserPromptSubmit:
		err = h.OnUserPromptSubmit(ctx, taskID, p)
	case EventStop:
		err = h.OnStop(ctx, taskID, p)
	case EventPermissionRequest:
		err = h.OnPermissionRequest(ctx, taskID, p)
	case EventNotification:
		err = h.OnNotification(ctx, taskID, p)
	case EventSessionEnd:
		err = h.OnSessionEnd(ctx, taskID, p)
	case EventPostToolUse:
		err = h.OnPostToolUse(ctx, taskID, p)
	default:
		hookLog.Debug("hook_event_ignored", slog.String("event", p.HookEventName))
		return nil
	}
	if errors.Is(err, ErrNoTask) {
		hookLog.Debug("hook_unmatched",
			slog.String("event", p.HookEventName),
			slog.String("session", p.SessionID),
		)
		return nil
	}
	return err
}

// OnSessionStart maps the agent's session id to the task and marks the
// agent idle. A session start resolves any pending confirmation.
func (h *Handler) OnSessionStart(ctx context.Context, taskID string, p *Payload) error {
	t, err := h.resolve(ctx, taskID, p.SessionID, true)
	if err != nil {
		return err
	}
	return h.apply(ctx, t.ID, p.HookEventName, func(t *task.Task) bool {
		set := false
		if p.SessionID != "" && t.AgentSessionID != p.SessionID {
			t.AgentSessionID = p.SessionID
			set = true
		}
		return task.ApplyObservedAgentStatus(t, task.AgentIdle).Any() || set
	})
}

// OnUserPromptSubmit marks the agent busy.
func (h *Handler) OnUserPromptSubmit(ctx context.Context, taskID string, p *Payload) error {
	t, err := h.resolve(ctx, taskID, p.SessionID, false)
	if err != nil {
		return err
	}
	return h.apply(ctx, t.ID, p.HookEventName, observe(task.AgentBusy))
}

// OnStop marks the agent idle after a response and runs the stacking
// tool's stop hook.
func (h *Handler) OnStop(ctx context.Context, taskID string, p *Payload) error {
	t, err := h.resolve(ctx, taskID, p.SessionID, false)
	if err != nil {
		return err
	}
	if err := h.apply(ctx, t.ID, p.HookEventName, observe(task.AgentIdle)); err != nil {
		return err
	}
	if !h.stack.StopHook(ctx, t.ID, p.TranscriptPath) {
		hookLog.Warn("stack_stop_hook_failed", slog.String("task", t.ID))
	}
	return nil
}

// OnPermissionRequest moves the task to waiting.
func (h *Handler) OnPermissionRequest(ctx context.Context, taskID string, p *Payload) error {
	t, err := h.resolve(ctx, taskID, p.SessionID, false)
	if err != nil {
		return err
	}
	prompt := permissionPrompt(p)
	return h.apply(ctx, t.ID, p.HookEventName, func(t *task.Task) bool {
		return task.MarkWaitingForPermission(t, prompt).Any()
	})
}

// OnNotification handles the agent's notifications. Permission prompts
// move the task to waiting; anything else means the agent sits idle at
// its prompt, unless it is already waiting on a confirmation.
func (h *Handler) OnNotification(ctx context.Context, taskID string, p *Payload) error {
	t, err := h.resolve(ctx, taskID, p.SessionID, false)
	if err != nil {
		return err
	}
	if p.NotificationType == "permission_prompt" || p.NotificationType == "elicitation_dialog" {
		prompt := permissionPrompt(p)
		return h.apply(ctx, t.ID, p.HookEventName, func(t *task.Task) bool {
			return task.MarkWaitingForPermission(t, prompt).Any()
		})
	}
	return h.apply(ctx, t.ID, p.HookEventName, func(t *task.Task) bool {
		if t.AgentStatus == task.AgentWaiting {
			return false
		}
		return task.ApplyObservedAgentStatus(t, task.AgentIdle).Any()
	})
}

// OnSessionEnd clears the session mapping and marks the agent stopped.
func (h *Handler) OnSessionEnd(ctx context.Context, taskID string, p *Payload) error {
	t, err := h.resolve(ctx, taskID, p.SessionID, false)
	if err != nil {
		return err
	}
	return h.apply(ctx, t.ID, p.HookEventName, func(t *task.Task) bool {
		changed := t.AgentSessionID != ""
		t.AgentSessionID = ""
		return task.ApplyObservedAgentStatus(t, task.AgentStopped).Any() || changed
	})
}

// OnPostToolUse commits file edits to the task's stack. A payload
// without a tool name is committed as well: losing an edit is worse than
// an empty commit attempt.
func (h *Handler) OnPostToolUse(ctx context.Context, taskID string, p *Payload) error {
	if p.ToolName != "" && !events.IsEditTool(p.ToolName) {
		return nil
	}
	t, err := h.resolve(ctx, taskID, p.SessionID, false)
	if err != nil {
		return err
	}
	if !t.IsActive() {
		return nil
	}
	file := p.FilePath()
	if file != "" && !h.stack.PostEditHook(ctx, t.ID, file, p.TranscriptPath, p.ToolName) {
		hookLog.Warn("stack_post_edit_failed", slog.String("task", t.ID), slog.String("file", file))
	}

	name := t.StackName
	if name == "" {
		if file == "" {
			return nil
		}
		st, err := h.stack.DiscoverStack(ctx, t.ID, file)
		if err != nil {
			hookLog.Warn("stack_discover_failed", slog.String("task", t.ID), slog.String("error", err.Error()))
			return nil
		}
		if st == nil {
			return nil
		}
		name = st.Name
		if err := h.apply(ctx, t.ID, p.HookEventName, func(t *task.Task) bool {
			if t.StackName != "" {
				return false
			}
			t.StackName, t.StackID = st.Name, st.CLIID
			return true
		}); err != nil {
			return err
		}
	}

	commit, err := h.stack.CommitToStack(ctx, name)
	if err != nil {
		hookLog.Warn("stack_commit_failed", slog.String("task", t.ID), slog.String("stack", name), slog.String("error", err.Error()))
		return nil
	}
	if commit != nil {
		hookLog.Info("stack_committed", slog.String("task", t.ID), slog.String("stack", name), slog.String("commit", commit.ID))
	}
	return nil
}

// resolve finds the task a hook belongs to: by the id chorus exported
// into the agent's environment, then by the agent session id and, for a
// session start only, the newest running task with no session mapped.
func (h *Handler) resolve(ctx context.Context, taskID, agentSessionID string, fallback bool) (*task.Task, error) {
	if taskID != "" {
		t, err := h.store.GetTask(ctx, taskID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
	}
	if agentSessionID != "" {
		t, err := h.store.FindByAgentSessionID(ctx, agentSessionID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
	}
	if fallback {
		t, err := h.store.FindUnmappedRunning(ctx)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("session %q: %w", agentSessionID, ErrNoTask)
}

func (h *Handler) apply(ctx context.Context, id, event string, fn func(*task.Task) bool) error {
	changed := false
	t, err := h.store.UpdateTask(ctx, id, func(t *task.Task) error {
		if !t.IsActive() {
			return task.ErrNoChange
		}
		if !fn(t) {
			return task.ErrNoChange
		}
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return fmt.Errorf("task %s: %w", id, ErrNoTask)
		}
		return fmt.Errorf("apply %s: %w", event, err)
	}
	if changed {
		hookLog.Debug("hook_applied",
			slog.String("task", id),
			slog.String("event", event),
			slog.String("status", string(t.Status)),
			slog.String("agent_status", string(t.AgentStatus)),
		)
		if h.notify != nil {
			h.notify(t.Clone())
		}
	}
	return nil
}

func observe(s task.AgentStatus) func(*task.Task) bool {
	return func(t *task.Task) bool {
		return task.ApplyObservedAgentStatus(t, s).Any()
	}
}

func permissionPrompt(p *Payload) string {
	switch {
	case p.Message != "":
		return p.Message
	case p.ToolName != "":
		return "Permission requested for " + p.ToolName
	default:
		return events.DefaultPermissionPrompt
	}
}
