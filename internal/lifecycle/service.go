// Package lifecycle implements the operator actions on a task: create,
// start, talk to, restart, resume and finish. Everything the agent does on
// its own is folded in by the monitor, the poller and the hook handler.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/stack"
	"github.com/chorusdev/chorus/internal/task"
	"github.com/chorusdev/chorus/internal/tmux"
)

var taskLog = logging.ForComponent(logging.CompTask)

var (
	// ErrSessionGone means an action needed the task's tmux session and it
	// no longer exists. The agent most likely crashed; Continue recovers.
	ErrSessionGone = errors.New("task session is gone")

	// ErrAgentNotIdle means input was sent while the agent was working.
	ErrAgentNotIdle = errors.New("agent is not idle")

	// ErrNotWaiting means Respond was called with no pending confirmation.
	ErrNotWaiting = errors.New("task is not waiting for permission")

	// ErrNotActive means the action needs a running or waiting task.
	ErrNotActive = errors.New("task is not running")

	// ErrTaskActive means Delete was called on a running or waiting task.
	ErrTaskActive = errors.New("task is still running")
)

// DefaultStreamPrompt starts a stream-json agent when the operator gave no
// prompt; that mode cannot launch without one.
const DefaultStreamPrompt = "Begin working on the task described in your system prompt."

// Store is the slice of the task store the service needs.
type Store interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Sessions is the slice of the tmux manager the service needs.
type Sessions interface {
	CreateSession(ctx context.Context, taskID string) (string, error)
	SessionExists(ctx context.Context, taskID string) (bool, error)
	SessionName(taskID string) string
	StartAgent(ctx context.Context, taskID string, opts tmux.LaunchOptions) error
	RestartAgent(ctx context.Context, taskID string, opts tmux.LaunchOptions) error
	SendInput(ctx context.Context, taskID, text string, withNewline bool) error
	CaptureOutput(ctx context.Context, taskID string, opts tmux.CaptureOptions) (string, error)
	KillSession(ctx context.Context, taskID string) error
}

// Stacks creates and deletes named stacks. Nil when stacking is disabled.
type Stacks interface {
	CreateStack(ctx context.Context, name string) (*stack.Stack, error)
	DeleteStack(ctx context.Context, name string) error
}

// Config tunes a Service.
type Config struct {
	// ContextDir holds one task-<id> directory per started task.
	ContextDir string

	Mode tmux.AgentMode
}

// Service performs task lifecycle actions.
type Service struct {
	cfg      Config
	store    Store
	sessions Sessions
	hooks    stack.Hooks
	stacks   Stacks
	notify   func(*task.Task)
}

// New returns a Service. hooks and stacks may be nil.
func New(cfg Config, store Store, sessions Sessions, hooks stack.Hooks, stacks Stacks) *Service {
	if hooks == nil {
		hooks = stack.Disabled{}
	}
	return &Service{cfg: cfg, store: store, sessions: sessions, hooks: hooks, stacks: stacks}
}

// OnChange registers fn to be called after each state change.
func (s *Service) OnChange(fn func(*task.Task)) { s.notify = fn }

func (s *Service) changed(t *task.Task) {
	if s.notify != nil && t != nil {
		s.notify(t.Clone())
	}
}

// Create stores a new pending task.
func (s *Service) Create(ctx context.Context, title, description string) (*task.Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errors.New("task title is required")
	}
	t := task.New(title, description)
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, task.Service("create task", err)
	}
	taskLog.Info("task_created", slog.String("task", t.ID), slog.String("title", t.Title))
	s.changed(t)
	return t, nil
}

// StartOptions are the optional parts of Start.
type StartOptions struct {
	// Prompt is written into the context payload and, in stream-json
	// mode, passed as the first message.
	Prompt string

	// Stack creates a stack up front instead of letting discovery find one
	// after the first edit. An existing stack of that name is reused.
	Stack string
}

// Start launches the agent for a pending task: a tmux session is created,
// the context payload written and the agent started. The task is marked
// running before the launch so early hooks find it active.
func (s *Service) Start(ctx context.Context, id string, opts StartOptions) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending {
		return nil, &task.TransitionError{From: t.Status, To: task.StatusRunning}
	}

	stackName := ""
	if opts.Stack != "" {
		if s.stacks == nil {
			return nil, errors.New("stacking is disabled")
		}
		st, err := s.stacks.CreateStack(ctx, opts.Stack)
		switch {
		case errors.Is(err, stack.ErrStackAlreadyExists):
			stackName = opts.Stack
		case err != nil:
			return nil, task.Service("create stack", err)
		default:
			stackName = st.Name
		}
	}

	name, err := s.sessions.CreateSession(ctx, id)
	if errors.Is(err, tmux.ErrSessionAlreadyExists) {
		// Left over from an earlier failed start.
		name = s.sessions.SessionName(id)
	} else if err != nil {
		return nil, task.Service("create session", err)
	}

	contextFile, err := WriteContext(s.cfg.ContextDir, t, opts.Prompt)
	if err != nil {
		s.killQuietly(ctx, id)
		return nil, task.Service("start task", err)
	}

	t, err = s.store.UpdateTask(ctx, id, func(t *task.Task) error {
		if err := t.Transition(task.StatusRunning); err != nil {
			return err
		}
		t.SessionID = name
		t.AgentStatus = task.AgentStarting
		if stackName != "" {
			t.StackName = stackName
		}
		return nil
	})
	if err != nil {
		s.killQuietly(ctx, id)
		return nil, err
	}
	s.changed(t)

	launch := tmux.LaunchOptions{ContextFile: contextFile, InitialPrompt: s.initialPrompt(opts.Prompt)}
	if err := s.sessions.StartAgent(ctx, id, launch); err != nil {
		reason := "agent launch failed: " + err.Error()
		if _, ferr := s.Fail(ctx, id, FailOptions{Reason: reason}); ferr != nil {
			taskLog.Warn("start_rollback_failed", slog.String("task", id), slog.String("error", ferr.Error()))
		}
		return nil, task.Service("start agent", err)
	}
	taskLog.Info("task_started",
		slog.String("task", id),
		slog.String("session", name),
		slog.String("stack", stackName),
	)
	return t, nil
}

func (s *Service) initialPrompt(prompt string) string {
	if s.cfg.Mode == tmux.ModeStreamJSON && strings.TrimSpace(prompt) == "" {
		return DefaultStreamPrompt
	}
	if s.cfg.Mode == tmux.ModeStreamJSON {
		return prompt
	}
	// Interactive agents read the prompt from the context payload.
	return ""
}

// Restart interrupts the agent and launches a fresh one in the same
// session. The new agent reports its own session id on start.
func (s *Service) Restart(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.active(ctx, id)
	if err != nil {
		return nil, err
	}
	launch := tmux.LaunchOptions{
		ContextFile:   contextFileFor(s.cfg.ContextDir, id),
		InitialPrompt: s.initialPrompt(""),
	}
	if err := s.sessions.RestartAgent(ctx, t.ID, launch); err != nil {
		return nil, actionErr("restart agent", err)
	}
	t, err = s.store.UpdateTask(ctx, id, func(t *task.Task) error {
		t.AgentStatus = task.AgentStarting
		t.AgentSessionID = ""
		t.RestartCount++
		t.UpdatedAt = time.Now().UTC()
		t.PermissionPrompt = ""
		if t.Status == task.StatusWaiting {
			return t.Transition(task.StatusRunning)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	taskLog.Info("agent_restart_requested", slog.String("task", id), slog.Int("restarts", t.RestartCount))
	s.changed(t)
	return t, nil
}

// Continue resumes the agent's conversation with a new prompt. It is also
// the recovery path after a crash: a missing session is recreated and an
// agent still running in the session is interrupted first.
func (s *Service) Continue(ctx context.Context, id, prompt string) (*task.Task, error) {
	t, err := s.active(ctx, id)
	if err != nil {
		return nil, err
	}
	launch := tmux.LaunchOptions{
		ContextFile:   contextFileFor(s.cfg.ContextDir, id),
		InitialPrompt: prompt,
		ResumeToken:   t.AgentSessionID,
	}
	if s.cfg.Mode == tmux.ModeStreamJSON && strings.TrimSpace(prompt) == "" {
		launch.InitialPrompt = "Continue."
	}

	exists, err := s.sessions.SessionExists(ctx, id)
	if err != nil {
		return nil, task.Service("continue task", err)
	}
	name := t.SessionID
	switch {
	case !exists:
		name, err = s.sessions.CreateSession(ctx, id)
		if err != nil {
			return nil, task.Service("recreate session", err)
		}
		if launch.ContextFile == "" {
			if launch.ContextFile, err = WriteContext(s.cfg.ContextDir, t, ""); err != nil {
				return nil, task.Service("continue task", err)
			}
		}
		err = s.sessions.StartAgent(ctx, id, launch)
	case t.AgentStatus == task.AgentStopped:
		err = s.sessions.StartAgent(ctx, id, launch)
	default:
		err = s.sessions.RestartAgent(ctx, id, launch)
	}
	if err != nil {
		return nil, actionErr("continue task", err)
	}

	t, err = s.store.UpdateTask(ctx, id, func(t *task.Task) error {
		t.SessionID = name
		t.AgentStatus = task.AgentStarting
		t.ContinuationCount++
		t.UpdatedAt = time.Now().UTC()
		t.PermissionPrompt = ""
		if t.Status == task.StatusWaiting {
			return t.Transition(task.StatusRunning)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	taskLog.Info("task_continued",
		slog.String("task", id),
		slog.Bool("resume", launch.ResumeToken != ""),
		slog.Bool("recreated", !exists),
	)
	s.changed(t)
	return t, nil
}

// Send types a message to the agent. The agent must be idle.
func (s *Service) Send(ctx context.Context, id, text string) error {
	t, err := s.active(ctx, id)
	if err != nil {
		return err
	}
	if t.AgentStatus != task.AgentIdle {
		return fmt.Errorf("%w: agent is %s", ErrAgentNotIdle, t.AgentStatus)
	}
	if err := s.sessions.SendInput(ctx, id, text, true); err != nil {
		return actionErr("send input", err)
	}
	taskLog.Info("message_sent", slog.String("task", id), slog.Int("bytes", len(text)))
	return nil
}

// Respond answers a pending confirmation with y or n. Only the prompt is
// cleared here; the task returns to running once the agent is seen
// working again.
func (s *Service) Respond(ctx context.Context, id string, approve bool) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusWaiting {
		return nil, fmt.Errorf("%w: task is %s", ErrNotWaiting, t.Status)
	}
	answer := "n"
	if approve {
		answer = "y"
	}
	if err := s.sessions.SendInput(ctx, id, answer, true); err != nil {
		return nil, actionErr("respond", err)
	}
	t, err = s.store.UpdateTask(ctx, id, func(t *task.Task) error {
		if t.PermissionPrompt == "" {
			return task.ErrNoChange
		}
		t.PermissionPrompt = ""
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	taskLog.Info("permission_answered", slog.String("task", id), slog.Bool("approved", approve))
	s.changed(t)
	return t, nil
}

// Output returns the last lines of the task's terminal.
func (s *Service) Output(ctx context.Context, id string, lines int) (string, error) {
	if _, err := s.active(ctx, id); err != nil {
		return "", err
	}
	out, err := s.sessions.CaptureOutput(ctx, id, tmux.CaptureOptions{Lines: lines})
	if err != nil {
		return "", actionErr("capture output", err)
	}
	return out, nil
}

// Complete finishes a running or waiting task. The session is killed and
// the stack kept with its commits.
func (s *Service) Complete(ctx context.Context, id string) (*task.Task, error) {
	return s.finish(ctx, id, task.StatusCompleted, FailOptions{})
}

// FailOptions are the optional parts of Fail.
type FailOptions struct {
	Reason string

	// DeleteStack removes the task's stack and its commits.
	DeleteStack bool
}

// Fail finishes a task as failed. Pending tasks can fail too.
func (s *Service) Fail(ctx context.Context, id string, opts FailOptions) (*task.Task, error) {
	return s.finish(ctx, id, task.StatusFailed, opts)
}

func (s *Service) finish(ctx context.Context, id string, to task.Status, opts FailOptions) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.CanTransition(t.Status, to) {
		return nil, &task.TransitionError{From: t.Status, To: to}
	}

	if t.SessionID != "" || t.IsActive() {
		if err := s.sessions.KillSession(ctx, id); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
			return nil, task.Service("kill session", err)
		}
	}
	if t.IsActive() && !s.hooks.StopHook(ctx, id, TranscriptPath(s.cfg.ContextDir, id)) {
		taskLog.Warn("stack_stop_hook_failed", slog.String("task", id))
	}
	if err := RemoveContext(s.cfg.ContextDir, id); err != nil {
		taskLog.Warn("context_cleanup_failed", slog.String("task", id), slog.String("error", err.Error()))
	}

	dropStack := false
	if to == task.StatusFailed && opts.DeleteStack && t.StackName != "" && s.stacks != nil {
		if err := s.stacks.DeleteStack(ctx, t.StackName); err != nil {
			taskLog.Warn("stack_delete_failed", slog.String("task", id), slog.String("stack", t.StackName), slog.String("error", err.Error()))
		} else {
			dropStack = true
		}
	}

	t, err = s.store.UpdateTask(ctx, id, func(t *task.Task) error {
		if err := t.Transition(to); err != nil {
			return err
		}
		if to == task.StatusFailed {
			t.FailureReason = opts.Reason
		}
		if dropStack {
			t.StackName, t.StackID = "", ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	taskLog.Info("task_finished",
		slog.String("task", id),
		slog.String("status", string(to)),
		slog.String("reason", opts.Reason),
	)
	s.changed(t)
	return t, nil
}

// Delete removes a task that is not running.
func (s *Service) Delete(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.IsActive() {
		return fmt.Errorf("%w: complete or fail it first", ErrTaskActive)
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	taskLog.Info("task_deleted", slog.String("task", id))
	return nil
}

func (s *Service) active(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsActive() {
		return nil, fmt.Errorf("%w: task is %s", ErrNotActive, t.Status)
	}
	return t, nil
}

func (s *Service) killQuietly(ctx context.Context, id string) {
	if err := s.sessions.KillSession(ctx, id); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		taskLog.Warn("session_cleanup_failed", slog.String("task", id), slog.String("error", err.Error()))
	}
}

// actionErr wraps a failed action. A vanished session becomes
// ErrSessionGone so callers can offer Continue.
func actionErr(op string, err error) error {
	if errors.Is(err, tmux.ErrSessionNotFound) {
		return fmt.Errorf("%s: %w: %w", op, ErrSessionGone, err)
	}
	return task.Service(op, err)
}
