package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/chorusdev/chorus/internal/events"
	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/task"
	"github.com/chorusdev/chorus/internal/tmux"
)

const offsetKeyPrefix = "monitor_offset:"

// Hook names used for failure metrics and log lines.
const (
	hookPreEdit  = "pre_edit"
	hookPostEdit = "post_edit"
	hookDiscover = "discover"
	hookCommit   = "commit"
)

// watcher follows one task's scrollback. processed counts the events
// already applied; scrollback is append-only, so everything past that
// index is new. The count belongs to one incarnation of the session: a
// session recreated under the same name starts again from zero.
type watcher struct {
	m         *Monitor
	taskID    string
	sessionID string
	instance  string
	attached  bool

	ctx    context.Context
	cancel context.CancelFunc

	processed int
	ring      *pairing
}

func newWatcher(parent context.Context, m *Monitor, t *task.Task) *watcher {
	ctx, cancel := context.WithCancel(parent)
	return &watcher{
		m:         m,
		taskID:    t.ID,
		sessionID: t.SessionID,
		ctx:       ctx,
		cancel:    cancel,
		ring:      newPairing(m.cfg.RingSize),
	}
}

func (w *watcher) stop() { w.cancel() }

func (w *watcher) run() {
	ticker := time.NewTicker(w.m.cfg.Interval)
	defer ticker.Stop()
	for {
		w.cycle(w.ctx)
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle captures, parses and applies new events once. A panic is logged
// and confined to this task.
func (w *watcher) cycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			monLog.Error("monitor_cycle_panic",
				slog.String("task", w.taskID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		w.m.metrics.ObserveCycle(time.Since(start))
	}()

	if !w.attach(ctx) {
		return
	}
	out, err := w.m.capture.CaptureOutput(ctx, w.taskID, tmux.CaptureOptions{FullHistory: true})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Aggregate(logging.CompMonitor, "capture_failed",
			slog.String("task", w.taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	evs := events.Parse(out)
	if len(evs) < w.processed {
		// Cleared or trimmed: re-read what remains. Replayed events are
		// idempotent status writes and empty commits.
		monLog.Warn("scrollback_shrank",
			slog.String("task", w.taskID),
			slog.Int("processed", w.processed),
			slog.Int("found", len(evs)),
		)
		w.restart()
	}
	fresh := evs[w.processed:]
	if len(fresh) == 0 {
		return
	}
	for _, ev := range fresh {
		if ctx.Err() != nil {
			break
		}
		w.handle(ctx, ev)
		w.processed++
	}
	w.saveOffset()
}

// handle applies one event. Each store write is its own transaction so a
// failed write does not hold back the rest of the batch.
func (w *watcher) handle(ctx context.Context, ev events.Event) {
	w.m.metrics.IncEvent(ev.Type())
	line := events.Summarize(ev, w.m.cfg.Now())

	switch e := ev.(type) {
	case events.SessionStart:
		w.update(ctx, []string{line}, func(t *task.Task) bool {
			set := false
			if e.SessionID != "" && t.AgentSessionID != e.SessionID {
				t.AgentSessionID = e.SessionID
				set = true
			}
			return task.ApplyObservedAgentStatus(t, task.AgentIdle).Any() || set
		})

	case events.ToolUse:
		w.ring.push(e)
		w.update(ctx, []string{line}, observe(task.AgentBusy))
		if events.IsEditTool(e.ToolName) && e.FilePath != "" {
			if !w.m.hooks.PreEditHook(ctx, w.taskID, e.FilePath, w.transcript(), e.ToolName) {
				w.hookFailed(hookPreEdit, e.FilePath, nil)
			}
		}

	case events.ToolResult:
		lines := []string{line}
		if use, ok := w.ring.lookup(e.ToolUseID); ok && !e.IsError && events.IsEditTool(use.ToolName) && use.FilePath != "" {
			lines = append(lines, w.afterEdit(ctx, use)...)
		}
		w.update(ctx, lines, observe(task.AgentIdle))

	case events.Result:
		w.update(ctx, []string{line}, func(t *task.Task) bool {
			set := false
			if e.SessionID != "" && t.AgentSessionID == "" {
				t.AgentSessionID = e.SessionID
				set = true
			}
			return task.ApplyObservedAgentStatus(t, task.AgentIdle).Any() || set
		})

	case events.Text, events.Assistant:
		w.update(ctx, summaryLines(line), observe(task.AgentBusy))

	case events.PermissionRequest:
		w.update(ctx, []string{line}, func(t *task.Task) bool {
			return task.MarkWaitingForPermission(t, e.Prompt).Any()
		})

	default:
		w.update(ctx, summaryLines(line), nil)
	}
}

// afterEdit runs the post-edit hook, discovers the task's stack on its
// first edit and commits to it. It returns extra summary lines.
func (w *watcher) afterEdit(ctx context.Context, use events.ToolUse) []string {
	if !w.m.hooks.PostEditHook(ctx, w.taskID, use.FilePath, w.transcript(), use.ToolName) {
		w.hookFailed(hookPostEdit, use.FilePath, nil)
	}

	t, err := w.m.store.GetTask(ctx, w.taskID)
	if err != nil {
		monLog.Warn("stack_lookup_failed", slog.String("task", w.taskID), slog.String("error", err.Error()))
		return nil
	}
	var lines []string
	name := t.StackName
	if name == "" {
		st, err := w.m.hooks.DiscoverStack(ctx, w.taskID, use.FilePath)
		if err != nil {
			w.hookFailed(hookDiscover, use.FilePath, err)
			return nil
		}
		if st == nil {
			monLog.Debug("stack_not_discovered", slog.String("task", w.taskID), slog.String("file", use.FilePath))
			return nil
		}
		name = st.Name
		w.update(ctx, nil, func(t *task.Task) bool {
			if t.StackName != "" {
				return false
			}
			t.StackName = st.Name
			t.StackID = st.CLIID
			return true
		})
		lines = append(lines, fmt.Sprintf("[%s] 🌿 Stack: %s", w.m.cfg.Now().Format("15:04:05"), st.Name))
		monLog.Info("stack_discovered", slog.String("task", w.taskID), slog.String("stack", st.Name))
	}

	commit, err := w.m.hooks.CommitToStack(ctx, name)
	switch {
	case err != nil:
		w.hookFailed(hookCommit, use.FilePath, err)
	case commit == nil:
		monLog.Debug("nothing_to_commit", slog.String("task", w.taskID), slog.String("stack", name))
	default:
		lines = append(lines, fmt.Sprintf("[%s] 📦 Committed %s to %s",
			w.m.cfg.Now().Format("15:04:05"), commit.CLIID, name))
		monLog.Info("stack_committed",
			slog.String("task", w.taskID),
			slog.String("stack", name),
			slog.String("commit", commit.ID),
		)
	}
	return lines
}

// update commits one change to the task. fn reports whether it changed
// state; summary lines are appended regardless. Tasks that stopped being
// active are left alone.
func (w *watcher) update(ctx context.Context, lines []string, fn func(*task.Task) bool) {
	changed := false
	t, err := w.m.store.UpdateTask(ctx, w.taskID, func(t *task.Task) error {
		if !t.IsActive() {
			return task.ErrNoChange
		}
		if fn != nil {
			changed = fn(t)
		}
		if !changed && len(lines) == 0 {
			return task.ErrNoChange
		}
		for _, l := range lines {
			t.AppendSummary(l, w.m.cfg.SummaryBytes)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, task.ErrNotFound) || ctx.Err() != nil {
			return
		}
		monLog.Warn("event_commit_failed", slog.String("task", w.taskID), slog.String("error", err.Error()))
		return
	}
	if changed {
		w.m.changed(t)
	}
}

func (w *watcher) hookFailed(hook, file string, err error) {
	w.m.metrics.IncHookFailure(hook)
	attrs := []any{slog.String("task", w.taskID), slog.String("hook", hook), slog.String("file", file)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	monLog.Warn("stack_hook_failed", attrs...)
}

func (w *watcher) transcript() string { return w.m.cfg.TranscriptPath(w.taskID) }

// attach learns which incarnation of the session is live. The first call
// restores the saved offset for it; a later change means the session was
// killed and created again, so its scrollback is read from the start.
func (w *watcher) attach(ctx context.Context) bool {
	inst, err := w.m.capture.SessionInstance(ctx, w.taskID)
	if err != nil {
		if ctx.Err() == nil {
			logging.Aggregate(logging.CompMonitor, "capture_failed",
				slog.String("task", w.taskID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	switch {
	case !w.attached:
		w.attached = true
		w.instance = inst
		w.loadOffset()
	case inst != w.instance:
		monLog.Info("session_recreated",
			slog.String("task", w.taskID),
			slog.String("session", w.sessionID),
			slog.Int("processed", w.processed),
		)
		w.instance = inst
		w.restart()
	}
	return true
}

// restart forgets everything applied from the previous scrollback.
func (w *watcher) restart() {
	w.processed = 0
	w.ring = newPairing(w.m.cfg.RingSize)
	w.saveOffset()
}

func (w *watcher) offsetKey() string { return offsetKeyPrefix + w.taskID }

// owner ties a saved offset to one session incarnation.
func (w *watcher) owner() string { return w.sessionID + "@" + w.instance }

// loadOffset resumes from the position saved by a previous engine, as
// long as it was recorded against the same session incarnation.
func (w *watcher) loadOffset() {
	v, err := w.m.store.GetMeta(w.offsetKey())
	if err != nil || v == "" {
		return
	}
	i := strings.LastIndexByte(v, ':')
	if i < 0 || v[:i] != w.owner() {
		return
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil || n < 0 {
		return
	}
	w.processed = n
	monLog.Debug("offset_restored", slog.String("task", w.taskID), slog.Int("processed", n))
}

func (w *watcher) saveOffset() {
	v := w.owner() + ":" + strconv.Itoa(w.processed)
	if err := w.m.store.SetMeta(w.offsetKey(), v); err != nil {
		logging.Aggregate(logging.CompMonitor, "offset_save_failed",
			slog.String("task", w.taskID),
			slog.String("error", err.Error()),
		)
	}
}

func observe(s task.AgentStatus) func(*task.Task) bool {
	return func(t *task.Task) bool {
		return task.ApplyObservedAgentStatus(t, s).Any()
	}
}

// summaryLines drops the empty line Summarize returns for uninteresting
// events.
func summaryLines(line string) []string {
	if line == "" {
		return nil
	}
	return []string{line}
}
