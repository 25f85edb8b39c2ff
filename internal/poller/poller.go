// Package poller is the safety net behind the monitor and the hooks: one
// loop that re-derives every active task's agent status from the bottom
// of its terminal and corrects the stored value when the two disagree.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/metrics"
	"github.com/chorusdev/chorus/internal/task"
	"github.com/chorusdev/chorus/internal/tmux"
)

var pollLog = logging.ForComponent(logging.CompPoller)

// Metadata keys the counters are persisted under.
const (
	metaCorrections = "poller_corrections"
	metaFrozen      = "poller_frozen_warnings"
	metaOrphans     = "poller_orphan_cleanups"
)

// Store is the slice of the task store the poller needs.
type Store interface {
	ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

// Sessions is the slice of the tmux manager the poller needs.
type Sessions interface {
	SessionExists(ctx context.Context, taskID string) (bool, error)
	CaptureOutput(ctx context.Context, taskID string, opts tmux.CaptureOptions) (string, error)
	ListActiveTaskIDs(ctx context.Context) ([]string, error)
}

// Config tunes a Poller. Zero values pick the defaults.
type Config struct {
	Interval        time.Duration
	FrozenThreshold time.Duration

	// CaptureLines is how much of the pane is read; TailLines is the part
	// of it the patterns are matched against.
	CaptureLines int
	TailLines    int

	Idle    *tmux.PatternSet
	Waiting *tmux.PatternSet

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.FrozenThreshold <= 0 {
		c.FrozenThreshold = 300 * time.Second
	}
	if c.CaptureLines <= 0 {
		c.CaptureLines = 50
	}
	if c.TailLines <= 0 {
		c.TailLines = 10
	}
	if c.Idle == nil {
		c.Idle = tmux.CompilePatterns("idle", tmux.DefaultIdlePatterns())
	}
	if c.Waiting == nil {
		c.Waiting = tmux.CompilePatterns("waiting", tmux.DefaultWaitingPatterns())
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stats is the poller's operational summary.
type Stats struct {
	Running          bool    `json:"running"`
	IntervalSeconds  float64 `json:"interval_seconds"`
	Corrections      int64   `json:"correction_count"`
	FrozenWarnings   int64   `json:"frozen_warnings"`
	OrphanCleanups   int64   `json:"orphan_cleanups"`
	TrackedBusyTasks int     `json:"tracked_busy_tasks"`
	StraySessions    int     `json:"stray_sessions"`
}

// Poller reconciles stored agent status with what the terminal shows.
type Poller struct {
	cfg      Config
	store    Store
	sessions Sessions
	metrics  *metrics.Metrics
	notify   func(*task.Task)

	mu          sync.Mutex
	running     bool
	corrections int64
	frozen      int64
	orphans     int64
	dirty       bool
	busySince   map[string]time.Time
	warned      map[string]bool
	strays      map[string]bool
}

// New returns a Poller.
func New(cfg Config, store Store, sessions Sessions, m *metrics.Metrics) *Poller {
	cfg.applyDefaults()
	return &Poller{
		cfg:       cfg,
		store:     store,
		sessions:  sessions,
		metrics:   m,
		busySince: make(map[string]time.Time),
		warned:    make(map[string]bool),
		strays:    make(map[string]bool),
	}
}

// OnChange registers fn to be called after each correction the poller
// commits. It must be set before Run.
func (p *Poller) OnChange(fn func(*task.Task)) { p.notify = fn }

// Run polls every interval until ctx is done. Counters saved by a
// previous run are restored first.
func (p *Poller) Run(ctx context.Context) error {
	p.LoadStats()
	p.setRunning(true)
	defer p.setRunning(false)
	defer p.saveStats()

	pollLog.Info("poller_started", slog.Duration("interval", p.cfg.Interval))
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			pollLog.Info("poller_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce reconciles every active task once. It never fails: problems
// with one task are logged and the rest are still polled.
func (p *Poller) PollOnce(ctx context.Context) {
	tasks, err := p.store.ListTasks(ctx, task.ActiveStatuses...)
	if err != nil {
		if ctx.Err() == nil {
			pollLog.Error("poll_list_failed", slog.String("error", err.Error()))
		}
		return
	}
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		seen[t.ID] = true
		p.pollTask(ctx, t)
	}
	p.forgetMissing(seen)
	p.findStrays(ctx, seen)
	p.saveStats()
}

// findStrays reports chorus sessions whose task is no longer active. They
// are left running for the operator to inspect; each is logged once.
func (p *Poller) findStrays(ctx context.Context, active map[string]bool) {
	ids, err := p.sessions.ListActiveTaskIDs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.Aggregate(logging.CompPoller, "list_sessions_failed", slog.String("error", err.Error()))
		}
		return
	}
	live := make(map[string]bool, len(ids))
	var fresh []string
	p.mu.Lock()
	for _, id := range ids {
		if active[id] {
			continue
		}
		live[id] = true
		if !p.strays[id] {
			p.strays[id] = true
			fresh = append(fresh, id)
		}
	}
	for id := range p.strays {
		if !live[id] {
			delete(p.strays, id)
		}
	}
	p.mu.Unlock()

	for _, id := range fresh {
		pollLog.Warn("stray_session", slog.String("task", id))
	}
}

func (p *Poller) pollTask(ctx context.Context, t *task.Task) {
	defer func() {
		if r := recover(); r != nil {
			pollLog.Error("poller_task_panic",
				slog.String("task", t.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if t.SessionID == "" {
		return
	}
	observed, exists, err := p.Detect(ctx, t.ID)
	if err != nil {
		if ctx.Err() == nil {
			logging.Aggregate(logging.CompPoller, "detect_failed",
				slog.String("task", t.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if !exists {
		p.reapOrphan(ctx, t)
		return
	}
	p.trackBusy(t.ID, observed)
	if observed == t.AgentStatus {
		return
	}

	var from task.AgentStatus
	corrected := false
	updated, err := p.store.UpdateTask(ctx, t.ID, func(cur *task.Task) error {
		if !cur.IsActive() || cur.AgentStatus == observed {
			return task.ErrNoChange
		}
		from = cur.AgentStatus
		task.ApplyPolledAgentStatus(cur, observed)
		corrected = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) && ctx.Err() == nil {
			pollLog.Warn("correction_commit_failed", slog.String("task", t.ID), slog.String("error", err.Error()))
		}
		return
	}
	if !corrected {
		return
	}

	p.mu.Lock()
	p.corrections++
	p.dirty = true
	n := p.corrections
	p.mu.Unlock()
	p.metrics.IncCorrection()
	pollLog.Warn("status_corrected",
		slog.String("task", t.ID),
		slog.String("from", string(from)),
		slog.String("to", string(observed)),
		slog.String("status", string(updated.Status)),
		slog.Int64("correction", n),
	)
	p.changed(updated)
}

// Detect infers the agent status from the bottom of the pane. exists is
// false when the tmux session is gone. Waiting patterns win over idle
// ones; output matching neither is busy and an empty pane is stopped.
func (p *Poller) Detect(ctx context.Context, taskID string) (status task.AgentStatus, exists bool, err error) {
	ok, err := p.sessions.SessionExists(ctx, taskID)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	out, err := p.sessions.CaptureOutput(ctx, taskID, tmux.CaptureOptions{Lines: p.cfg.CaptureLines})
	if errors.Is(err, tmux.ErrSessionNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", true, err
	}
	if strings.TrimSpace(out) == "" {
		return task.AgentStopped, true, nil
	}
	tail := tmux.TailLines(out, p.cfg.TailLines)
	switch {
	case p.cfg.Waiting.Match(tail):
		return task.AgentWaiting, true, nil
	case p.cfg.Idle.Match(tail):
		return task.AgentIdle, true, nil
	default:
		return task.AgentBusy, true, nil
	}
}

// reapOrphan marks the agent stopped when its session died. It counts
// once per death: an already stopped task is left alone.
func (p *Poller) reapOrphan(ctx context.Context, t *task.Task) {
	p.clearBusy(t.ID)
	if t.AgentStatus == task.AgentStopped && t.AgentSessionID == "" {
		return
	}
	reaped := false
	updated, err := p.store.UpdateTask(ctx, t.ID, func(cur *task.Task) error {
		if !cur.IsActive() || (cur.AgentStatus == task.AgentStopped && cur.AgentSessionID == "") {
			return task.ErrNoChange
		}
		reaped = cur.AgentStatus != task.AgentStopped
		task.ApplyPolledAgentStatus(cur, task.AgentStopped)
		cur.AgentSessionID = ""
		cur.UpdatedAt = p.cfg.Now().UTC()
		return nil
	})
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) && ctx.Err() == nil {
			pollLog.Warn("orphan_commit_failed", slog.String("task", t.ID), slog.String("error", err.Error()))
		}
		return
	}
	if !reaped {
		return
	}

	p.mu.Lock()
	p.orphans++
	p.dirty = true
	n := p.orphans
	p.mu.Unlock()
	p.metrics.IncOrphan()
	pollLog.Warn("session_orphaned",
		slog.String("task", t.ID),
		slog.String("session", t.SessionID),
		slog.Int64("cleanup", n),
	)
	p.changed(updated)
}

// trackBusy measures how long a task has been continuously busy and warns
// once per streak when it crosses the frozen threshold. A frozen agent is
// only reported, never restarted.
func (p *Poller) trackBusy(taskID string, observed task.AgentStatus) {
	if observed != task.AgentBusy {
		p.clearBusy(taskID)
		return
	}
	now := p.cfg.Now()

	p.mu.Lock()
	since, ok := p.busySince[taskID]
	if !ok {
		p.busySince[taskID] = now
		p.mu.Unlock()
		return
	}
	busyFor := now.Sub(since)
	if busyFor <= p.cfg.FrozenThreshold || p.warned[taskID] {
		p.mu.Unlock()
		return
	}
	p.warned[taskID] = true
	p.frozen++
	p.dirty = true
	n := p.frozen
	p.mu.Unlock()

	p.metrics.IncFrozen()
	pollLog.Error("agent_frozen",
		slog.String("task", taskID),
		slog.Duration("busy_for", busyFor.Truncate(time.Second)),
		slog.Duration("threshold", p.cfg.FrozenThreshold),
		slog.Int64("warning", n),
	)
}

func (p *Poller) clearBusy(taskID string) {
	p.mu.Lock()
	delete(p.busySince, taskID)
	delete(p.warned, taskID)
	p.mu.Unlock()
}

func (p *Poller) forgetMissing(seen map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.busySince {
		if !seen[id] {
			delete(p.busySince, id)
			delete(p.warned, id)
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Running:          p.running,
		IntervalSeconds:  p.cfg.Interval.Seconds(),
		Corrections:      p.corrections,
		FrozenWarnings:   p.frozen,
		OrphanCleanups:   p.orphans,
		TrackedBusyTasks: len(p.busySince),
		StraySessions:    len(p.strays),
	}
}

// LoadStats restores counters persisted by an earlier run.
func (p *Poller) LoadStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corrections = p.readCounter(metaCorrections)
	p.frozen = p.readCounter(metaFrozen)
	p.orphans = p.readCounter(metaOrphans)
}

func (p *Poller) readCounter(key string) int64 {
	v, err := p.store.GetMeta(key)
	if err != nil {
		pollLog.Warn("stats_load_failed", slog.String("key", key), slog.String("error", err.Error()))
		return 0
	}
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (p *Poller) saveStats() {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	p.dirty = false
	values := map[string]int64{
		metaCorrections: p.corrections,
		metaFrozen:      p.frozen,
		metaOrphans:     p.orphans,
	}
	p.mu.Unlock()

	for k, v := range values {
		if err := p.store.SetMeta(k, strconv.FormatInt(v, 10)); err != nil {
			pollLog.Warn("stats_save_failed", slog.String("key", k), slog.String("error", err.Error()))
		}
	}
}

func (p *Poller) setRunning(v bool) {
	p.mu.Lock()
	p.running = v
	p.mu.Unlock()
}

func (p *Poller) changed(t *task.Task) {
	if p.notify != nil && t != nil {
		p.notify(t.Clone())
	}
}
