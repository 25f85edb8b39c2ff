// Package monitor runs one watcher per active task. Each watcher reads
// the task's tmux scrollback, decodes the agent's stream-json events and
// folds the new ones into the task record.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/metrics"
	"github.com/chorusdev/chorus/internal/stack"
	"github.com/chorusdev/chorus/internal/task"
	"github.com/chorusdev/chorus/internal/tmux"
)

var monLog = logging.ForComponent(logging.CompMonitor)

// Store is the slice of the task store the monitor needs.
type Store interface {
	ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

// Capturer reads a task's terminal buffer. SessionInstance changes when
// the session is recreated under the same name.
type Capturer interface {
	CaptureOutput(ctx context.Context, taskID string, opts tmux.CaptureOptions) (string, error)
	SessionInstance(ctx context.Context, taskID string) (string, error)
}

// Notifier receives a task after a committed state change.
type Notifier func(t *task.Task)

// Config tunes a Monitor. Zero values pick the defaults.
type Config struct {
	Interval     time.Duration
	SummaryBytes int
	RingSize     int

	// TranscriptPath maps a task id to the transcript reference passed to
	// the stacking hooks. Nil passes "".
	TranscriptPath func(taskID string) string

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.SummaryBytes <= 0 {
		c.SummaryBytes = task.DefaultSummaryBytes
	}
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.TranscriptPath == nil {
		c.TranscriptPath = func(string) string { return "" }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Monitor supervises the per-task watchers. Sync starts a watcher for
// every running or waiting task with a session and stops watchers whose
// task left that set.
type Monitor struct {
	cfg     Config
	store   Store
	capture Capturer
	hooks   stack.Hooks
	metrics *metrics.Metrics
	notify  Notifier

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
}

// New returns a Monitor. A nil hooks value disables the stacking hooks.
func New(cfg Config, store Store, capture Capturer, hooks stack.Hooks, m *metrics.Metrics) *Monitor {
	cfg.applyDefaults()
	if hooks == nil {
		hooks = stack.Disabled{}
	}
	return &Monitor{
		cfg:      cfg,
		store:    store,
		capture:  capture,
		hooks:    hooks,
		metrics:  m,
		watchers: make(map[string]*watcher),
	}
}

// OnChange registers fn to be called after each state change a watcher
// commits. It must be set before Run.
func (m *Monitor) OnChange(fn Notifier) { m.notify = fn }

// Run syncs watchers every interval until ctx is done, then stops every
// watcher and waits for them to exit.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.stopAll()

	if err := m.Sync(ctx); err != nil {
		monLog.Warn("monitor_sync_failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
				monLog.Warn("monitor_sync_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sync reconciles the watcher set with the active tasks in the store.
// Watchers inherit ctx.
func (m *Monitor) Sync(ctx context.Context) error {
	tasks, err := m.store.ListTasks(ctx, task.ActiveStatuses...)
	if err != nil {
		return err
	}
	want := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if t.SessionID != "" {
			want[t.ID] = t
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range m.watchers {
		t, ok := want[id]
		if ok && t.SessionID == w.sessionID {
			continue
		}
		w.stop()
		delete(m.watchers, id)
		monLog.Debug("watcher_stopped", slog.String("task", id))
	}
	for id, t := range want {
		if _, ok := m.watchers[id]; ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		w := newWatcher(ctx, m, t)
		m.watchers[id] = w
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.run()
		}()
		monLog.Debug("watcher_started", slog.String("task", id), slog.String("session", t.SessionID))
	}
	m.metrics.SetWatchers(len(m.watchers))
	return nil
}

// WatcherCount reports the number of running watchers.
func (m *Monitor) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Watching reports whether a watcher runs for taskID.
func (m *Monitor) Watching(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[taskID]
	return ok
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	for id, w := range m.watchers {
		w.stop()
		delete(m.watchers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.metrics.SetWatchers(0)
}

func (m *Monitor) changed(t *task.Task) {
	if m.notify != nil && t != nil {
		m.notify(t.Clone())
	}
}
