// Package engine assembles the long-running half of chorus: the session
// monitor, the status poller, hook ingress and the optional ops server,
// supervised as one unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chorusdev/chorus/internal/config"
	"github.com/chorusdev/chorus/internal/hooks"
	"github.com/chorusdev/chorus/internal/lifecycle"
	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/metrics"
	"github.com/chorusdev/chorus/internal/monitor"
	"github.com/chorusdev/chorus/internal/poller"
	"github.com/chorusdev/chorus/internal/task"
	"github.com/chorusdev/chorus/internal/tmux"
	"github.com/chorusdev/chorus/internal/web"
)

var engineLog = logging.ForComponent(logging.CompEngine)

// ErrNotPrimary means another engine already drives the task sessions.
var ErrNotPrimary = errors.New("another chorus engine is already running")

const (
	defaultHeartbeat = 10 * time.Second

	// engineTimeout is how stale a heartbeat must be before its engine
	// counts as dead.
	engineTimeout = 30 * time.Second

	// spoolMaxAge bounds hook files left behind while no engine ran.
	spoolMaxAge = time.Hour

	shutdownTimeout = 5 * time.Second
)

// Options tune an Engine beyond what config.toml covers.
type Options struct {
	// Registry collects the engine's metrics. Nil creates a private one.
	Registry *prometheus.Registry

	Heartbeat time.Duration
}

// Stats is the engine summary served on /api/stats and by `chorus stats`.
type Stats struct {
	Poller      poller.Stats        `json:"poller"`
	Watchers    int                 `json:"watchers"`
	Subscribers int                 `json:"subscribers"`
	Tasks       map[task.Status]int `json:"tasks"`
}

// Engine owns the monitor, poller, spool watcher and ops server.
type Engine struct {
	cfg       *config.Config
	deps      *Deps
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	bcast     *Broadcaster
	monitor   *monitor.Monitor
	poller    *poller.Poller
	handler   *hooks.Handler
	spool     *hooks.SpoolWatcher
	server    *web.Server
	heartbeat time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	waitOnce sync.Once
	waitErr  error
}

// New builds an engine over deps. Nothing runs until Start.
func New(deps *Deps, opts Options) *Engine {
	cfg := deps.Config
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		registry:  reg,
		metrics:   metrics.MustNewMetrics(reg),
		bcast:     NewBroadcaster(DefaultSubscriberBuffer),
		heartbeat: opts.Heartbeat,
	}

	contextDir := cfg.Agent.ContextDir
	e.monitor = monitor.New(monitor.Config{
		Interval:     cfg.Monitor.Interval.Duration,
		SummaryBytes: cfg.Monitor.SummaryBytes,
		RingSize:     cfg.Monitor.RingSize,
		TranscriptPath: func(taskID string) string {
			return lifecycle.TranscriptPath(contextDir, taskID)
		},
	}, deps.Store, deps.Sessions, deps.Hooks(), e.metrics)
	e.monitor.OnChange(e.bcast.Publish)

	e.poller = poller.New(poller.Config{
		Interval:        cfg.Poller.Interval.Duration,
		FrozenThreshold: cfg.Poller.FrozenThreshold.Duration,
		CaptureLines:    cfg.Poller.CaptureLines,
		TailLines:       cfg.Poller.TailLines,
		Idle: tmux.CompilePatterns("idle", tmux.MergePatterns(
			tmux.DefaultIdlePatternsFor(tmux.AgentMode(cfg.Agent.Mode)), cfg.Poller.IdlePatterns, cfg.Poller.ExtraIdlePatterns)),
		Waiting: tmux.CompilePatterns("waiting", tmux.MergePatterns(
			tmux.DefaultWaitingPatterns(), cfg.Poller.WaitingPatterns, cfg.Poller.ExtraWaitingPatterns)),
	}, deps.Store, deps.Sessions, e.metrics)
	e.poller.OnChange(e.bcast.Publish)

	e.handler = hooks.NewHandler(deps.Store, deps.Hooks())
	e.handler.OnChange(e.bcast.Publish)
	e.spool = hooks.NewSpoolWatcher(cfg.Hooks.SpoolDir, cfg.Hooks.Debounce.Duration, e.handler)

	if cfg.HTTP.Enabled {
		e.server = web.NewServer(web.Config{
			ListenAddr: cfg.HTTP.Listen,
			Token:      cfg.HTTP.Token,
			Tasks:      deps.Store,
			Feed:       e.bcast,
			Gatherer:   reg,
			Stats: func(ctx context.Context) (any, error) {
				return e.Stats(ctx)
			},
		})
	}
	return e
}

// Broadcaster returns the task-change feed.
func (e *Engine) Broadcaster() *Broadcaster { return e.bcast }

// Registry returns the metrics registry.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Server returns the ops server, nil when disabled.
func (e *Engine) Server() *web.Server { return e.server }

// Lifecycle returns a lifecycle service whose changes reach the feed.
func (e *Engine) Lifecycle() *lifecycle.Service {
	svc := e.deps.Lifecycle()
	svc.OnChange(e.bcast.Publish)
	return svc
}

// Start claims the primary role and launches every loop. It returns
// ErrNotPrimary when another engine holds the role.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already started")
	}

	store := e.deps.Store
	if err := store.RegisterEngine(); err != nil {
		return fmt.Errorf("register engine: %w", err)
	}
	if err := store.CleanDeadEngines(engineTimeout); err != nil {
		engineLog.Warn("clean_dead_engines_failed", slog.String("error", err.Error()))
	}
	primary, err := store.ElectPrimary(engineTimeout)
	if err != nil {
		_ = store.UnregisterEngine()
		return fmt.Errorf("elect primary: %w", err)
	}
	if !primary {
		_ = store.UnregisterEngine()
		return ErrNotPrimary
	}

	if n := hooks.CleanStale(e.cfg.Hooks.SpoolDir, spoolMaxAge, time.Now()); n > 0 {
		engineLog.Info("stale_hooks_removed", slog.Int("count", n))
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.group = g
	e.running = true

	g.Go(func() error { return e.monitor.Run(gctx) })
	g.Go(func() error { return e.poller.Run(gctx) })
	g.Go(func() error { return e.spool.Run(gctx) })
	g.Go(func() error { return e.heartbeatLoop(gctx) })
	if e.server != nil {
		g.Go(func() error { return e.server.Start() })
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return e.server.Shutdown(sctx)
		})
	}

	engineLog.Info("engine_started",
		slog.String("mode", e.cfg.Agent.Mode),
		slog.Bool("stacking", e.deps.Stacks != nil),
		slog.Bool("http", e.server != nil))
	return nil
}

func (e *Engine) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.deps.Store.Heartbeat(); err != nil {
				engineLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Wait blocks until every loop has exited, then gives up the primary
// role. It returns the first loop error.
func (e *Engine) Wait() error {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g == nil {
		return nil
	}

	e.waitOnce.Do(func() {
		e.waitErr = g.Wait()
		e.cancel()

		store := e.deps.Store
		if err := store.ResignPrimary(); err != nil {
			engineLog.Warn("resign_primary_failed", slog.String("error", err.Error()))
		}
		if err := store.UnregisterEngine(); err != nil {
			engineLog.Warn("unregister_engine_failed", slog.String("error", err.Error()))
		}
		e.bcast.Close()

		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		engineLog.Info("engine_stopped")
	})
	return e.waitErr
}

// Stop cancels every loop and waits for them.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return e.Wait()
}

// Running reports whether Start succeeded and Wait has not finished.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns the engine summary. Before Start the poller counters are
// the ones persisted by the last run.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if !e.Running() {
		e.poller.LoadStats()
	}
	counts, err := e.deps.Store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count tasks: %w", err)
	}
	return Stats{
		Poller:      e.poller.Stats(),
		Watchers:    e.monitor.WatcherCount(),
		Subscribers: e.bcast.Subscribers(),
		Tasks:       counts,
	}, nil
}
