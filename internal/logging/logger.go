// Package logging wires slog to a rotating log file for the chorus engine.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record from a component logger.
const (
	CompTmux    = "tmux"
	CompMonitor = "monitor"
	CompPoller  = "poller"
	CompTask    = "task"
	CompStack   = "stack"
	CompHooks   = "hooks"
	CompStorage = "storage"
	CompEngine  = "engine"
	CompHTTP    = "http"
)

// LogFileName is the active log file inside Config.Dir.
const LogFileName = "chorus.log"

// Config controls where and how records are written.
type Config struct {
	// Dir holds chorus.log and its rotated siblings. Empty discards output
	// unless Stderr is set.
	Dir string

	// Level is one of "debug", "info", "warn", "error".
	Level string

	// Format is "json" (default) or "text".
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// RingBytes sizes the in-memory tail kept for crash dumps.
	RingBytes int

	// AggregateEvery is the flush period for Aggregate counters.
	AggregateEvery time.Duration

	// Stderr mirrors records to stderr (foreground `chorus run`).
	Stderr bool
}

var (
	mu      sync.RWMutex
	root    *slog.Logger
	ring    *RingBuffer
	agg     *Aggregator
	rotator *lumberjack.Logger
)

func (c *Config) applyDefaults() {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 10
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 14
	}
	if c.RingBytes <= 0 {
		c.RingBytes = 2 * 1024 * 1024
	}
	if c.AggregateEvery <= 0 {
		c.AggregateEvery = 30 * time.Second
	}
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the process-wide handler. Calling it again replaces the
// previous setup after flushing it.
func Init(cfg Config) {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	cfg.applyDefaults()
	ring = NewRingBuffer(cfg.RingBytes)

	writers := []io.Writer{ring}
	if cfg.Dir != "" {
		rotator = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, LogFileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotator)
	}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	out := io.MultiWriter(writers...)
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	root = slog.New(h)

	agg = NewAggregator(root, cfg.AggregateEvery)
	agg.Start()
}

// Logger returns the process logger, or a discarding one before Init.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return root
}

// ForComponent returns a logger tagged with component. It is safe to store
// in a package-level var: the handler is looked up on every record.
func ForComponent(component string) *slog.Logger {
	return slog.New(&lateHandler{component: component})
}

type lateHandler struct {
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *lateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *lateHandler) Handle(ctx context.Context, r slog.Record) error {
	target := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		target = target.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		target = target.WithGroup(g)
	}
	return target.Handle(ctx, r)
}

func (h *lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &lateHandler{component: h.component, groups: h.groups}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *lateHandler) WithGroup(name string) slog.Handler {
	next := &lateHandler{component: h.component, attrs: h.attrs}
	next.groups = append(append([]string{}, h.groups...), name)
	return next
}

// Aggregate counts a noisy event instead of logging each occurrence.
func Aggregate(component, event string, attrs ...slog.Attr) {
	mu.RLock()
	a := agg
	mu.RUnlock()
	if a != nil {
		a.Record(component, event, attrs...)
	}
}

// DumpRing writes the in-memory log tail to path.
func DumpRing(path string) error {
	mu.RLock()
	r := ring
	mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.DumpToFile(path)
}

// Shutdown flushes aggregated counters and closes the log file.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if agg != nil {
		agg.Stop()
		agg = nil
	}
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	root = nil
	ring = nil
}
