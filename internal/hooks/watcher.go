package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chorusdev/chorus/internal/logging"
)

var hookLog = logging.ForComponent(logging.CompHooks)

// DefaultDebounce coalesces the burst of events one rename produces.
const DefaultDebounce = 100 * time.Millisecond

// maxWaitFactor bounds how long a steady stream of events can hold off a
// drain, as a multiple of the debounce.
const maxWaitFactor = 10

// Dispatcher consumes decoded hook payloads.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *Envelope, p *Payload) error
}

// SpoolWatcher drains the spool directory: every file is decoded, handed
// to the dispatcher in name (arrival) order and removed.
type SpoolWatcher struct {
	dir      string
	debounce time.Duration
	maxWait  time.Duration
	handler  Dispatcher

	// drainMu serialises drains so files are dispatched in order.
	drainMu sync.Mutex
}

// NewSpoolWatcher returns a watcher for dir. Zero debounce picks the
// default.
func NewSpoolWatcher(dir string, debounce time.Duration, handler Dispatcher) *SpoolWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &SpoolWatcher{dir: dir, debounce: debounce, maxWait: maxWaitFactor * debounce, handler: handler}
}

// Run watches the spool directory until ctx is done. Files already present
// are drained first.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch spool dir: %w", err)
	}
	hookLog.Info("spool_watcher_started", slog.String("dir", w.dir))

	w.Drain(ctx)

	// Debounce: a burst of events produces one drain after it settles, or
	// once maxWait has passed since the first undrained event.
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	var pendingSince time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != spoolExt {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			now := time.Now()
			if pendingSince.IsZero() {
				pendingSince = now
			}
			timer.Reset(min(w.debounce, max(pendingSince.Add(w.maxWait).Sub(now), 0)))

		case <-timer.C:
			pendingSince = time.Time{}
			w.Drain(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			hookLog.Warn("spool_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Drain dispatches and removes every spool file currently present.
func (w *SpoolWatcher) Drain(ctx context.Context) int {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		hookLog.Warn("spool_read_failed", slog.String("dir", w.dir), slog.String("error", err.Error()))
		return 0
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == spoolExt {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, filepath.Join(w.dir, name)) {
			n++
		}
	}
	return n
}

func (w *SpoolWatcher) process(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			hookLog.Warn("spool_file_read_failed", slog.String("file", path), slog.String("error", err.Error()))
		}
		return false
	}
	// The file is consumed whatever the outcome; a payload that failed
	// once would fail again.
	defer os.Remove(path)

	env, p, err := Decode(data)
	if err != nil {
		hookLog.Warn("spool_file_invalid", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
		return false
	}
	if err := w.handler.Dispatch(ctx, env, p); err != nil {
		hookLog.Warn("hook_dispatch_failed",
			slog.String("event", p.HookEventName),
			slog.String("session", p.SessionID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
