package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type aggKey struct {
	component string
	event     string
}

type aggCount struct {
	count int64
	last  []slog.Attr
}

// Aggregator collapses repeated events into one summary record per period.
// Capture failures and parse drops from many watchers go through here.
type Aggregator struct {
	logger *slog.Logger
	every  time.Duration

	mu     sync.Mutex
	counts map[aggKey]*aggCount

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewAggregator returns an aggregator that logs through logger. A nil
// logger drops everything.
func NewAggregator(logger *slog.Logger, every time.Duration) *Aggregator {
	if every <= 0 {
		every = 30 * time.Second
	}
	return &Aggregator{
		logger: logger,
		every:  every,
		counts: make(map[aggKey]*aggCount),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the flush loop in the background.
func (a *Aggregator) Start() {
	go func() {
		defer close(a.done)
		t := time.NewTicker(a.every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.Flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the loop and flushes what is pending. Safe to call on an
// aggregator that was never started.
func (a *Aggregator) Stop() {
	a.once.Do(func() {
		close(a.stop)
	})
	select {
	case <-a.done:
	case <-time.After(time.Second):
	}
	a.Flush()
}

// Record bumps the counter for (component, event). The attrs from the
// latest call are attached to the summary.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := aggKey{component, event}
	c := a.counts[k]
	if c == nil {
		c = &aggCount{}
		a.counts[k] = c
	}
	c.count++
	if len(attrs) > 0 {
		c.last = attrs
	}
}

// Pending returns the unflushed count for (component, event).
func (a *Aggregator) Pending(component, event string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.counts[aggKey{component, event}]; c != nil {
		return c.count
	}
	return 0
}

// Flush emits one record per counted event and resets the counters.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	pending := a.counts
	a.counts = make(map[aggKey]*aggCount)
	a.mu.Unlock()

	if a.logger == nil || len(pending) == 0 {
		return
	}
	keys := make([]aggKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return keys[i].event < keys[j].event
	})
	for _, k := range keys {
		c := pending[k]
		args := []any{
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", c.count),
			slog.Duration("window", a.every),
		}
		for _, attr := range c.last {
			args = append(args, attr)
		}
		a.logger.Info(k.event+"_aggregated", args...)
	}
}
