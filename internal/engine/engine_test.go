package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusdev/chorus/internal/config"
	"github.com/chorusdev/chorus/internal/hooks"
	"github.com/chorusdev/chorus/internal/stack"
	"github.com/chorusdev/chorus/internal/statedb"
	"github.com/chorusdev/chorus/internal/task"
	"github.com/chorusdev/chorus/internal/tmux"
)

// idleRunner pretends every chorus session is alive and sitting at the
// agent's prompt.
type idleRunner struct {
	mu    sync.Mutex
	calls int
}

func (r *idleRunner) Run(_ context.Context, _ io.Reader, args ...string) (tmux.Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	switch args[0] {
	case "capture-pane":
		return tmux.Result{Stdout: "done.\n> "}, nil
	case "list-sessions":
		return tmux.Result{ExitCode: 1, Stderr: "no server running"}, nil
	}
	return tmux.Result{}, nil
}

type nopStackRunner struct{}

func (nopStackRunner) Run(context.Context, string, io.Reader, ...string) (stack.Result, error) {
	return stack.Result{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	disabled := false
	cfg.Stack.Enabled = &disabled
	cfg.Tmux.WorkDir = dir
	cfg.Agent.ContextDir = filepath.Join(dir, "context")
	cfg.Hooks.SpoolDir = filepath.Join(dir, "spool")
	cfg.Hooks.Debounce.Duration = 10 * time.Millisecond
	cfg.Storage.Path = filepath.Join(dir, "chorus.db")
	cfg.Monitor.Interval.Duration = 20 * time.Millisecond
	cfg.Poller.Interval.Duration = time.Hour
	return cfg
}

func testDeps(t *testing.T, cfg *config.Config) *Deps {
	t.Helper()
	store, err := statedb.Open(cfg.Storage.Path)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return NewDeps(cfg, store, &idleRunner{}, nopStackRunner{})
}

func TestNewDepsHonoursStackSetting(t *testing.T) {
	cfg := testConfig(t)
	d := testDeps(t, cfg)
	assert.Nil(t, d.Stacks)
	assert.IsType(t, stack.Disabled{}, d.Hooks())
	assert.NotNil(t, d.Lifecycle())
	assert.Equal(t, "chorus-task-abc", d.Sessions.SessionName("abc"))

	enabled := true
	cfg.Stack.Enabled = &enabled
	d = NewDeps(cfg, d.Store, &idleRunner{}, nopStackRunner{})
	require.NotNil(t, d.Stacks)
	assert.Same(t, d.Stacks, d.Hooks())
}

func TestEngineStartStop(t *testing.T) {
	cfg := testConfig(t)
	e := New(testDeps(t, cfg), Options{Heartbeat: 10 * time.Millisecond})

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Running())
	assert.Error(t, e.Start(context.Background()), "second start")

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats.Tasks)

	require.NoError(t, e.Stop())
	assert.False(t, e.Running())
	require.NoError(t, e.Stop(), "stopping twice is fine")

	_, open := <-mustSubscribe(e)
	assert.False(t, open, "feed closed after stop")
}

func mustSubscribe(e *Engine) <-chan *task.Task {
	ch, _ := e.Broadcaster().Subscribe()
	return ch
}

func TestEngineStopsWhenContextEnds(t *testing.T) {
	cfg := testConfig(t)
	e := New(testDeps(t, cfg), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()

	done := make(chan error, 1)
	go func() { done <- e.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}
}

func TestEngineHookReachesFeed(t *testing.T) {
	cfg := testConfig(t)
	d := testDeps(t, cfg)
	ctx := context.Background()

	tk := task.New("Fix login", "")
	require.NoError(t, tk.Transition(task.StatusRunning))
	tk.SessionID = d.Sessions.SessionName(tk.ID)
	tk.AgentStatus = task.AgentStarting
	require.NoError(t, d.Store.CreateTask(ctx, tk))

	e := New(d, Options{})
	changes, cancel := e.Broadcaster().Subscribe()
	defer cancel()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	_, err := hooks.WriteSpool(cfg.Hooks.SpoolDir,
		[]byte(`{"hook_event_name":"SessionStart","session_id":"agent-1"}`), tk.ID, time.Now())
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-changes:
			if got.ID == tk.ID && got.AgentSessionID == "agent-1" {
				assert.Equal(t, task.AgentIdle, got.AgentStatus)
				return
			}
		case <-deadline:
			t.Fatal("hook change never reached the feed")
		}
	}
}

func TestStatsBeforeStartUsesPersistedCounters(t *testing.T) {
	cfg := testConfig(t)
	d := testDeps(t, cfg)
	require.NoError(t, d.Store.SetMeta("poller_corrections", "4"))
	_, err := d.Lifecycle().Create(context.Background(), "Write docs", "")
	require.NoError(t, err)

	stats, err := New(d, Options{}).Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Poller.Corrections)
	assert.False(t, stats.Poller.Running)
	assert.Equal(t, 1, stats.Tasks[task.StatusPending])
	assert.Zero(t, stats.Watchers)
}

func TestEngineServesStats(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = true
	e := New(testDeps(t, cfg), Options{})
	require.NotNil(t, e.Server())

	// The ops handler works without a listener.
	rec := newRecorder(t, e, "/api/stats")
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"poller"`), rec.Body.String())
}

func newRecorder(t *testing.T, e *Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}
