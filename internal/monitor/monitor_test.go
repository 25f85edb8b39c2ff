package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusdev/chorus/internal/events"
	"github.com/chorusdev/chorus/internal/stack"
	"github.com/chorusdev/chorus/internal/task"
	"github.com/chorusdev/chorus/internal/tmux"
)

// memStore is an in-memory Store that records every status a task passed
// through.
type memStore struct {
	mu      sync.Mutex
	tasks   map[string]*task.Task
	meta    map[string]string
	history map[string][]task.Status
}

func newMemStore(tasks ...*task.Task) *memStore {
	s := &memStore{
		tasks:   make(map[string]*task.Task),
		meta:    make(map[string]string),
		history: make(map[string][]task.Status),
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return s
}

func (s *memStore) ListTasks(_ context.Context, statuses ...task.Status) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t.Clone())
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, task.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *memStore) UpdateTask(_ context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, task.ErrNotFound)
	}
	c := t.Clone()
	if err := fn(c); err != nil {
		if errors.Is(err, task.ErrNoChange) {
			return t.Clone(), nil
		}
		return nil, err
	}
	if c.Status != t.Status {
		s.history[id] = append(s.history[id], c.Status)
	}
	s.tasks[id] = c
	return c.Clone(), nil
}

func (s *memStore) GetMeta(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[key], nil
}

func (s *memStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *memStore) get(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (s *memStore) edit(id string, fn func(*task.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.tasks[id])
}

// fakeCapture serves a growing scrollback per task.
type fakeCapture struct {
	mu        sync.Mutex
	out       map[string][]string
	instances map[string]string
	err       error
}

func (c *fakeCapture) SessionInstance(_ context.Context, taskID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	return c.instances[taskID], nil
}

// recreate replaces taskID's session with a new one holding lines.
func (c *fakeCapture) recreate(taskID, instance string, lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instances == nil {
		c.instances = make(map[string]string)
	}
	c.instances[taskID] = instance
	if c.out == nil {
		c.out = make(map[string][]string)
	}
	c.out[taskID] = lines
}

func (c *fakeCapture) CaptureOutput(_ context.Context, taskID string, _ tmux.CaptureOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	return strings.Join(c.out[taskID], "\n"), nil
}

func (c *fakeCapture) add(taskID string, lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		c.out = make(map[string][]string)
	}
	c.out[taskID] = append(c.out[taskID], lines...)
}

func (c *fakeCapture) set(taskID string, lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		c.out = make(map[string][]string)
	}
	c.out[taskID] = lines
}

type fakeHooks struct {
	mu        sync.Mutex
	pre       []string
	post      []string
	discovers []string
	commits   []string

	found     *stack.Stack
	commit    *stack.Commit
	commitErr error
	preFails  bool
	prePanics bool
}

func (h *fakeHooks) PreEditHook(_ context.Context, _, filePath, _, _ string) bool {
	if h.prePanics {
		panic("pre-edit exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pre = append(h.pre, filePath)
	return !h.preFails
}

func (h *fakeHooks) PostEditHook(_ context.Context, _, filePath, _, _ string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.post = append(h.post, filePath)
	return true
}

func (h *fakeHooks) StopHook(context.Context, string, string) bool { return true }

func (h *fakeHooks) DiscoverStack(_ context.Context, _, editedFile string) (*stack.Stack, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discovers = append(h.discovers, editedFile)
	return h.found, nil
}

func (h *fakeHooks) CommitToStack(_ context.Context, name string) (*stack.Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, name)
	return h.commit, h.commitErr
}

func activeTask(id string, status task.Status, agent task.AgentStatus) *task.Task {
	t := task.New("task "+id, "")
	t.ID = id
	t.Status = status
	t.AgentStatus = agent
	t.SessionID = tmux.DefaultPrefix + id
	return t
}

func fixedNow() time.Time { return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC) }

func newTestMonitor(st Store, capture Capturer, hooks stack.Hooks) *Monitor {
	return New(Config{Interval: 10 * time.Millisecond, Now: fixedNow}, st, capture, hooks, nil)
}

const (
	evSessionStart = `{"type":"session_start","session_id":"s1"}`
	evEditUse      = `{"type":"tool_use","id":"t1","tool_name":"Edit","tool_input":{"file_path":"a.py"}}`
	evEditResult   = `{"type":"tool_result","toolUseId":"t1","isError":false}`
	evPermission   = `{"type":"permission_request","prompt":"Allow write to a.py?"}`
	evText         = `{"type":"text","text":"thinking"}`
)

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentStarting))
	capture := &fakeCapture{}
	hooks := &fakeHooks{
		found:  &stack.Stack{Name: "stack-7", CLIID: "s7"},
		commit: &stack.Commit{CLIID: "c1", ID: "abc1234"},
	}
	m := newTestMonitor(st, capture, hooks)
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", evSessionStart)
	w.cycle(ctx)
	got := st.get(t, "t-1")
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, task.AgentIdle, got.AgentStatus)
	assert.Equal(t, "s1", got.AgentSessionID)

	capture.add("t-1", evEditUse)
	w.cycle(ctx)
	got = st.get(t, "t-1")
	assert.Equal(t, task.AgentBusy, got.AgentStatus)
	assert.Equal(t, []string{"a.py"}, hooks.pre)
	assert.Empty(t, hooks.post)

	capture.add("t-1", evEditResult)
	w.cycle(ctx)
	got = st.get(t, "t-1")
	assert.Equal(t, task.AgentIdle, got.AgentStatus)
	assert.Equal(t, []string{"a.py"}, hooks.post)
	assert.Equal(t, []string{"a.py"}, hooks.discovers)
	assert.Equal(t, []string{"stack-7"}, hooks.commits)
	assert.Equal(t, "stack-7", got.StackName)
	assert.Equal(t, "s7", got.StackID)
	assert.Contains(t, got.LastOutputSummary, "Committed c1 to stack-7")

	capture.add("t-1", evPermission)
	w.cycle(ctx)
	got = st.get(t, "t-1")
	assert.Equal(t, task.StatusWaiting, got.Status)
	assert.Equal(t, task.AgentWaiting, got.AgentStatus)
	assert.Equal(t, "Allow write to a.py?", got.PermissionPrompt)

	// The operator answers; the agent restarts and announces a new session.
	st.edit("t-1", func(t *task.Task) { t.PermissionPrompt = "" })
	capture.add("t-1", `{"type":"session_start","session_id":"s2"}`)
	w.cycle(ctx)
	got = st.get(t, "t-1")
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, task.AgentIdle, got.AgentStatus)
	assert.Empty(t, got.PermissionPrompt)
	assert.Equal(t, "s2", got.AgentSessionID)
	assert.Equal(t, 5, w.processed)
}

func TestSecondEditReusesStack(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	hooks := &fakeHooks{found: &stack.Stack{Name: "stack-7", CLIID: "s7"}}
	m := newTestMonitor(st, capture, hooks)
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", evEditUse, evEditResult,
		`{"type":"tool_use","id":"t2","tool_name":"Write","tool_input":{"file_path":"b.py"}}`,
		`{"type":"tool_result","toolUseId":"t2"}`,
	)
	w.cycle(ctx)

	assert.Equal(t, []string{"a.py"}, hooks.discovers, "discovery runs only until a stack is known")
	assert.Equal(t, []string{"stack-7", "stack-7"}, hooks.commits)
}

func TestToolResultPairsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	hooks := &fakeHooks{}
	m := newTestMonitor(st, capture, hooks)
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1",
		evEditUse,
		evText,
		`{"type":"tool_use","id":"t2","tool_name":"Read","tool_input":{"file_path":"b.py"}}`,
		"some unrelated terminal noise",
		`{"type":"tool_result","toolUseId":"t2","isError":false}`,
		evEditResult,
	)
	for i := 0; i < 3; i++ {
		w.cycle(ctx)
	}

	assert.Equal(t, []string{"a.py"}, hooks.pre)
	assert.Equal(t, []string{"a.py"}, hooks.post)
	assert.Equal(t, 5, w.processed)
}

func TestToolResultErrorSkipsHooks(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	hooks := &fakeHooks{}
	m := newTestMonitor(st, capture, hooks)
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", evEditUse, `{"type":"tool_result","toolUseId":"t1","isError":true}`)
	w.cycle(ctx)

	assert.Empty(t, hooks.post)
	assert.Empty(t, hooks.commits)
	assert.Equal(t, task.AgentIdle, st.get(t, "t-1").AgentStatus)
}

func TestDuplicateToolIDMostRecentWins(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	hooks := &fakeHooks{}
	m := newTestMonitor(st, capture, hooks)
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1",
		evEditUse,
		`{"type":"tool_use","id":"t1","tool_name":"Write","tool_input":{"file_path":"b.py"}}`,
		evEditResult,
	)
	w.cycle(ctx)

	assert.Equal(t, []string{"b.py"}, hooks.post)
}

func TestWaitingCollapsesOnce(t *testing.T) {
	ctx := context.Background()
	waiting := activeTask("t-1", task.StatusWaiting, task.AgentWaiting)
	waiting.PermissionPrompt = "Proceed?"
	st := newMemStore(waiting)
	capture := &fakeCapture{}
	m := newTestMonitor(st, capture, &fakeHooks{})
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1",
		evText,
		`{"type":"tool_use","id":"t9","tool_name":"Read","tool_input":{"file_path":"x"}}`,
		evText,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`,
	)
	w.cycle(ctx)
	capture.add("t-1", evText)
	w.cycle(ctx)

	got := st.get(t, "t-1")
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, task.AgentBusy, got.AgentStatus)
	assert.Empty(t, got.PermissionPrompt)
	assert.Equal(t, []task.Status{task.StatusRunning}, st.history["t-1"])
}

func TestResultKeepsFirstSessionID(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentBusy))
	capture := &fakeCapture{}
	m := newTestMonitor(st, capture, &fakeHooks{})
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1",
		`{"type":"result","sessionId":"first"}`,
		`{"type":"result","sessionId":"second"}`,
	)
	w.cycle(ctx)

	got := st.get(t, "t-1")
	assert.Equal(t, "first", got.AgentSessionID)
	assert.Equal(t, task.AgentIdle, got.AgentStatus)
}

func TestInactiveTaskIsNotTouched(t *testing.T) {
	ctx := context.Background()
	done := activeTask("t-1", task.StatusCompleted, task.AgentStopped)
	st := newMemStore(done)
	capture := &fakeCapture{}
	m := newTestMonitor(st, capture, &fakeHooks{})
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", evSessionStart, evPermission)
	w.cycle(ctx)

	got := st.get(t, "t-1")
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, task.AgentStopped, got.AgentStatus)
	assert.Empty(t, got.LastOutputSummary)
}

func TestUnknownEventsOnlySummarize(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	m := newTestMonitor(st, capture, &fakeHooks{})
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", `{"type":"system","subtype":"compact"}`, `{"type":"mystery"}`)
	w.cycle(ctx)

	got := st.get(t, "t-1")
	assert.Equal(t, task.AgentIdle, got.AgentStatus)
	assert.Equal(t, "[15:04:05] · system\n[15:04:05] · mystery", got.LastOutputSummary)
	assert.Empty(t, st.history["t-1"])
}

func TestScrollbackShrinkRereads(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	hooks := &fakeHooks{}
	m := newTestMonitor(st, capture, hooks)
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", evText, evText, evText)
	w.cycle(ctx)
	require.Equal(t, 3, w.processed)

	capture.set("t-1", evText, evEditUse)
	w.cycle(ctx)
	assert.Equal(t, 2, w.processed)
	assert.Equal(t, []string{"a.py"}, hooks.pre)

	w.cycle(ctx)
	assert.Equal(t, []string{"a.py"}, hooks.pre, "nothing is applied twice")
}

const evInitS2 = `{"type":"system","subtype":"init","session_id":"s2"}`

func TestRecreatedSessionReadFromStart(t *testing.T) {
	tests := []struct {
		name   string
		before []string
		after  []string
	}{
		{
			name:   "new scrollback shorter than old",
			before: []string{evSessionStart, evText, evText, evText, evText},
			after:  []string{evInitS2, evEditUse},
		},
		{
			name:   "new scrollback longer than old",
			before: []string{evSessionStart},
			after:  []string{evInitS2, evEditUse, evEditResult},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
			capture := &fakeCapture{}
			hooks := &fakeHooks{}
			w := newWatcher(ctx, newTestMonitor(st, capture, hooks), st.get(t, "t-1"))

			capture.recreate("t-1", "$1:100", tt.before...)
			w.cycle(ctx)
			require.Equal(t, len(tt.before), w.processed)
			require.Equal(t, "s1", st.get(t, "t-1").AgentSessionID)

			// Same tmux name, new session: Continue after a crash.
			capture.recreate("t-1", "$2:200", tt.after...)
			w.cycle(ctx)
			w.cycle(ctx)

			assert.Equal(t, len(tt.after), w.processed)
			assert.Equal(t, "s2", st.get(t, "t-1").AgentSessionID)
			assert.Equal(t, []string{"a.py"}, hooks.pre)

			saved, err := st.GetMeta(offsetKeyPrefix + "t-1")
			require.NoError(t, err)
			assert.Contains(t, saved, "@$2:200:")
		})
	}
}

func TestRestoredOffsetIgnoresOtherIncarnation(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	hooks := &fakeHooks{}

	capture.recreate("t-1", "$1:100", evSessionStart, evText, evText)
	first := newWatcher(ctx, newTestMonitor(st, capture, hooks), st.get(t, "t-1"))
	first.cycle(ctx)
	require.Equal(t, 3, first.processed)

	// The engine restarts after the session was recreated.
	capture.recreate("t-1", "$2:200", evInitS2, evEditUse)
	second := newWatcher(ctx, newTestMonitor(st, capture, hooks), st.get(t, "t-1"))
	second.cycle(ctx)
	assert.Equal(t, 2, second.processed)
	assert.Equal(t, []string{"a.py"}, hooks.pre)
}

func TestOffsetSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	hooks := &fakeHooks{}
	capture.add("t-1", evSessionStart, evEditUse)

	first := newWatcher(ctx, newTestMonitor(st, capture, hooks), st.get(t, "t-1"))
	first.loadOffset()
	first.cycle(ctx)
	require.Equal(t, []string{"a.py"}, hooks.pre)

	second := newWatcher(ctx, newTestMonitor(st, capture, hooks), st.get(t, "t-1"))
	second.loadOffset()
	assert.Equal(t, 2, second.processed)
	second.cycle(ctx)
	assert.Equal(t, []string{"a.py"}, hooks.pre, "events are not replayed")

	other := st.get(t, "t-1")
	other.SessionID = "chorus-task-elsewhere"
	third := newWatcher(ctx, newTestMonitor(st, capture, hooks), other)
	third.loadOffset()
	assert.Zero(t, third.processed)
}

func TestCaptureFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{err: tmux.ErrCaptureTimeout}
	m := newTestMonitor(st, capture, &fakeHooks{})
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", evText)
	w.cycle(ctx)
	assert.Zero(t, w.processed)

	capture.mu.Lock()
	capture.err = nil
	capture.mu.Unlock()
	w.cycle(ctx)
	assert.Equal(t, 1, w.processed)
}

func TestHookFailuresDoNotBlockStatus(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	hooks := &fakeHooks{
		preFails:  true,
		found:     &stack.Stack{Name: "stack-7"},
		commitErr: stack.ErrCommitFailed,
	}
	m := newTestMonitor(st, capture, hooks)
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", evEditUse, evEditResult, evPermission)
	w.cycle(ctx)

	got := st.get(t, "t-1")
	assert.Equal(t, task.StatusWaiting, got.Status)
	assert.Equal(t, "stack-7", got.StackName)
	assert.Equal(t, 3, w.processed)
}

func TestCyclePanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentIdle))
	capture := &fakeCapture{}
	m := newTestMonitor(st, capture, &fakeHooks{prePanics: true})
	w := newWatcher(ctx, m, st.get(t, "t-1"))

	capture.add("t-1", evEditUse)
	assert.NotPanics(t, func() { w.cycle(ctx) })
}

func TestSyncStartsAndStopsWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	noSession := activeTask("t-2", task.StatusRunning, task.AgentIdle)
	noSession.SessionID = ""
	pending := task.New("later", "")
	st := newMemStore(
		activeTask("t-1", task.StatusRunning, task.AgentIdle),
		activeTask("t-3", task.StatusWaiting, task.AgentWaiting),
		noSession,
		pending,
	)
	m := newTestMonitor(st, &fakeCapture{}, &fakeHooks{})
	t.Cleanup(m.stopAll)

	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, 2, m.WatcherCount())
	assert.True(t, m.Watching("t-1"))
	assert.False(t, m.Watching("t-2"))

	st.edit("t-1", func(t *task.Task) { t.Status = task.StatusCompleted })
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, 1, m.WatcherCount())
	assert.False(t, m.Watching("t-1"))
}

func TestRunStopsWatchersOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newMemStore(activeTask("t-1", task.StatusRunning, task.AgentStarting))
	capture := &fakeCapture{}
	capture.add("t-1", evSessionStart)

	var (
		mu      sync.Mutex
		changes []task.AgentStatus
	)
	m := newTestMonitor(st, capture, &fakeHooks{})
	m.OnChange(func(t *task.Task) {
		mu.Lock()
		changes = append(changes, t.AgentStatus)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return st.get(t, "t-1").AgentStatus == task.AgentIdle
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Zero(t, m.WatcherCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []task.AgentStatus{task.AgentIdle}, changes)
}

func TestPairingRingEvicts(t *testing.T) {
	p := newPairing(3)
	for i := 0; i < 5; i++ {
		p.push(events.ToolUse{ID: fmt.Sprintf("t%d", i), ToolName: "Edit"})
	}
	assert.Equal(t, 3, p.count())
	_, ok := p.lookup("t0")
	assert.False(t, ok)
	_, ok = p.lookup("t1")
	assert.False(t, ok)
	got, ok := p.lookup("t4")
	require.True(t, ok)
	assert.Equal(t, "Edit", got.ToolName)
	_, ok = p.lookup("")
	assert.False(t, ok)
}
