package stack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	args  []string
	stdin string
}

// scriptRunner answers by subcommand and records every call.
type scriptRunner struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]Result
}

func (r *scriptRunner) Run(_ context.Context, _ string, stdin io.Reader, args ...string) (Result, error) {
	var in string
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		in = string(b)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{args: args, stdin: in})
	key := args[0]
	if len(args) > 1 && (args[0] == "branch" || args[0] == "claude") {
		key += " " + args[1]
	}
	return r.responses[key], nil
}

func (r *scriptRunner) last(prefix string) (call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.Join(r.calls[i].args, " "), prefix) {
			return r.calls[i], true
		}
	}
	return call{}, false
}

const twoStacks = `{
  "stacks": [
    {"cliId": "u0", "assignedChanges": [{"cliId": "c1", "filePath": "src/a.py", "changeType": "modified"}],
     "branches": [{"cliId": "u0", "name": "zl-branch-15", "commits": [{"cliId": "k1", "commitId": "abcdef0123", "message": "m"}]}]},
    {"cliId": "u1", "assignedChanges": [],
     "branches": [{"cliId": "u1", "name": "zl-branch-16", "commits": []}]},
    {"cliId": "tm", "assignedChanges": [{"cliId": "c2", "filePath": "src/b.py"}],
     "branches": [{"cliId": "tm", "name": "task-1-feature", "commits": []}]}
  ],
  "unassignedChanges": [{"cliId": "c9", "filePath": "README.md", "changeType": "added"}]
}`

func newClient(r *scriptRunner) *Client {
	return New(Config{ProjectDir: "/repo", AutoPrefix: DefaultAutoPrefix}, r)
}

func TestStatusParsing(t *testing.T) {
	r := &scriptRunner{responses: map[string]Result{"status": {Stdout: twoStacks}}}
	st, err := newClient(r).Status(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Stacks, 3)
	assert.Equal(t, "zl-branch-15", st.Stacks[0].Name)
	assert.Equal(t, "u0", st.Stacks[0].CLIID)
	require.Len(t, st.Stacks[0].Changes, 1)
	assert.Equal(t, "src/a.py", st.Stacks[0].Changes[0].FilePath)
	require.Len(t, st.Stacks[0].Commits, 1)
	assert.Equal(t, "abcdef0123", st.Stacks[0].Commits[0].ID)
	require.Len(t, st.Unassigned, 1)
	assert.Equal(t, "README.md", st.Unassigned[0].FilePath)
}

func TestStatusErrors(t *testing.T) {
	r := &scriptRunner{responses: map[string]Result{"status": {ExitCode: 1, Stderr: "not a gitbutler project"}}}
	_, err := newClient(r).Status(context.Background())
	assert.ErrorContains(t, err, "not a gitbutler project")

	r = &scriptRunner{responses: map[string]Result{"status": {Stdout: "garbage"}}}
	_, err = newClient(r).Status(context.Background())
	assert.Error(t, err)
}

func TestDiscoverStack(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		status string
		file   string
		want   string
	}{
		{"matches assigned file by suffix", twoStacks, "/home/u/proj/src/a.py", "zl-branch-15"},
		{"ignores non auto stacks", twoStacks, "/home/u/proj/src/b.py", ""},
		{"single candidate fallback", `{"stacks":[{"cliId":"u0","branches":[{"cliId":"u0","name":"zl-branch-3"}]}]}`, "/x/y.go", "zl-branch-3"},
		{"empty workspace", `{"stacks":[],"unassignedChanges":[]}`, "/x/y.go", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptRunner{responses: map[string]Result{"status": {Stdout: tt.status}}}
			got, err := newClient(r).DiscoverStack(ctx, "task-1", tt.file)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestCommitToStack(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		r := &scriptRunner{responses: map[string]Result{
			"status": {Stdout: twoStacks},
			"commit": {Stdout: `{"commitId":"0123456789ab","message":"edit a.py"}`},
		}}
		cm, err := newClient(r).CommitToStack(ctx, "zl-branch-15")
		require.NoError(t, err)
		require.NotNil(t, cm)
		assert.Equal(t, "0123456789ab", cm.ID)
		c, ok := r.last("commit")
		require.True(t, ok)
		assert.Equal(t, []string{"commit", "zl-branch-15", "-j"}, c.args)
	})

	t.Run("wrapped commit", func(t *testing.T) {
		r := &scriptRunner{responses: map[string]Result{
			"status": {Stdout: twoStacks},
			"commit": {Stdout: `{"commit":{"commitId":"feed"}}`},
		}}
		cm, err := newClient(r).CommitToStack(ctx, "zl-branch-15")
		require.NoError(t, err)
		assert.Equal(t, "feed", cm.ID)
	})

	t.Run("nothing to commit", func(t *testing.T) {
		r := &scriptRunner{responses: map[string]Result{
			"status": {Stdout: twoStacks},
			"commit": {ExitCode: 1, Stderr: "Nothing to commit"},
		}}
		cm, err := newClient(r).CommitToStack(ctx, "zl-branch-15")
		assert.NoError(t, err)
		assert.Nil(t, cm)
	})

	t.Run("failure", func(t *testing.T) {
		r := &scriptRunner{responses: map[string]Result{
			"status": {Stdout: twoStacks},
			"commit": {ExitCode: 1, Stderr: "conflict"},
		}}
		_, err := newClient(r).CommitToStack(ctx, "zl-branch-15")
		assert.True(t, errors.Is(err, ErrCommitFailed))
	})

	t.Run("missing stack", func(t *testing.T) {
		r := &scriptRunner{responses: map[string]Result{"status": {Stdout: twoStacks}}}
		_, err := newClient(r).CommitToStack(ctx, "nope")
		assert.ErrorIs(t, err, ErrStackNotFound)
	})
}

func TestCreateAndDeleteStack(t *testing.T) {
	ctx := context.Background()
	r := &scriptRunner{responses: map[string]Result{"status": {Stdout: twoStacks}}}
	c := newClient(r)

	_, err := c.CreateStack(ctx, "zl-branch-15")
	assert.ErrorIs(t, err, ErrStackAlreadyExists)

	assert.ErrorIs(t, c.DeleteStack(ctx, "nope"), ErrStackNotFound)

	require.NoError(t, c.DeleteStack(ctx, "zl-branch-16"))
	del, ok := r.last("branch delete")
	require.True(t, ok)
	assert.Equal(t, []string{"branch", "delete", "zl-branch-16", "--force"}, del.args)
}

func TestHookPayloads(t *testing.T) {
	ctx := context.Background()
	r := &scriptRunner{responses: map[string]Result{
		"claude pre-tool":  {Stdout: `{"continue":true}`},
		"claude post-tool": {Stdout: `{"continue":true}`},
		"claude stop":      {ExitCode: 1, Stderr: "Transcript not found"},
	}}
	c := newClient(r)

	assert.True(t, c.PreEditHook(ctx, "task-1", "/p/a.py", "/tmp/t.json", "Edit"))
	pre, _ := r.last("claude pre-tool")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(pre.stdin), &payload))
	assert.Equal(t, "PreToolUse", payload["hook_event_name"])
	assert.Equal(t, "task-1", payload["session_id"])
	assert.Equal(t, "/p/a.py", payload["tool_input"].(map[string]any)["file_path"])

	assert.True(t, c.PostEditHook(ctx, "task-1", "/p/a.py", "/tmp/t.json", ""))
	post, _ := r.last("claude post-tool")
	payload = nil
	require.NoError(t, json.Unmarshal([]byte(post.stdin), &payload))
	assert.Equal(t, "PostToolUse", payload["hook_event_name"])
	assert.Equal(t, "Edit", payload["tool_name"], "missing tool name still reports an edit")
	resp := payload["tool_response"].(map[string]any)
	assert.Equal(t, "/p/a.py", resp["filePath"])
	assert.Equal(t, []any{}, resp["structuredPatch"])

	assert.False(t, c.StopHook(ctx, "task-1", "/tmp/t.json"))
}

func TestDisabled(t *testing.T) {
	var h Hooks = Disabled{}
	ctx := context.Background()
	assert.True(t, h.PreEditHook(ctx, "", "", "", ""))
	s, err := h.DiscoverStack(ctx, "", "")
	assert.NoError(t, err)
	assert.Nil(t, s)
	cm, err := h.CommitToStack(ctx, "x")
	assert.NoError(t, err)
	assert.Nil(t, cm)
}
