// Package stack drives GitButler, which keeps each task's edits on its own
// virtual branch ("stack").
package stack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/chorusdev/chorus/internal/logging"
)

var stackLog = logging.ForComponent(logging.CompStack)

// DefaultAutoPrefix is the branch name prefix GitButler gives stacks it
// creates on its own when an agent hook reports an edit.
const DefaultAutoPrefix = "zl-branch-"

// Change is a file change in the workspace.
type Change struct {
	CLIID      string
	FilePath   string
	ChangeType string
}

// Commit is a commit created on a stack.
type Commit struct {
	CLIID   string
	ID      string
	Message string
}

// Stack is one GitButler virtual branch.
type Stack struct {
	Name    string
	CLIID   string
	Changes []Change
	Commits []Commit
}

// Status is the parsed output of `but status -j`.
type Status struct {
	Stacks     []Stack
	Unassigned []Change
}

// Find returns the stack called name.
func (s *Status) Find(name string) (*Stack, bool) {
	for i := range s.Stacks {
		if s.Stacks[i].Name == name {
			return &s.Stacks[i], true
		}
	}
	return nil, false
}

// Hooks is what the session monitor and hook handler need from a stacking
// tool. Hook calls report success as a bool; failures are logged and
// never returned.
type Hooks interface {
	PreEditHook(ctx context.Context, sessionID, filePath, transcriptPath, toolName string) bool
	PostEditHook(ctx context.Context, sessionID, filePath, transcriptPath, toolName string) bool
	StopHook(ctx context.Context, sessionID, transcriptPath string) bool

	// DiscoverStack returns nil with a nil error when no stack matches.
	DiscoverStack(ctx context.Context, sessionID, editedFile string) (*Stack, error)

	// CommitToStack returns nil with a nil error when there was nothing
	// to commit.
	CommitToStack(ctx context.Context, name string) (*Commit, error)
}

// Config tunes a Client.
type Config struct {
	ProjectDir string

	// AutoPrefix limits discovery to stacks GitButler created on its own.
	// Empty considers every stack.
	AutoPrefix string

	Timeout time.Duration
	Limiter *rate.Limiter
}

// Client runs the `but` CLI against one project.
type Client struct {
	cfg Config
	run Runner
}

var _ Hooks = (*Client)(nil)

// New returns a Client. A nil runner runs the real `but` binary.
func New(cfg Config, run Runner) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if run == nil {
		run = ExecRunner{}
	}
	return &Client{cfg: cfg, run: run}
}

// CheckProject verifies the project directory is inside a git repository,
// which GitButler requires.
func CheckProject(dir string) error {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s is not a git repository: %s", dir, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *Client) exec(ctx context.Context, stdin []byte, args ...string) (Result, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	var in io.Reader
	if stdin != nil {
		in = bytes.NewReader(stdin)
	}
	return c.run.Run(ctx, c.cfg.ProjectDir, in, args...)
}

// Status reads the workspace.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	res, err := c.exec(ctx, nil, "status", "-j")
	if err != nil {
		return nil, fmt.Errorf("but status: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("but status: %s", strings.TrimSpace(res.Stderr))
	}
	return parseStatus(res.Stdout)
}

func parseStatus(out string) (*Status, error) {
	if !gjson.Valid(out) {
		return nil, fmt.Errorf("but status: invalid JSON output")
	}
	root := gjson.Parse(out)
	st := &Status{}
	root.Get("stacks").ForEach(func(_, s gjson.Result) bool {
		st.Stacks = append(st.Stacks, parseStack(s))
		return true
	})
	root.Get("unassignedChanges").ForEach(func(_, ch gjson.Result) bool {
		st.Unassigned = append(st.Unassigned, parseChange(ch))
		return true
	})
	return st, nil
}

// parseStack reads one entry of stacks[]. The branch data lives in
// branches[0]; assigned changes sit on the wrapper.
func parseStack(s gjson.Result) Stack {
	st := Stack{CLIID: s.Get("cliId").String()}
	if b := s.Get("branches.0"); b.Exists() {
		st.Name = b.Get("name").String()
		if id := b.Get("cliId").String(); id != "" {
			st.CLIID = id
		}
		b.Get("commits").ForEach(func(_, cm gjson.Result) bool {
			st.Commits = append(st.Commits, parseCommit(cm))
			return true
		})
	}
	s.Get("assignedChanges").ForEach(func(_, ch gjson.Result) bool {
		st.Changes = append(st.Changes, parseChange(ch))
		return true
	})
	return st
}

func parseChange(ch gjson.Result) Change {
	return Change{
		CLIID:      ch.Get("cliId").String(),
		FilePath:   ch.Get("filePath").String(),
		ChangeType: ch.Get("changeType").String(),
	}
}

func parseCommit(cm gjson.Result) Commit {
	return Commit{
		CLIID:   cm.Get("cliId").String(),
		ID:      cm.Get("commitId").String(),
		Message: cm.Get("message").String(),
	}
}

// CreateStack creates a new virtual branch.
func (c *Client) CreateStack(ctx context.Context, name string) (*Stack, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := st.Find(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrStackAlreadyExists, name)
	}

	res, err := c.exec(ctx, nil, "branch", "new", name, "-j")
	if err != nil {
		return nil, fmt.Errorf("but branch new: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("but branch new %s: %s", name, strings.TrimSpace(res.Stderr))
	}

	// The command only echoes the name; re-read status for the id.
	st, err = c.Status(ctx)
	if err != nil {
		return nil, err
	}
	created, ok := st.Find(name)
	if !ok {
		return nil, fmt.Errorf("stack %s created but missing from status", name)
	}
	stackLog.Info("stack_created", slog.String("stack", name), slog.String("cli_id", created.CLIID))
	return created, nil
}

// DeleteStack force-deletes a virtual branch.
func (c *Client) DeleteStack(ctx context.Context, name string) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if _, ok := st.Find(name); !ok {
		return fmt.Errorf("%w: %s", ErrStackNotFound, name)
	}
	res, err := c.exec(ctx, nil, "branch", "delete", name, "--force")
	if err != nil {
		return fmt.Errorf("but branch delete: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("but branch delete %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	stackLog.Info("stack_deleted", slog.String("stack", name))
	return nil
}

// CommitToStack commits the stack's assigned changes.
func (c *Client) CommitToStack(ctx context.Context, name string) (*Commit, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := st.Find(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrStackNotFound, name)
	}

	res, err := c.exec(ctx, nil, "commit", name, "-j")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCommitFailed, name, err)
	}
	if res.ExitCode != 0 {
		if nothingToCommit(res.Stderr) || nothingToCommit(res.Stdout) {
			stackLog.Debug("stack_nothing_to_commit", slog.String("stack", name))
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrCommitFailed, name, strings.TrimSpace(res.Stderr))
	}

	commit := parseCommitOutput(res.Stdout)
	if commit == nil {
		// Older CLIs print nothing useful; the commit exists regardless.
		commit = &Commit{}
	}
	stackLog.Info("stack_committed", slog.String("stack", name), slog.String("commit", shortSHA(commit.ID)))
	return commit, nil
}

func nothingToCommit(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, errNothingToCommit.Error()) || strings.Contains(lower, "no changes")
}

// parseCommitOutput accepts either a bare commit object or one wrapped in
// {"commit": ...}.
func parseCommitOutput(out string) *Commit {
	if !gjson.Valid(out) {
		return nil
	}
	root := gjson.Parse(out)
	if root.Get("commitId").Exists() {
		cm := parseCommit(root)
		return &cm
	}
	if w := root.Get("commit"); w.IsObject() {
		cm := parseCommit(w)
		return &cm
	}
	return nil
}

func shortSHA(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// DiscoverStack finds the stack GitButler assigned an edit to: the
// candidate whose assigned changes include editedFile, else the only
// candidate. Candidates are stacks named with the auto prefix.
func (c *Client) DiscoverStack(ctx context.Context, sessionID, editedFile string) (*Stack, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []Stack
	for _, s := range st.Stacks {
		if s.Name == "" {
			continue
		}
		if c.cfg.AutoPrefix != "" && !strings.HasPrefix(s.Name, c.cfg.AutoPrefix) {
			continue
		}
		candidates = append(candidates, s)
	}

	for i := range candidates {
		for _, ch := range candidates[i].Changes {
			if ch.FilePath == editedFile || pathSuffixMatch(ch.FilePath, editedFile) {
				stackLog.Info("stack_discovered",
					slog.String("session", sessionID),
					slog.String("stack", candidates[i].Name),
					slog.String("file", editedFile))
				return &candidates[i], nil
			}
		}
	}
	if len(candidates) == 1 {
		stackLog.Info("stack_discovered_single",
			slog.String("session", sessionID),
			slog.String("stack", candidates[0].Name))
		return &candidates[0], nil
	}
	stackLog.Debug("stack_not_discovered",
		slog.String("session", sessionID),
		slog.Int("candidates", len(candidates)))
	return nil, nil
}

// pathSuffixMatch compares a repo-relative change path with the absolute
// path the agent reported.
func pathSuffixMatch(changePath, edited string) bool {
	if changePath == "" || edited == "" {
		return false
	}
	return strings.HasSuffix(edited, "/"+strings.TrimPrefix(changePath, "/"))
}

type hookPayload struct {
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path"`
	HookEventName  string         `json:"hook_event_name"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	ToolResponse   map[string]any `json:"tool_response,omitempty"`
}

// PreEditHook tells GitButler an edit to filePath is about to happen.
func (c *Client) PreEditHook(ctx context.Context, sessionID, filePath, transcriptPath, toolName string) bool {
	return c.callHook(ctx, "pre-tool", hookPayload{
		SessionID:      sessionID,
		TranscriptPath: transcriptPath,
		HookEventName:  "PreToolUse",
		ToolName:       orEdit(toolName),
		ToolInput:      map[string]any{"file_path": filePath},
	})
}

// PostEditHook tells GitButler filePath was edited so it can assign the
// change to the session's stack.
func (c *Client) PostEditHook(ctx context.Context, sessionID, filePath, transcriptPath, toolName string) bool {
	return c.callHook(ctx, "post-tool", hookPayload{
		SessionID:      sessionID,
		TranscriptPath: transcriptPath,
		HookEventName:  "PostToolUse",
		ToolName:       orEdit(toolName),
		ToolInput:      map[string]any{"file_path": filePath},
		ToolResponse:   map[string]any{"filePath": filePath, "structuredPatch": []any{}},
	})
}

// StopHook tells GitButler the agent session ended.
func (c *Client) StopHook(ctx context.Context, sessionID, transcriptPath string) bool {
	return c.callHook(ctx, "stop", hookPayload{
		SessionID:      sessionID,
		TranscriptPath: transcriptPath,
		HookEventName:  "SessionEnd",
	})
}

// orEdit fills a missing tool name. An unnamed edit is still reported so
// the change gets committed.
func orEdit(toolName string) string {
	if toolName == "" {
		return "Edit"
	}
	return toolName
}

func (c *Client) callHook(ctx context.Context, hook string, payload hookPayload) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		stackLog.Error("stack_hook_encode_failed", slog.String("hook", hook), slog.String("error", err.Error()))
		return false
	}
	res, err := c.exec(ctx, body, "claude", hook, "-j")
	if err != nil {
		stackLog.Warn("stack_hook_failed", slog.String("hook", hook), slog.String("error", err.Error()))
		return false
	}
	if res.ExitCode != 0 {
		stackLog.Warn("stack_hook_failed",
			slog.String("hook", hook),
			slog.Int("exit", res.ExitCode),
			slog.String("stderr", strings.TrimSpace(res.Stderr)))
		return false
	}
	return true
}

// Disabled satisfies Hooks without touching version control.
type Disabled struct{}

var _ Hooks = Disabled{}

func (Disabled) PreEditHook(context.Context, string, string, string, string) bool  { return true }
func (Disabled) PostEditHook(context.Context, string, string, string, string) bool { return true }
func (Disabled) StopHook(context.Context, string, string) bool                     { return true }
func (Disabled) DiscoverStack(context.Context, string, string) (*Stack, error)     { return nil, nil }
func (Disabled) CommitToStack(context.Context, string) (*Commit, error)            { return nil, nil }
