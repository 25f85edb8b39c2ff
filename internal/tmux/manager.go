// Package tmux owns the one-to-one mapping between tasks and tmux sessions.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultPrefix names every session chorus creates: chorus-task-<task id>.
const DefaultPrefix = "chorus-task-"

// Config tunes a Manager. Zero values pick the defaults.
type Config struct {
	Prefix  string
	WorkDir string

	// HistoryLines bounds a full-history capture.
	HistoryLines int

	CaptureTimeout time.Duration
	CommandTimeout time.Duration

	// EnterDelay separates pasted text from the Enter key so TUI agents
	// see them as two inputs.
	EnterDelay time.Duration

	// InterruptDelay separates the two Ctrl-C presses of a restart.
	InterruptDelay time.Duration

	// Limiter paces subprocess spawns across all watchers. Nil means no limit.
	Limiter *rate.Limiter
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.HistoryLines <= 0 {
		c.HistoryLines = 10000
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 3 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.EnterDelay <= 0 {
		c.EnterDelay = 100 * time.Millisecond
	}
	if c.InterruptDelay <= 0 {
		c.InterruptDelay = 500 * time.Millisecond
	}
}

// CaptureOptions selects how much scrollback CaptureOutput returns.
type CaptureOptions struct {
	// Lines is the number of trailing lines to return. Ignored when
	// FullHistory is set; zero means the visible pane.
	Lines       int
	FullHistory bool
}

// Manager creates, drives, reads and kills task sessions. It is safe for
// concurrent use; every call is an independent tmux subprocess.
type Manager struct {
	cfg      Config
	run      Runner
	launcher *Launcher
	sleep    func(context.Context, time.Duration) error
	capture  singleflight.Group
}

// NewManager returns a Manager driving tmux through run. A nil launcher
// uses a default claude launcher.
func NewManager(cfg Config, run Runner, launcher *Launcher) *Manager {
	cfg.applyDefaults()
	if run == nil {
		run = ExecRunner{}
	}
	if launcher == nil {
		launcher = &Launcher{}
	}
	return &Manager{cfg: cfg, run: run, launcher: launcher, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SessionName is the tmux session name for taskID.
func (m *Manager) SessionName(taskID string) string {
	return m.cfg.Prefix + taskID
}

// TaskIDFromSession reverses SessionName.
func (m *Manager) TaskIDFromSession(name string) (string, bool) {
	if !strings.HasPrefix(name, m.cfg.Prefix) || len(name) == len(m.cfg.Prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, m.cfg.Prefix), true
}

func (m *Manager) exec(ctx context.Context, timeout time.Duration, args ...string) (Result, error) {
	if m.cfg.Limiter != nil {
		if err := m.cfg.Limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.run.Run(ctx, nil, args...)
}

// target is the session name prefixed with "=" so tmux matches it exactly
// instead of by prefix.
func target(name string) string { return "=" + name }

// CreateSession starts a detached session for taskID in the configured
// working directory.
func (m *Manager) CreateSession(ctx context.Context, taskID string) (string, error) {
	name := m.SessionName(taskID)
	exists, err := m.SessionExists(ctx, taskID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrSessionAlreadyExists, name)
	}

	args := []string{"new-session", "-d", "-s", name}
	if m.cfg.WorkDir != "" {
		args = append(args, "-c", m.cfg.WorkDir)
	}
	res, err := m.exec(ctx, m.cfg.CommandTimeout, args...)
	if err != nil {
		return "", fmt.Errorf("create session %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if containsFold(res.Stderr, "duplicate session") {
			return "", fmt.Errorf("%w: %s", ErrSessionAlreadyExists, name)
		}
		return "", fmt.Errorf("create session %s: %s", name, strings.TrimSpace(res.Stderr))
	}

	// Large scrollback so stream-json events survive long sessions.
	_, _ = m.exec(ctx, m.cfg.CommandTimeout,
		"set-option", "-t", target(name), "history-limit", strconv.Itoa(m.cfg.HistoryLines))

	tmuxLog.Info("session_created", slog.String("session", name), slog.String("task", taskID))
	return name, nil
}

// SessionExists reports whether taskID's session is live. The error is
// non-nil only when tmux itself could not be asked.
func (m *Manager) SessionExists(ctx context.Context, taskID string) (bool, error) {
	res, err := m.exec(ctx, m.cfg.CommandTimeout, "has-session", "-t", target(m.SessionName(taskID)))
	if err != nil {
		return false, fmt.Errorf("has-session: %w", err)
	}
	return res.ExitCode == 0, nil
}

// StartAgent types the agent launch command into the session.
func (m *Manager) StartAgent(ctx context.Context, taskID string, opts LaunchOptions) error {
	if err := m.requireSession(ctx, taskID); err != nil {
		return err
	}
	cmdline := m.launcher.Command(taskID, opts)
	if err := m.sendLine(ctx, m.SessionName(taskID), cmdline); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	tmuxLog.Info("agent_started",
		slog.String("task", taskID),
		slog.String("mode", string(m.launcher.mode())),
		slog.Bool("resume", opts.ResumeToken != ""))
	return nil
}

// RestartAgent interrupts the running agent and launches it again. The
// interrupt is sent twice: the first Ctrl-C may only arm a confirmation.
func (m *Manager) RestartAgent(ctx context.Context, taskID string, opts LaunchOptions) error {
	if err := m.requireSession(ctx, taskID); err != nil {
		return err
	}
	name := m.SessionName(taskID)
	for i := 0; i < 2; i++ {
		if err := m.sendKey(ctx, name, "C-c"); err != nil {
			return fmt.Errorf("restart agent: interrupt: %w", err)
		}
		if err := m.sleep(ctx, m.cfg.InterruptDelay); err != nil {
			return err
		}
	}
	if err := m.sendLine(ctx, name, m.launcher.Command(taskID, opts)); err != nil {
		return fmt.Errorf("restart agent: %w", err)
	}
	tmuxLog.Info("agent_restarted", slog.String("task", taskID), slog.Bool("resume", opts.ResumeToken != ""))
	return nil
}

// CaptureOutput returns the session's buffered text. Any trailing-lines
// or full-history request reads the whole history once and trims it, so
// the monitor and the poller share a single capture-pane per session.
// Each caller may give up on its own ctx without failing the others.
func (m *Manager) CaptureOutput(ctx context.Context, taskID string, opts CaptureOptions) (string, error) {
	name := m.SessionName(taskID)
	args := []string{"capture-pane", "-p", "-J", "-t", target(name)}
	key := "pane:" + name
	if opts.FullHistory || opts.Lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(m.cfg.HistoryLines))
		key = "history:" + name
	}

	shared := context.WithoutCancel(ctx)
	ch := m.capture.DoChan(key, func() (any, error) {
		return m.capturePane(shared, name, args)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return "", r.Err
	}
	out := r.Val.(string)
	if !opts.FullHistory && opts.Lines > 0 {
		out = lastLines(out, opts.Lines)
	}
	return out, nil
}

func (m *Manager) capturePane(ctx context.Context, name string, args []string) (string, error) {
	res, err := m.exec(ctx, m.cfg.CaptureTimeout, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrCaptureTimeout
		}
		return "", fmt.Errorf("capture %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if isNotFoundOutput(res.Stderr) {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return "", fmt.Errorf("capture %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// SessionInstance identifies the live incarnation of taskID's session as
// "<session id>:<creation time>". A session killed and created again under
// the same name reports a different value.
func (m *Manager) SessionInstance(ctx context.Context, taskID string) (string, error) {
	name := m.SessionName(taskID)
	res, err := m.exec(ctx, m.cfg.CommandTimeout,
		"display-message", "-p", "-t", target(name), "#{session_id}:#{session_created}")
	if err != nil {
		return "", fmt.Errorf("display-message %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if isNotFoundOutput(res.Stderr) {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return "", fmt.Errorf("display-message %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SendInput types text into the session, followed by Enter when
// withNewline is set.
func (m *Manager) SendInput(ctx context.Context, taskID, text string, withNewline bool) error {
	if err := m.requireSession(ctx, taskID); err != nil {
		return err
	}
	name := m.SessionName(taskID)
	if withNewline {
		return m.sendLine(ctx, name, text)
	}
	return m.sendLiteral(ctx, name, text)
}

// KillSession destroys taskID's session. It returns ErrSessionNotFound
// when there was nothing to kill; teardown callers treat that as success.
func (m *Manager) KillSession(ctx context.Context, taskID string) error {
	name := m.SessionName(taskID)
	res, err := m.exec(ctx, m.cfg.CommandTimeout, "kill-session", "-t", target(name))
	if err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if isNotFoundOutput(res.Stderr) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return fmt.Errorf("kill session %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	tmuxLog.Info("session_killed", slog.String("session", name))
	return nil
}

// ListActiveTaskIDs returns the task ids of every live chorus session.
func (m *Manager) ListActiveTaskIDs(ctx context.Context) ([]string, error) {
	res, err := m.exec(ctx, m.cfg.CommandTimeout, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if res.ExitCode != 0 {
		// No server means no sessions.
		if isNotFoundOutput(res.Stderr) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %s", strings.TrimSpace(res.Stderr))
	}
	var ids []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if id, ok := m.TaskIDFromSession(strings.TrimSpace(line)); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Manager) requireSession(ctx context.Context, taskID string) error {
	ok, err := m.SessionExists(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, m.SessionName(taskID))
	}
	return nil
}

// sendLine pastes text literally, waits EnterDelay, then presses Enter.
func (m *Manager) sendLine(ctx context.Context, name, text string) error {
	if text != "" {
		if err := m.sendLiteral(ctx, name, text); err != nil {
			return err
		}
		if err := m.sleep(ctx, m.cfg.EnterDelay); err != nil {
			return err
		}
	}
	return m.sendKey(ctx, name, "Enter")
}

const sendChunkSize = 4096

func (m *Manager) sendLiteral(ctx context.Context, name, text string) error {
	for i, chunk := range splitIntoChunks(text, sendChunkSize) {
		if i > 0 {
			if err := m.sleep(ctx, 50*time.Millisecond); err != nil {
				return err
			}
		}
		res, err := m.exec(ctx, m.cfg.CommandTimeout, "send-keys", "-l", "-t", target(name), "--", chunk)
		if err := sendErr(name, res, err); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sendKey(ctx context.Context, name, key string) error {
	res, err := m.exec(ctx, m.cfg.CommandTimeout, "send-keys", "-t", target(name), key)
	return sendErr(name, res, err)
}

func sendErr(name string, res Result, err error) error {
	if err != nil {
		return fmt.Errorf("send-keys %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		if isNotFoundOutput(res.Stderr) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return fmt.Errorf("send-keys %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// splitIntoChunks cuts content into pieces of at most maxSize bytes,
// preferring newline boundaries and never splitting a UTF-8 sequence.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	for len(content) > maxSize {
		cut := strings.LastIndexByte(content[:maxSize], '\n') + 1
		if cut <= 0 {
			cut = maxSize
			for cut > 0 && !isRuneStart(content[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxSize
			}
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
	}
	return append(chunks, content)
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// lastLines keeps the final n lines of s, ignoring trailing blank rows.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
