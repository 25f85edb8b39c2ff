package tmux

import (
	"sort"
	"strings"
)

// AgentMode selects how the agent CLI is run inside the session.
type AgentMode string

const (
	// ModeInteractive runs the agent's TUI; status comes from hooks and
	// terminal pattern matching.
	ModeInteractive AgentMode = "interactive"

	// ModeStreamJSON runs the agent headless, printing one JSON event per
	// line for the session monitor to parse.
	ModeStreamJSON AgentMode = "stream-json"
)

// Launcher builds the shell command typed into a task session.
type Launcher struct {
	Binary          string
	Mode            AgentMode
	SkipPermissions bool

	// ConfigDir is exported as CLAUDE_CONFIG_DIR so hook settings are
	// shared by every task.
	ConfigDir string

	// Env holds additional variables exported before the command.
	Env       map[string]string
	ExtraArgs []string
}

// LaunchOptions are the per-task parts of a launch.
type LaunchOptions struct {
	// ContextFile is appended to the system prompt via $(cat ...).
	ContextFile string

	// InitialPrompt is the first user message. Required in stream-json
	// mode, where it is passed with -p.
	InitialPrompt string

	// ResumeToken continues an earlier agent session.
	ResumeToken string
}

func (l *Launcher) mode() AgentMode {
	if l.Mode == "" {
		return ModeInteractive
	}
	return l.Mode
}

// Command renders the full command line for taskID.
func (l *Launcher) Command(taskID string, opts LaunchOptions) string {
	var b strings.Builder

	env := map[string]string{"CHORUS_TASK_ID": taskID}
	if l.ConfigDir != "" {
		env["CLAUDE_CONFIG_DIR"] = l.ConfigDir
	}
	for k, v := range l.Env {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(ShellQuote(env[k]))
		b.WriteByte(' ')
	}

	bin := l.Binary
	if bin == "" {
		bin = "claude"
	}
	b.WriteString(bin)

	if l.SkipPermissions {
		b.WriteString(" --dangerously-skip-permissions")
	}
	if opts.ResumeToken != "" {
		b.WriteString(" --resume ")
		b.WriteString(ShellQuote(opts.ResumeToken))
	}
	if opts.ContextFile != "" {
		// Expanded by the session's shell so the file body never passes
		// through send-keys.
		b.WriteString(` --append-system-prompt "$(cat `)
		b.WriteString(ShellQuote(opts.ContextFile))
		b.WriteString(`)"`)
	}
	if l.mode() == ModeStreamJSON {
		b.WriteString(" -p ")
		b.WriteString(ShellQuote(opts.InitialPrompt))
		b.WriteString(" --output-format stream-json --verbose")
	}
	for _, a := range l.ExtraArgs {
		b.WriteByte(' ')
		b.WriteString(ShellQuote(a))
	}
	if l.mode() == ModeInteractive && opts.InitialPrompt != "" {
		b.WriteByte(' ')
		b.WriteString(ShellQuote(opts.InitialPrompt))
	}
	return b.String()
}

// ShellQuote wraps s in single quotes for POSIX shells. Strings made only
// of safe characters are returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
