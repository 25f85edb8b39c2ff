package tmux

import (
	"log/slog"
	"regexp"
	"strings"
)

// Patterns prefixed with "re:" are regular expressions; anything else is a
// plain substring.
const regexPrefix = "re:"

// DefaultIdlePatterns match an agent sitting at its input prompt.
func DefaultIdlePatterns() []string {
	return []string{
		`re:>\s*$`,
		`re:claude>\s*$`,
	}
}

// DefaultIdlePatternsFor returns the idle defaults for mode. A stream-json
// agent exits after each turn and leaves the pane at a shell prompt, which
// counts as idle until the task is continued.
func DefaultIdlePatternsFor(mode AgentMode) []string {
	p := DefaultIdlePatterns()
	if mode == ModeStreamJSON {
		p = append(p, `re:[$#%]\s*$`)
	}
	return p
}

// DefaultWaitingPatterns match an agent blocked on a confirmation.
func DefaultWaitingPatterns() []string {
	return []string{
		`re:\(y/n\)`,
		`re:Allow\?`,
		`re:Do you want to`,
		`re:Proceed\?`,
		`re:Press Enter`,
		`re:Continue\?`,
	}
}

// PatternSet is a compiled list of substring and regex patterns.
type PatternSet struct {
	strs []string
	res  []*regexp.Regexp
}

// CompilePatterns compiles raw. Invalid regexes are logged and skipped so a
// typo in user config never takes the poller down.
func CompilePatterns(name string, raw []string) *PatternSet {
	ps := &PatternSet{}
	for _, p := range raw {
		if !strings.HasPrefix(p, regexPrefix) {
			if p != "" {
				ps.strs = append(ps.strs, p)
			}
			continue
		}
		re, err := regexp.Compile(p[len(regexPrefix):])
		if err != nil {
			tmuxLog.Warn("invalid_pattern_regex",
				slog.String("set", name),
				slog.String("pattern", p),
				slog.String("error", err.Error()))
			continue
		}
		ps.res = append(ps.res, re)
	}
	return ps
}

// Match reports whether any pattern occurs in text.
func (ps *PatternSet) Match(text string) bool {
	if ps == nil {
		return false
	}
	for _, s := range ps.strs {
		if strings.Contains(text, s) {
			return true
		}
	}
	for _, re := range ps.res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Len is the number of usable patterns.
func (ps *PatternSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.strs) + len(ps.res)
}

// MergePatterns resolves user configuration against defaults: a non-nil
// override replaces defaults entirely, extras are appended afterwards.
func MergePatterns(defaults, override, extras []string) []string {
	var out []string
	if override != nil {
		out = append(out, override...)
	} else {
		out = append(out, defaults...)
	}
	return append(out, extras...)
}

// TailLines returns the last n lines of output, the region the idle and
// waiting patterns are matched against. Prompts render at the bottom of the
// pane, so "$" in a pattern anchors to the end of the tail. Blank padding
// below the cursor is dropped first.
func TailLines(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
