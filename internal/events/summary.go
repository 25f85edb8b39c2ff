package events

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const summaryTextLimit = 100

// Summarize renders ev as one human-readable line stamped with at. It
// returns "" for events that are not worth a line.
func Summarize(ev Event, at time.Time) string {
	var body string
	switch e := ev.(type) {
	case SessionStart:
		body = "Session started"
	case ToolUse:
		body = "🔧 " + orDefault(e.ToolName, "unknown")
		if e.FilePath != "" {
			body += ": " + e.FilePath
		}
	case ToolResult:
		if e.IsError {
			body = "❌ Tool failed"
		} else {
			body = "✅ Tool completed"
		}
	case Text:
		body = "💬 " + clip(e.Text, summaryTextLimit)
	case Assistant:
		if e.Text == "" {
			return ""
		}
		body = "💬 " + clip(e.Text, summaryTextLimit)
	case Result:
		body = "✓ Response complete"
	case PermissionRequest:
		body = "⚠️  " + clip(e.Prompt, summaryTextLimit)
	case Error:
		body = "❌ Error: " + clip(e.Message, summaryTextLimit)
	default:
		body = "· " + ev.Type()
	}
	return fmt.Sprintf("[%s] %s", at.Format("15:04:05"), body)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// clip flattens s to one line, cuts it to at most n runes and marks the cut.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
