package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/chorusdev/chorus/internal/task"
)

// Table column widths for `task list`. The title column takes whatever
// the terminal leaves over, within these bounds.
const (
	tableColID     = 8
	tableColStatus = 9
	tableColAgent  = 8
	tableColStack  = 16
	tableColAge    = 6

	minTitleWidth     = 12
	defaultTitleWidth = 40
)

// terminalWidth is stdout's width, or 0 when stdout is not a terminal.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// titleWidth sizes the title column for a terminal width columns wide.
func titleWidth(columns int) int {
	if columns <= 0 {
		return defaultTitleWidth
	}
	fixed := tableColID + tableColStatus + tableColAgent + tableColStack + tableColAge + 5*2
	if w := columns - fixed; w > minTitleWidth {
		return w
	}
	return minTitleWidth
}

// fit pads or truncates s to exactly width display cells.
func fit(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) > width {
		s = runewidth.Truncate(s, width, "…")
	}
	return runewidth.FillRight(s, width)
}

// formatAge renders d the way `ls -l` users skim it: 42s, 5m, 3h, 2d.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// renderTaskTable lays tasks out in aligned columns.
func renderTaskTable(tasks []*task.Task, columns int, now time.Time) string {
	tw := titleWidth(columns)
	var b strings.Builder
	row := func(cells ...string) {
		widths := []int{tableColID, tw, tableColStatus, tableColAgent, tableColStack, tableColAge}
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fit(c, widths[i])
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, "  "), " "))
		b.WriteByte('\n')
	}

	row("ID", "TITLE", "STATUS", "AGENT", "STACK", "AGE")
	for _, t := range tasks {
		status := string(t.Status)
		if t.PermissionPrompt != "" {
			status += "!"
		}
		row(t.ShortID(), t.Title, status, string(t.AgentStatus), t.StackName, formatAge(now.Sub(t.UpdatedAt)))
	}
	return b.String()
}

// renderTaskDetail is the human form of `task show`.
func renderTaskDetail(t *task.Task) string {
	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%-14s %s\n", name+":", value)
	}
	field("ID", t.ID)
	field("Title", t.Title)
	field("Status", string(t.Status))
	field("Agent", string(t.AgentStatus))
	field("Session", t.SessionID)
	field("Agent session", t.AgentSessionID)
	field("Stack", t.StackName)
	field("Permission", t.PermissionPrompt)
	field("Failure", t.FailureReason)
	if t.RestartCount > 0 || t.ContinuationCount > 0 {
		field("Restarts", fmt.Sprintf("%d (continued %d)", t.RestartCount, t.ContinuationCount))
	}
	field("Created", t.CreatedAt.Local().Format(time.DateTime))
	if !t.StartedAt.IsZero() {
		field("Started", t.StartedAt.Local().Format(time.DateTime))
	}
	if !t.CompletedAt.IsZero() {
		field("Completed", t.CompletedAt.Local().Format(time.DateTime))
	}
	if d := strings.TrimSpace(t.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
		b.WriteString("\n")
	}
	if s := strings.TrimSpace(t.LastOutputSummary); s != "" {
		b.WriteString("\nRecent output:\n")
		for _, line := range strings.Split(s, "\n") {
			fmt.Fprintf(&b, "  %s %s\n", bulletSymbol, line)
		}
	}
	return b.String()
}
