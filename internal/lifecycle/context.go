package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chorusdev/chorus/internal/task"
)

// contextFileName is the system-prompt payload inside a task's context dir.
const contextFileName = "context.md"

// TaskDir is <base>/task-<id>, the per-task scratch directory holding the
// context payload and, in stream-json mode, the agent transcript.
func TaskDir(base, taskID string) string {
	return filepath.Join(base, "task-"+taskID)
}

// ContextFile is the context payload path for taskID.
func ContextFile(base, taskID string) string {
	return filepath.Join(TaskDir(base, taskID), contextFileName)
}

// TranscriptPath is where hook-driven stacking tools are told the task's
// transcript lives.
func TranscriptPath(base, taskID string) string {
	return filepath.Join(TaskDir(base, taskID), "transcript.json")
}

// BuildContext renders the system-prompt payload for t. Instructions are
// the operator's start prompt and may be empty.
func BuildContext(t *task.Task, instructions string) string {
	var b strings.Builder
	b.WriteString("🔴 **HIGHEST PRIORITY TASK**\n\n")
	fmt.Fprintf(&b, "# Current Task: %s\n", t.Title)
	fmt.Fprintf(&b, "Task ID: %s\n\n", t.ID)
	if d := strings.TrimSpace(t.Description); d != "" {
		b.WriteString("## Description\n")
		b.WriteString(d)
		b.WriteString("\n\n")
	}
	if in := strings.TrimSpace(instructions); in != "" {
		b.WriteString("## Instructions\n")
		b.WriteString(in)
		b.WriteString("\n\n")
	}
	return b.String()
}

// WriteContext writes t's context payload under base and returns its path.
func WriteContext(base string, t *task.Task, instructions string) (string, error) {
	dir := TaskDir(base, t.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create context dir: %w", err)
	}
	path := filepath.Join(dir, contextFileName)
	if err := os.WriteFile(path, []byte(BuildContext(t, instructions)), 0o600); err != nil {
		return "", fmt.Errorf("write context file: %w", err)
	}
	return path, nil
}

// RemoveContext deletes the task's context directory. A missing directory
// is not an error.
func RemoveContext(base, taskID string) error {
	if err := os.RemoveAll(TaskDir(base, taskID)); err != nil {
		return fmt.Errorf("remove context dir: %w", err)
	}
	return nil
}

// contextFileFor returns the existing context file for taskID, or "" when
// there is none.
func contextFileFor(base, taskID string) string {
	path := ContextFile(base, taskID)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
