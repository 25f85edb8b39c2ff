package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/chorusdev/chorus/internal/lifecycle"
	"github.com/chorusdev/chorus/internal/task"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which
// means "task show fix-login --json" would silently ignore --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// CLIOutput handles consistent output formatting across all CLI commands.
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
}

// NewCLIOutput creates a new CLI output handler.
func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{jsonMode: jsonMode, quietMode: quietMode}
}

// Success prints a success message or the JSON form of data.
func (c *CLIOutput) Success(message string, data any) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Printf("%s %s\n", successSymbol, message)
}

// Error prints an error message or JSON error response.
func (c *CLIOutput) Error(message, code string) {
	if c.jsonMode {
		c.printJSON(map[string]any{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

// Print prints data (human-readable or JSON).
func (c *CLIOutput) Print(humanOutput string, jsonData any) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Print(humanOutput)
}

func (c *CLIOutput) printJSON(data any) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to format JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

// Fail reports err with the code derived from it and exits 1.
func (c *CLIOutput) Fail(err error) {
	c.Error(err.Error(), errorCode(err))
	os.Exit(1)
}

// Symbols for human-readable output.
const (
	successSymbol = "✓"
	errorSymbol   = "✕"
	bulletSymbol  = "•"
)

// Error codes.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAmbiguous        = "AMBIGUOUS"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeSessionGone      = "SESSION_GONE"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ErrAmbiguous means a task reference matched more than one task.
var ErrAmbiguous = errors.New("ambiguous task reference")

func errorCode(err error) string {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrAmbiguous):
		return ErrCodeAmbiguous
	case errors.Is(err, lifecycle.ErrSessionGone):
		return ErrCodeSessionGone
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrAgentNotIdle),
		errors.Is(err, lifecycle.ErrNotWaiting),
		errors.Is(err, lifecycle.ErrNotActive),
		errors.Is(err, lifecycle.ErrTaskActive):
		return ErrCodeInvalidOperation
	default:
		return ErrCodeInternal
	}
}

// minPrefixLen keeps short references from matching many ids.
const minPrefixLen = 4

// resolveTask finds a task by exact id, id prefix, exact title or fuzzy
// title match, in that order.
func resolveTask(ref string, tasks []*task.Task) (*task.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("task reference is required: %w", task.ErrNotFound)
	}

	for _, t := range tasks {
		if t.ID == ref {
			return t, nil
		}
	}

	if len(ref) >= minPrefixLen {
		var matches []*task.Task
		for _, t := range tasks {
			if strings.HasPrefix(t.ID, ref) {
				matches = append(matches, t)
			}
		}
		if len(matches) == 1 {
			return matches[0], nil
		}
		if len(matches) > 1 {
			return nil, ambiguous(ref, matches)
		}
	}

	var titled []*task.Task
	for _, t := range tasks {
		if strings.EqualFold(t.Title, ref) {
			titled = append(titled, t)
		}
	}
	if len(titled) == 1 {
		return titled[0], nil
	}
	if len(titled) > 1 {
		return nil, ambiguous(ref, titled)
	}

	titles := make([]string, len(tasks))
	for i, t := range tasks {
		titles[i] = t.Title
	}
	found := fuzzy.Find(ref, titles)
	switch {
	case len(found) == 0:
		return nil, fmt.Errorf("%q: %w", ref, task.ErrNotFound)
	case len(found) == 1 || found[0].Score > found[1].Score:
		return tasks[found[0].Index], nil
	default:
		var candidates []*task.Task
		for _, m := range found {
			if m.Score == found[0].Score {
				candidates = append(candidates, tasks[m.Index])
			}
		}
		return nil, ambiguous(ref, candidates)
	}
}

func ambiguous(ref string, matches []*task.Task) error {
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, fmt.Sprintf("%s (%s)", m.Title, m.ShortID()))
	}
	return fmt.Errorf("%w: %q matches %s; use a longer id", ErrAmbiguous, ref, strings.Join(names, ", "))
}
