package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/chorusdev/chorus/internal/engine"
	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/task"
)

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: chorus stats [options]")
		fmt.Println()
		fmt.Println("Show the poller's lifetime counters and task totals.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	initLogging(cfg, false)
	defer logging.Shutdown()
	out := NewCLIOutput(*jsonOutput, false)
	deps := openDeps(cfg, out)
	defer deps.Close()

	// Not started: the engine only reads the store here.
	stats, err := engine.New(deps, engine.Options{}).Stats(context.Background())
	if err != nil {
		deps.Close()
		out.Fail(err)
	}
	out.Print(renderStats(stats), stats)
}

// renderStats is the human form of `chorus stats`.
func renderStats(s engine.Stats) string {
	var b strings.Builder
	b.WriteString("Tasks:\n")
	total := 0
	for _, st := range []task.Status{task.StatusPending, task.StatusRunning, task.StatusWaiting, task.StatusCompleted, task.StatusFailed} {
		fmt.Fprintf(&b, "  %-10s %d\n", st, s.Tasks[st])
		total += s.Tasks[st]
	}
	fmt.Fprintf(&b, "  %-10s %d\n", "total", total)
	b.WriteString("\nPoller:\n")
	fmt.Fprintf(&b, "  %-16s %d\n", "corrections", s.Poller.Corrections)
	fmt.Fprintf(&b, "  %-16s %d\n", "frozen warnings", s.Poller.FrozenWarnings)
	fmt.Fprintf(&b, "  %-16s %d\n", "orphan cleanups", s.Poller.OrphanCleanups)
	return b.String()
}
