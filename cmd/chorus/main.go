package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chorusdev/chorus/internal/config"
	"github.com/chorusdev/chorus/internal/engine"
	"github.com/chorusdev/chorus/internal/logging"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("chorus v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(args[1:])
	case "task":
		handleTask(args[1:])
	case "hook-handler":
		handleHookHandler()
	case "hooks":
		handleHooks(args[1:])
	case "stats":
		handleStats(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("chorus v%s - orchestrate coding agents in tmux sessions\n", Version)
	fmt.Println()
	fmt.Println("Usage: chorus <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                     Run the engine (monitor, poller, hooks, ops server)")
	fmt.Println("  task <command>          Create, start and drive tasks")
	fmt.Println("  hooks <command>         Install or remove the agent hooks")
	fmt.Println("  stats                   Show poller counters and task totals")
	fmt.Println("  version                 Show version")
	fmt.Println()
	fmt.Println("Run 'chorus task help' for task commands.")
	fmt.Printf("Configuration: %s\n", config.Path())
}

// loadConfig reads config.toml, exiting on a parse error.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// initLogging starts file logging for a command. The one-shot commands
// log to the same file as the engine so their actions show up in one
// place.
func initLogging(cfg *config.Config, stderr bool) {
	logging.Init(logging.Config{
		Dir:        config.HomeDir(),
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Stderr:     stderr,
	})
}

// openDeps opens the task store and subprocess clients, exiting on error.
func openDeps(cfg *config.Config, out *CLIOutput) *engine.Deps {
	deps, err := engine.Open(cfg)
	if err != nil {
		out.Error(fmt.Sprintf("failed to open task store: %v", err), ErrCodeInternal)
		os.Exit(1)
	}
	return deps
}

// crashDumpPath is where the in-memory log tail goes when the engine
// exits with an error.
func crashDumpPath() string {
	return filepath.Join(config.HomeDir(), "crash-"+fmt.Sprint(os.Getpid())+".log")
}
