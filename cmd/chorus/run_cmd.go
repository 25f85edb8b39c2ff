package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chorusdev/chorus/internal/engine"
	"github.com/chorusdev/chorus/internal/hooks"
	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/stack"
)

var runLog = logging.ForComponent(logging.CompEngine)

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	quiet := fs.Bool("quiet", false, "Do not mirror logs to stderr")
	httpListen := fs.String("http", "", "Serve the ops endpoints on this address (overrides config)")
	skipHooks := fs.Bool("skip-hooks", false, "Do not install the agent hooks before starting")
	fs.Usage = func() {
		fmt.Println("Usage: chorus run [options]")
		fmt.Println()
		fmt.Println("Run the engine in the foreground until interrupted.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if *httpListen != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Listen = *httpListen
	}
	initLogging(cfg, !*quiet)
	defer logging.Shutdown()

	if !*skipHooks {
		if err := prepareAgentConfig(cfg.Agent.ConfigDir); err != nil {
			runLog.Warn("hooks_install_failed", slog.String("error", err.Error()))
		}
	}
	if cfg.Stack.GetEnabled() {
		dir := cfg.Stack.ProjectDir
		if dir == "" {
			dir, _ = os.Getwd()
		}
		if err := stack.CheckProject(dir); err != nil {
			runLog.Warn("stacking_unavailable", slog.String("error", err.Error()))
		}
	}

	deps, err := engine.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(deps, engine.Options{})
	if err := eng.Start(ctx); err != nil {
		if errors.Is(err, engine.ErrNotPrimary) {
			fmt.Fprintln(os.Stderr, "Error: another 'chorus run' is already driving the task sessions.")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
	if srv := eng.Server(); srv != nil {
		fmt.Fprintf(os.Stderr, "Ops server listening on http://%s\n", srv.Addr())
	}

	if err := eng.Wait(); err != nil {
		runLog.Error("engine_failed", slog.String("error", err.Error()))
		if dumpErr := logging.DumpRing(crashDumpPath()); dumpErr == nil {
			fmt.Fprintf(os.Stderr, "Log tail written to %s\n", crashDumpPath())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// prepareAgentConfig builds the isolated agent config dir from the user's
// ~/.claude and installs the chorus hooks into it.
func prepareAgentConfig(configDir string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return hooks.PrepareConfigDir(configDir, "", "", hooks.DefaultCommand)
	}
	return hooks.PrepareConfigDir(configDir,
		filepath.Join(home, ".claude"),
		filepath.Join(home, ".claude.json"),
		hooks.DefaultCommand)
}
