package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chorusdev/chorus/internal/config"
	"github.com/chorusdev/chorus/internal/hooks"
)

// maxHookPayload bounds what one hook invocation may spool.
const maxHookPayload = 4 << 20

// errPayloadTooLarge means a hook payload exceeded maxHookPayload.
var errPayloadTooLarge = errors.New("hook payload too large")

// handleHookHandler is what the agent runs for every hook event. It drops
// the payload into the spool directory for the engine and always exits 0
// so a missing or stopped engine never blocks the agent.
func handleHookHandler() {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	_, _ = spoolHook(os.Stdin, cfg.Hooks.SpoolDir, os.Getenv(hooks.EnvTaskID), time.Now())
}

// spoolHook reads one payload from r and writes it to dir.
func spoolHook(r io.Reader, dir, taskID string, now time.Time) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxHookPayload+1))
	if err != nil {
		return "", fmt.Errorf("read hook payload: %w", err)
	}
	if len(data) == 0 {
		return "", nil
	}
	if len(data) > maxHookPayload {
		return "", errPayloadTooLarge
	}
	return hooks.WriteSpool(dir, data, taskID, now)
}

// handleHooks handles the "hooks" CLI subcommand for manual hook management.
func handleHooks(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: chorus hooks <install|uninstall|status>")
		os.Exit(1)
	}

	cfg := loadConfig()
	switch args[0] {
	case "install":
		handleHooksInstall(cfg)
	case "uninstall":
		handleHooksUninstall(cfg)
	case "status":
		handleHooksStatus(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown hooks subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "Usage: chorus hooks <install|uninstall|status>")
		os.Exit(1)
	}
}

func handleHooksInstall(cfg *config.Config) {
	wasInstalled := hooks.HooksInstalled(cfg.Agent.ConfigDir, hooks.DefaultCommand)
	if err := prepareAgentConfig(cfg.Agent.ConfigDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error installing hooks: %v\n", err)
		os.Exit(1)
	}
	if wasInstalled {
		fmt.Println("Agent hooks are already installed.")
		return
	}
	fmt.Println("Agent hooks installed successfully.")
	fmt.Printf("Config: %s\n", filepath.Join(cfg.Agent.ConfigDir, "settings.json"))
}

func handleHooksUninstall(cfg *config.Config) {
	removed, err := hooks.RemoveHooks(cfg.Agent.ConfigDir, hooks.DefaultCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error removing hooks: %v\n", err)
		os.Exit(1)
	}
	if removed {
		fmt.Println("Agent hooks removed successfully.")
	} else {
		fmt.Println("No chorus hooks found to remove.")
	}
}

func handleHooksStatus(cfg *config.Config) {
	if hooks.HooksInstalled(cfg.Agent.ConfigDir, hooks.DefaultCommand) {
		fmt.Println("Status: INSTALLED")
		fmt.Printf("Config: %s\n", filepath.Join(cfg.Agent.ConfigDir, "settings.json"))
	} else {
		fmt.Println("Status: NOT INSTALLED")
		fmt.Println("Run 'chorus hooks install' to install.")
	}

	pending, err := countSpooled(cfg.Hooks.SpoolDir)
	if err != nil {
		return
	}
	fmt.Printf("Unprocessed hook events: %d (in %s)\n", pending, cfg.Hooks.SpoolDir)
}

// countSpooled counts payloads waiting in dir. A large count means no
// engine is consuming them.
func countSpooled(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}
