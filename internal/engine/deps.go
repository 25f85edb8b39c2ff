package engine

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/chorusdev/chorus/internal/config"
	"github.com/chorusdev/chorus/internal/lifecycle"
	"github.com/chorusdev/chorus/internal/stack"
	"github.com/chorusdev/chorus/internal/statedb"
	"github.com/chorusdev/chorus/internal/tmux"
)

// Deps are the collaborators shared by the engine and the one-shot CLI
// commands: the task store, the tmux manager and the stacking client.
type Deps struct {
	Config   *config.Config
	Store    *statedb.StateDB
	Sessions *tmux.Manager

	// Stacks is nil when stacking is disabled.
	Stacks *stack.Client

	Limiter *rate.Limiter
}

// Open opens the task store named by cfg and builds the subprocess
// clients around real tmux and but binaries.
func Open(cfg *config.Config) (*Deps, error) {
	store, err := statedb.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate task store: %w", err)
	}
	return NewDeps(cfg, store, tmux.ExecRunner{}, stack.ExecRunner{Binary: cfg.Stack.Binary}), nil
}

// NewDeps wires cfg around an open store. Tests pass fake runners.
func NewDeps(cfg *config.Config, store *statedb.StateDB, tmuxRun tmux.Runner, stackRun stack.Runner) *Deps {
	limiter := rate.NewLimiter(rate.Limit(cfg.Limits.SubprocessRPS), cfg.Limits.SubprocessBurst)

	workDir := cfg.Tmux.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	launcher := &tmux.Launcher{
		Binary:          cfg.Agent.Command,
		Mode:            tmux.AgentMode(cfg.Agent.Mode),
		SkipPermissions: cfg.Agent.SkipPermissions,
		ConfigDir:       cfg.Agent.ConfigDir,
		ExtraArgs:       cfg.Agent.ExtraArgs,
	}
	sessions := tmux.NewManager(tmux.Config{
		Prefix:         cfg.Tmux.SessionPrefix,
		WorkDir:        workDir,
		HistoryLines:   cfg.Tmux.HistoryLines,
		CaptureTimeout: cfg.Tmux.CaptureTimeout.Duration,
		Limiter:        limiter,
	}, tmuxRun, launcher)

	d := &Deps{Config: cfg, Store: store, Sessions: sessions, Limiter: limiter}
	if cfg.Stack.GetEnabled() {
		projectDir := cfg.Stack.ProjectDir
		if projectDir == "" {
			projectDir = workDir
		}
		d.Stacks = stack.New(stack.Config{
			ProjectDir: projectDir,
			AutoPrefix: cfg.Stack.AutoPrefix,
			Limiter:    limiter,
		}, stackRun)
	}
	return d
}

// Hooks returns the stacking hooks, or a no-op set when stacking is off.
func (d *Deps) Hooks() stack.Hooks {
	if d.Stacks == nil {
		return stack.Disabled{}
	}
	return d.Stacks
}

// Lifecycle returns a lifecycle service over d.
func (d *Deps) Lifecycle() *lifecycle.Service {
	var stacks lifecycle.Stacks
	if d.Stacks != nil {
		stacks = d.Stacks
	}
	return lifecycle.New(lifecycle.Config{
		ContextDir: d.Config.Agent.ContextDir,
		Mode:       tmux.AgentMode(d.Config.Agent.Mode),
	}, d.Store, d.Sessions, d.Hooks(), stacks)
}

// Close closes the task store.
func (d *Deps) Close() error {
	if d.Store == nil {
		return nil
	}
	if err := d.Store.Close(); err != nil {
		engineLog.Warn("store_close_failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
