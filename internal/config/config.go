// Package config loads chorus settings from ~/.chorus/config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DirName is the chorus home directory under $HOME.
	DirName = ".chorus"

	// FileName is the config file inside DirName.
	FileName = "config.toml"

	// EnvConfig overrides the config file location.
	EnvConfig = "CHORUS_CONFIG"
)

// Duration is a time.Duration written as a string ("5s", "300ms") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Or returns d, or def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}

// Config is the whole config.toml.
type Config struct {
	Tmux    TmuxSettings    `toml:"tmux"`
	Agent   AgentSettings   `toml:"agent"`
	Monitor MonitorSettings `toml:"monitor"`
	Poller  PollerSettings  `toml:"poller"`
	Stack   StackSettings   `toml:"stack"`
	Hooks   HooksSettings   `toml:"hooks"`
	Storage StorageSettings `toml:"storage"`
	Logging LogSettings     `toml:"logging"`
	HTTP    HTTPSettings    `toml:"http"`
	Limits  LimitSettings   `toml:"limits"`
}

// TmuxSettings configures the session manager.
type TmuxSettings struct {
	// WorkDir is where every task session starts. Defaults to the current
	// directory of `chorus run`.
	WorkDir        string   `toml:"work_dir"`
	SessionPrefix  string   `toml:"session_prefix"`
	HistoryLines   int      `toml:"history_lines"`
	CaptureTimeout Duration `toml:"capture_timeout"`
}

// AgentSettings configures how the agent CLI is launched.
type AgentSettings struct {
	Command string `toml:"command"`

	// Mode is "interactive" or "stream-json".
	Mode            string   `toml:"mode"`
	SkipPermissions bool     `toml:"skip_permissions"`
	ConfigDir       string   `toml:"config_dir"`
	ContextDir      string   `toml:"context_dir"`
	ExtraArgs       []string `toml:"extra_args"`
}

// MonitorSettings configures the per-task session watchers.
type MonitorSettings struct {
	Interval     Duration `toml:"interval"`
	SummaryBytes int      `toml:"summary_bytes"`
	RingSize     int      `toml:"ring_size"`
}

// PollerSettings configures the status poller. A pattern list that is set
// replaces the defaults; Extra* lists are appended to them.
type PollerSettings struct {
	Interval        Duration `toml:"interval"`
	CaptureLines    int      `toml:"capture_lines"`
	TailLines       int      `toml:"tail_lines"`
	FrozenThreshold Duration `toml:"frozen_threshold"`

	IdlePatterns         []string `toml:"idle_patterns"`
	WaitingPatterns      []string `toml:"waiting_patterns"`
	ExtraIdlePatterns    []string `toml:"extra_idle_patterns"`
	ExtraWaitingPatterns []string `toml:"extra_waiting_patterns"`
}

// StackSettings configures the GitButler integration.
type StackSettings struct {
	// Enabled defaults to true.
	Enabled    *bool  `toml:"enabled"`
	Binary     string `toml:"binary"`
	ProjectDir string `toml:"project_dir"`
	AutoPrefix string `toml:"auto_prefix"`
}

// GetEnabled returns whether GitButler hooks run, defaulting to true.
func (s StackSettings) GetEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// HooksSettings configures hook ingress.
type HooksSettings struct {
	SpoolDir string   `toml:"spool_dir"`
	Debounce Duration `toml:"debounce"`
}

// StorageSettings configures the task database.
type StorageSettings struct {
	Path string `toml:"path"`
}

// LogSettings configures logging output and rotation.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// HTTPSettings configures the optional ops server.
type HTTPSettings struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`

	// Token, when set, must accompany every request except /healthz.
	Token string `toml:"token"`
}

// LimitSettings paces tmux and but subprocesses across all watchers.
type LimitSettings struct {
	SubprocessRPS   float64 `toml:"subprocess_rps"`
	SubprocessBurst int     `toml:"subprocess_burst"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	home := HomeDir()

	if c.Tmux.SessionPrefix == "" {
		c.Tmux.SessionPrefix = "chorus-task-"
	}
	if c.Tmux.HistoryLines <= 0 {
		c.Tmux.HistoryLines = 10000
	}
	c.Tmux.CaptureTimeout.Duration = c.Tmux.CaptureTimeout.Or(3 * time.Second)

	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.Mode == "" {
		c.Agent.Mode = "interactive"
	}
	if c.Agent.ConfigDir == "" {
		c.Agent.ConfigDir = filepath.Join(home, "claude")
	}
	if c.Agent.ContextDir == "" {
		c.Agent.ContextDir = filepath.Join(os.TempDir(), "chorus")
	}

	c.Monitor.Interval.Duration = c.Monitor.Interval.Or(time.Second)
	if c.Monitor.SummaryBytes <= 0 {
		c.Monitor.SummaryBytes = 10 * 1024
	}
	if c.Monitor.RingSize <= 0 {
		c.Monitor.RingSize = 10
	}

	c.Poller.Interval.Duration = c.Poller.Interval.Or(5 * time.Second)
	if c.Poller.CaptureLines <= 0 {
		c.Poller.CaptureLines = 50
	}
	if c.Poller.TailLines <= 0 {
		c.Poller.TailLines = 10
	}
	c.Poller.FrozenThreshold.Duration = c.Poller.FrozenThreshold.Or(300 * time.Second)

	if c.Stack.Binary == "" {
		c.Stack.Binary = "but"
	}

	if c.Hooks.SpoolDir == "" {
		c.Hooks.SpoolDir = filepath.Join(home, "hooks", "spool")
	}
	c.Hooks.Debounce.Duration = c.Hooks.Debounce.Or(100 * time.Millisecond)

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(home, "chorus.db")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 14
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8765"
	}

	if c.Limits.SubprocessRPS <= 0 {
		c.Limits.SubprocessRPS = 50
	}
	if c.Limits.SubprocessBurst <= 0 {
		c.Limits.SubprocessBurst = 20
	}
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Agent.Mode {
	case "interactive", "stream-json":
	default:
		errs = append(errs, fmt.Errorf("agent.mode must be interactive or stream-json, got %q", c.Agent.Mode))
	}
	if c.Poller.TailLines > c.Poller.CaptureLines {
		errs = append(errs, fmt.Errorf("poller.tail_lines (%d) exceeds poller.capture_lines (%d)",
			c.Poller.TailLines, c.Poller.CaptureLines))
	}
	if c.Poller.Interval.Duration < c.Monitor.Interval.Duration {
		errs = append(errs, fmt.Errorf("poller.interval (%s) must not be shorter than monitor.interval (%s)",
			c.Poller.Interval.Duration, c.Monitor.Interval.Duration))
	}
	return errors.Join(errs...)
}

// HomeDir is ~/.chorus, or the directory holding CHORUS_CONFIG when set.
func HomeDir() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return filepath.Dir(p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), DirName)
	}
	return filepath.Join(home, DirName)
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(HomeDir(), FileName)
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Load reads the config file once and caches it. A missing file yields
// defaults. A parse error returns defaults together with the error so
// callers can report it and keep running.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	cfg, err := LoadFile(Path())
	if err != nil {
		cache = Default()
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// Reload drops the cache and reads the file again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the cached config.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// LoadFile decodes path without touching the cache.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg.applyDefaults()
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.toml: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file, fsync, rename) and clears
// the cache.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# chorus configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp config: %w", err)
	}
	_ = f.Sync()
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize config: %w", err)
	}
	ClearCache()
	return nil
}
