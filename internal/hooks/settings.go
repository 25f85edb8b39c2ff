package hooks

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCommand is the hook command chorus installs. It also marks
// chorus's entries in settings.json.
const DefaultCommand = "chorus hook-handler"

const settingsFile = "settings.json"

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

// subscriptions lists the agent events chorus listens to. Tool events
// match every tool.
var subscriptions = []struct {
	Event   string
	Matcher string
}{
	{Event: EventSessionStart},
	{Event: EventUserPromptSubmit},
	{Event: EventStop},
	{Event: EventPermissionRequest, Matcher: "*"},
	{Event: EventPostToolUse, Matcher: "*"},
	{Event: EventNotification},
	{Event: EventSessionEnd},
}

// InstallHooks merges chorus's hook entries into configDir/settings.json,
// keeping every other setting and user hook. It reports false when the
// hooks were already installed.
func InstallHooks(configDir, command string) (bool, error) {
	if command == "" {
		command = DefaultCommand
	}
	settings, hooks, err := readSettings(configDir)
	if err != nil {
		return false, err
	}
	if allInstalled(hooks, command) {
		return false, nil
	}
	for _, sub := range subscriptions {
		hooks[sub.Event] = mergeEvent(hooks[sub.Event], sub.Matcher, command)
	}
	if err := writeSettings(configDir, settings, hooks); err != nil {
		return false, err
	}
	hookLog.Info("agent_hooks_installed", slog.String("config_dir", configDir))
	return true, nil
}

// RemoveHooks deletes chorus's hook entries. It reports false when none
// were found.
func RemoveHooks(configDir, command string) (bool, error) {
	if command == "" {
		command = DefaultCommand
	}
	if _, err := os.Stat(filepath.Join(configDir, settingsFile)); os.IsNotExist(err) {
		return false, nil
	}
	settings, hooks, err := readSettings(configDir)
	if err != nil {
		return false, err
	}
	removed := false
	for _, sub := range subscriptions {
		raw, ok := hooks[sub.Event]
		if !ok {
			continue
		}
		cleaned, did := removeFromEvent(raw, command)
		if !did {
			continue
		}
		removed = true
		if cleaned == nil {
			delete(hooks, sub.Event)
		} else {
			hooks[sub.Event] = cleaned
		}
	}
	if !removed {
		return false, nil
	}
	if err := writeSettings(configDir, settings, hooks); err != nil {
		return false, err
	}
	hookLog.Info("agent_hooks_removed", slog.String("config_dir", configDir))
	return true, nil
}

// HooksInstalled reports whether every chorus hook is present.
func HooksInstalled(configDir, command string) bool {
	if command == "" {
		command = DefaultCommand
	}
	if _, err := os.Stat(filepath.Join(configDir, settingsFile)); err != nil {
		return false
	}
	_, hooks, err := readSettings(configDir)
	if err != nil {
		return false
	}
	return allInstalled(hooks, command)
}

// readSettings returns the settings object and its hooks section. A
// missing file yields empty maps.
func readSettings(configDir string) (map[string]json.RawMessage, map[string]json.RawMessage, error) {
	settings := make(map[string]json.RawMessage)
	data, err := os.ReadFile(filepath.Join(configDir, settingsFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, nil, fmt.Errorf("read %s: %w", settingsFile, err)
	default:
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	}
	hooks := make(map[string]json.RawMessage)
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			hooks = make(map[string]json.RawMessage)
		}
	}
	return settings, hooks, nil
}

func writeSettings(configDir string, settings, hooks map[string]json.RawMessage) error {
	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		raw, err := json.Marshal(hooks)
		if err != nil {
			return fmt.Errorf("marshal hooks: %w", err)
		}
		settings["hooks"] = raw
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(filepath.Join(configDir, settingsFile), data, 0o644)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func allInstalled(hooks map[string]json.RawMessage, command string) bool {
	for _, sub := range subscriptions {
		raw, ok := hooks[sub.Event]
		if !ok || !eventHasCommand(raw, command) {
			return false
		}
	}
	return true
}

func eventHasCommand(raw json.RawMessage, command string) bool {
	var matchers []hookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return false
	}
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, command) {
				return true
			}
		}
	}
	return false
}

// mergeEvent adds chorus's entry to an event's matcher list, reusing a
// matcher block with the same pattern when there is one.
func mergeEvent(existing json.RawMessage, matcher, command string) json.RawMessage {
	var matchers []hookMatcher
	if existing != nil {
		if err := json.Unmarshal(existing, &matchers); err != nil {
			matchers = nil
		}
	}
	entry := hookEntry{Type: "command", Command: command, Timeout: 10}

	added := false
	for i, m := range matchers {
		if m.Matcher != matcher {
			continue
		}
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, command) {
				added = true
				break
			}
		}
		if !added {
			matchers[i].Hooks = append(matchers[i].Hooks, entry)
			added = true
		}
		break
	}
	if !added {
		matchers = append(matchers, hookMatcher{Matcher: matcher, Hooks: []hookEntry{entry}})
	}
	out, _ := json.Marshal(matchers)
	return out
}

// removeFromEvent drops chorus's entries from an event. It returns nil
// when nothing is left.
func removeFromEvent(raw json.RawMessage, command string) (json.RawMessage, bool) {
	var matchers []hookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return raw, false
	}
	removed := false
	var cleaned []hookMatcher
	for _, m := range matchers {
		var kept []hookEntry
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, command) {
				removed = true
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) > 0 {
			m.Hooks = kept
			cleaned = append(cleaned, m)
		}
	}
	if !removed {
		return raw, false
	}
	if len(cleaned) == 0 {
		return nil, true
	}
	out, _ := json.Marshal(cleaned)
	return out, true
}

// PrepareConfigDir builds the isolated agent config directory chorus
// launches agents with. On first use the user's global config (globalDir,
// usually ~/.claude) is copied in; the credentials file (usually
// ~/.claude.json) is refreshed every time so a re-login reaches running
// deployments. The chorus hooks are then installed.
func PrepareConfigDir(configDir, globalDir, credentialsFile, command string) error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("create agent config dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(configDir, settingsFile)); os.IsNotExist(err) && globalDir != "" {
		if err := copyTree(globalDir, configDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("copy global agent config: %w", err)
		}
	}
	if credentialsFile != "" {
		dst := filepath.Join(configDir, filepath.Base(credentialsFile))
		if err := copyFile(credentialsFile, dst, 0o600); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("copy agent credentials: %w", err)
		}
	}
	_, err := InstallHooks(configDir, command)
	return err
}

func copyTree(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
