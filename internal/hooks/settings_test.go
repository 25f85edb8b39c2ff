package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readHooks(t *testing.T, dir string) (map[string]json.RawMessage, map[string]json.RawMessage) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatalf("read settings.json: %v", err)
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatalf("parse settings.json: %v", err)
	}
	hooks := map[string]json.RawMessage{}
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			t.Fatalf("parse hooks: %v", err)
		}
	}
	return settings, hooks
}

func TestInstallHooks_Fresh(t *testing.T) {
	dir := t.TempDir()

	installed, err := InstallHooks(dir, "")
	if err != nil {
		t.Fatalf("InstallHooks: %v", err)
	}
	if !installed {
		t.Error("expected hooks to be newly installed")
	}

	_, hooks := readHooks(t, dir)
	for _, event := range []string{"SessionStart", "UserPromptSubmit", "Stop", "PermissionRequest", "PostToolUse", "Notification", "SessionEnd"} {
		if _, ok := hooks[event]; !ok {
			t.Errorf("missing hook event %s", event)
		}
	}

	var matchers []hookMatcher
	if err := json.Unmarshal(hooks["PostToolUse"], &matchers); err != nil {
		t.Fatalf("parse PostToolUse: %v", err)
	}
	if len(matchers) != 1 || matchers[0].Matcher != "*" {
		t.Fatalf("PostToolUse matchers = %+v, want one '*' matcher", matchers)
	}
	if got := matchers[0].Hooks[0].Command; got != DefaultCommand {
		t.Errorf("command = %q, want %q", got, DefaultCommand)
	}
	if !HooksInstalled(dir, "") {
		t.Error("HooksInstalled = false after install")
	}
}

func TestInstallHooks_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	existing := `{
  "model": "opus",
  "hooks": {
    "SessionStart": [{"hooks": [{"type": "command", "command": "my-custom-hook"}]}]
  }
}`
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := InstallHooks(dir, ""); err != nil {
		t.Fatalf("InstallHooks: %v", err)
	}

	settings, hooks := readHooks(t, dir)
	if string(settings["model"]) != `"opus"` {
		t.Errorf("model = %s, want preserved", settings["model"])
	}
	var matchers []hookMatcher
	if err := json.Unmarshal(hooks["SessionStart"], &matchers); err != nil {
		t.Fatal(err)
	}
	if len(matchers) != 1 || len(matchers[0].Hooks) != 2 {
		t.Fatalf("SessionStart = %+v, want user hook and chorus hook in one matcher", matchers)
	}
	if matchers[0].Hooks[0].Command != "my-custom-hook" {
		t.Errorf("user hook moved: %+v", matchers[0].Hooks)
	}
}

func TestInstallHooks_Idempotent(t *testing.T) {
	dir := t.TempDir()
	if _, err := InstallHooks(dir, ""); err != nil {
		t.Fatal(err)
	}
	installed, err := InstallHooks(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if installed {
		t.Error("second install reported a change")
	}
	_, hooks := readHooks(t, dir)
	var matchers []hookMatcher
	if err := json.Unmarshal(hooks["Stop"], &matchers); err != nil {
		t.Fatal(err)
	}
	if len(matchers) != 1 || len(matchers[0].Hooks) != 1 {
		t.Errorf("Stop = %+v, want a single entry", matchers)
	}
}

func TestRemoveHooks(t *testing.T) {
	dir := t.TempDir()
	existing := `{"hooks": {"Stop": [{"hooks": [{"type": "command", "command": "keep-me"}]}]}}`
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := InstallHooks(dir, ""); err != nil {
		t.Fatal(err)
	}

	removed, err := RemoveHooks(dir, "")
	if err != nil {
		t.Fatalf("RemoveHooks: %v", err)
	}
	if !removed {
		t.Error("expected hooks to be removed")
	}
	if HooksInstalled(dir, "") {
		t.Error("HooksInstalled = true after remove")
	}

	_, hooks := readHooks(t, dir)
	if len(hooks) != 1 {
		t.Errorf("hooks = %v, want only the user's Stop hook", hooks)
	}
	if !eventHasCommand(hooks["Stop"], "keep-me") {
		t.Error("user Stop hook was removed")
	}

	removed, err = RemoveHooks(dir, "")
	if err != nil || removed {
		t.Errorf("second remove = %v, %v; want false, nil", removed, err)
	}
}

func TestRemoveHooks_NoSettings(t *testing.T) {
	removed, err := RemoveHooks(t.TempDir(), "")
	if err != nil || removed {
		t.Errorf("RemoveHooks = %v, %v; want false, nil", removed, err)
	}
}

func TestPrepareConfigDir(t *testing.T) {
	root := t.TempDir()
	global := filepath.Join(root, "global")
	if err := os.MkdirAll(filepath.Join(global, "commands"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(global, "settings.json"), []byte(`{"model":"sonnet"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(global, "commands", "review.md"), []byte("review"), 0o644); err != nil {
		t.Fatal(err)
	}
	creds := filepath.Join(root, ".claude.json")
	if err := os.WriteFile(creds, []byte(`{"oauthAccount":"a"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgDir := filepath.Join(root, "isolated")

	if err := PrepareConfigDir(cfgDir, global, creds, ""); err != nil {
		t.Fatalf("PrepareConfigDir: %v", err)
	}

	settings, _ := readHooks(t, cfgDir)
	if string(settings["model"]) != `"sonnet"` {
		t.Errorf("global settings not copied: %s", settings["model"])
	}
	if _, err := os.Stat(filepath.Join(cfgDir, "commands", "review.md")); err != nil {
		t.Errorf("nested file not copied: %v", err)
	}
	if !HooksInstalled(cfgDir, "") {
		t.Error("hooks not installed into isolated dir")
	}

	// A later re-login only refreshes the credentials.
	if err := os.WriteFile(creds, []byte(`{"oauthAccount":"b"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(global, "settings.json"), []byte(`{"model":"haiku"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := PrepareConfigDir(cfgDir, global, creds, ""); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(cfgDir, ".claude.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"oauthAccount":"b"}` {
		t.Errorf("credentials = %s, want refreshed", data)
	}
	settings, _ = readHooks(t, cfgDir)
	if string(settings["model"]) != `"sonnet"` {
		t.Errorf("settings overwritten on second prepare: %s", settings["model"])
	}
}

func TestPrepareConfigDir_NoGlobalConfig(t *testing.T) {
	root := t.TempDir()
	cfgDir := filepath.Join(root, "isolated")
	if err := PrepareConfigDir(cfgDir, filepath.Join(root, "missing"), filepath.Join(root, "missing.json"), ""); err != nil {
		t.Fatalf("PrepareConfigDir: %v", err)
	}
	if !HooksInstalled(cfgDir, "") {
		t.Error("hooks not installed")
	}
}
