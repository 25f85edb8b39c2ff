package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

const spoolExt = ".json"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// WriteSpool stores one raw hook payload in dir as
// <unixnano>-<event>.json. The file is written under a temporary name and
// renamed so a watcher never sees it half written. It returns the final
// path.
func WriteSpool(dir string, raw []byte, taskID string, now time.Time) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("hook payload is not valid JSON")
	}
	event := gjson.GetBytes(raw, "hook_event_name").Str
	if event == "" {
		return "", fmt.Errorf("hook payload has no hook_event_name")
	}

	data, err := json.Marshal(Envelope{
		TaskID:     taskID,
		ReceivedAt: now.UTC(),
		Payload:    json.RawMessage(raw),
	})
	if err != nil {
		return "", fmt.Errorf("marshal spool envelope: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}

	name := strconv.FormatInt(now.UnixNano(), 10) + "-" + unsafeName.ReplaceAllString(event, "_") + spoolExt
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, ".spool-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create spool temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write spool temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close spool temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename spool file: %w", err)
	}
	return path, nil
}

// CleanStale removes spool files older than maxAge. Files that old were
// never consumed because no engine was running.
func CleanStale(dir string, maxAge time.Duration, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != spoolExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) && os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}
