// Package hooks is the second way agent state reaches chorus: the agent's
// own lifecycle hooks. `chorus hook-handler` spools each hook payload to
// disk, a SpoolWatcher picks the files up and the Handler folds them into
// the task using the same rules as the stream monitor.
package hooks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Hook event names as the agent reports them in hook_event_name.
const (
	EventSessionStart      = "SessionStart"
	EventUserPromptSubmit  = "UserPromptSubmit"
	EventStop              = "Stop"
	EventPermissionRequest = "PermissionRequest"
	EventNotification      = "Notification"
	EventSessionEnd        = "SessionEnd"
	EventPostToolUse       = "PostToolUse"
)

// EnvTaskID is set in every agent launched by chorus and copied into the
// spool envelope by the hook handler.
const EnvTaskID = "CHORUS_TASK_ID"

// Payload is the JSON the agent pipes into a hook command. Only the
// fields chorus reads are decoded.
type Payload struct {
	HookEventName    string          `json:"hook_event_name"`
	SessionID        string          `json:"session_id"`
	TranscriptPath   string          `json:"transcript_path,omitempty"`
	Cwd              string          `json:"cwd,omitempty"`
	Source           string          `json:"source,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	ToolInput        json.RawMessage `json:"tool_input,omitempty"`
	Message          string          `json:"message,omitempty"`
	NotificationType string          `json:"notification_type,omitempty"`
}

// FilePath is the file a tool payload refers to, or "".
func (p *Payload) FilePath() string {
	if len(p.ToolInput) == 0 {
		return ""
	}
	in := gjson.ParseBytes(p.ToolInput)
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v := in.Get(key); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// Envelope is what a spool file holds: the raw payload plus what the
// hook handler knew about its environment.
type Envelope struct {
	TaskID     string          `json:"task_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode parses a spool file.
func Decode(data []byte) (*Envelope, *Payload, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("decode spool envelope: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode hook payload: %w", err)
	}
	if p.HookEventName == "" {
		return nil, nil, fmt.Errorf("decode hook payload: missing hook_event_name")
	}
	return &env, &p, nil
}
