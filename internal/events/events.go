// Package events decodes the agent's stream-json output as it appears in
// terminal scrollback.
package events

import (
	"github.com/tidwall/gjson"
)

// Event type names as they appear in the "type" field.
const (
	TypeSessionStart      = "session_start"
	TypeToolUse           = "tool_use"
	TypeToolResult        = "tool_result"
	TypeText              = "text"
	TypeAssistant         = "assistant"
	TypeUser              = "user"
	TypeResult            = "result"
	TypePermissionRequest = "permission_request"
	TypeError             = "error"
	TypeSystem            = "system"
	TypeUnknown           = "unknown"
)

// DefaultPermissionPrompt is used when a permission_request carries no text.
const DefaultPermissionPrompt = "Permission requested"

// Event is one decoded object from the stream. The concrete types below
// are the only implementations; Unknown carries everything else.
type Event interface {
	// Type is the object's "type" field, or "unknown" when absent.
	Type() string
	// Raw is the JSON text the event was decoded from.
	Raw() string
	isEvent()
}

type envelope struct {
	typ string
	raw string
}

func (e envelope) Type() string { return e.typ }
func (e envelope) Raw() string  { return e.raw }
func (envelope) isEvent()       {}

// SessionStart is emitted when the agent process begins a conversation.
type SessionStart struct {
	envelope
	SessionID string
}

// ToolUse is a tool invocation.
type ToolUse struct {
	envelope
	ID       string
	ToolName string
	FilePath string
	Input    string // raw JSON of the tool input, "" when absent
}

// ToolResult closes the ToolUse with the matching ID.
type ToolResult struct {
	envelope
	ToolUseID string
	IsError   bool
}

// Text is a plain text chunk from the agent.
type Text struct {
	envelope
	Text string
}

// Assistant is an assistant message. Tool invocations nested in its
// content are surfaced as separate ToolUse events right after it.
type Assistant struct {
	envelope
	Text string
}

// User is a user-role message, usually carrying tool results.
type User struct {
	envelope
}

// Result marks the end of a response.
type Result struct {
	envelope
	SessionID string
	IsError   bool
}

// PermissionRequest means the agent is blocked on a human confirmation.
type PermissionRequest struct {
	envelope
	Prompt string
}

// Error is an error reported by the agent.
type Error struct {
	envelope
	Message string
}

// Unknown is any object whose type chorus does not interpret.
type Unknown struct {
	envelope
}

// firstString returns the first of paths that holds a non-empty string.
func firstString(obj gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := obj.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func firstBool(obj gjson.Result, paths ...string) bool {
	for _, p := range paths {
		if v := obj.Get(p); v.Exists() {
			return v.Bool()
		}
	}
	return false
}

// decode turns one complete JSON object into events. It returns nil for
// anything that is not a JSON object.
func decode(raw string) []Event {
	if raw == "" || raw[0] != '{' || !gjson.Valid(raw) {
		return nil
	}
	obj := gjson.Parse(raw)
	if !obj.IsObject() {
		return nil
	}

	typ := TypeUnknown
	if t := obj.Get("type"); t.Type == gjson.String && t.Str != "" {
		typ = t.Str
	}
	env := envelope{typ: typ, raw: raw}

	switch typ {
	case TypeSessionStart:
		return []Event{SessionStart{envelope: env, SessionID: firstString(obj, "session_id", "sessionId")}}
	case TypeSystem:
		// The CLI announces a new conversation as system/init.
		if obj.Get("subtype").Str == "init" {
			return []Event{SessionStart{envelope: env, SessionID: firstString(obj, "session_id", "sessionId")}}
		}
		return []Event{Unknown{envelope: env}}
	case TypeToolUse:
		return []Event{toolUse(env, obj)}
	case TypeToolResult:
		return []Event{ToolResult{
			envelope:  env,
			ToolUseID: firstString(obj, "toolUseId", "tool_use_id"),
			IsError:   firstBool(obj, "isError", "is_error"),
		}}
	case TypeText:
		return []Event{Text{envelope: env, Text: firstString(obj, "text", "content")}}
	case TypeAssistant:
		return assistant(env, obj)
	case TypeUser:
		return user(env, obj)
	case TypeResult:
		return []Event{Result{
			envelope:  env,
			SessionID: firstString(obj, "sessionId", "session_id"),
			IsError:   firstBool(obj, "isError", "is_error"),
		}}
	case TypePermissionRequest:
		prompt := firstString(obj, "prompt", "message")
		if prompt == "" {
			prompt = DefaultPermissionPrompt
		}
		return []Event{PermissionRequest{envelope: env, Prompt: prompt}}
	case TypeError:
		msg := firstString(obj, "error.message", "message", "error")
		if msg == "" {
			msg = "Unknown error"
		}
		return []Event{Error{envelope: env, Message: msg}}
	default:
		return []Event{Unknown{envelope: env}}
	}
}

func toolUse(env envelope, obj gjson.Result) ToolUse {
	input := obj.Get("toolInput")
	if !input.Exists() {
		input = obj.Get("tool_input")
	}
	if !input.Exists() {
		input = obj.Get("input")
	}
	return ToolUse{
		envelope: env,
		ID:       firstString(obj, "id", "toolUseId", "tool_use_id"),
		ToolName: firstString(obj, "toolName", "tool_name", "name"),
		FilePath: firstString(input, "file_path", "path", "notebook_path"),
		Input:    input.Raw,
	}
}

// assistant expands an assistant message into the message itself followed
// by one ToolUse per tool_use content block.
func assistant(env envelope, obj gjson.Result) []Event {
	out := []Event{Assistant{envelope: env, Text: firstString(obj, "text", "message.content.0.text")}}
	obj.Get("message.content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").Str == TypeToolUse {
			tu := toolUse(envelope{typ: TypeToolUse, raw: block.Raw}, block)
			out = append(out, tu)
		}
		return true
	})
	return out
}

// user expands a user message into the message followed by one ToolResult
// per tool_result content block.
func user(env envelope, obj gjson.Result) []Event {
	out := []Event{User{envelope: env}}
	obj.Get("message.content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").Str == TypeToolResult {
			out = append(out, ToolResult{
				envelope:  envelope{typ: TypeToolResult, raw: block.Raw},
				ToolUseID: firstString(block, "tool_use_id", "toolUseId"),
				IsError:   firstBool(block, "is_error", "isError"),
			})
		}
		return true
	})
	return out
}

// editTools are the tools that write files and so trigger the stacking
// hooks.
var editTools = map[string]bool{
	"Edit":      true,
	"Write":     true,
	"MultiEdit": true,
}

// IsEditTool reports whether name is a file-editing tool.
func IsEditTool(name string) bool { return editTools[name] }
