package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestParseSingleLineEvents(t *testing.T) {
	text := strings.Join([]string{
		`$ claude -p "go" --output-format stream-json --verbose`,
		`{"type":"session_start","session_id":"s1"}`,
		`{"type":"tool_use","id":"t1","toolName":"Edit","toolInput":{"file_path":"a.py"}}`,
		`{"type":"tool_result","toolUseId":"t1","isError":false}`,
		`{"type":"permission_request","prompt":"Allow Bash?"}`,
		`{"type":"result","sessionId":"s1"}`,
		`{"subtype":"no type here"}`,
		`{"type":"error","error":{"message":"rate limited"}}`,
	}, "\n")

	evs := Parse(text)
	if len(evs) != 7 {
		t.Fatalf("got %d events: %v", len(evs), CountByType(evs))
	}

	if ss, ok := evs[0].(SessionStart); !ok || ss.SessionID != "s1" {
		t.Errorf("evs[0] = %#v", evs[0])
	}
	tu, ok := evs[1].(ToolUse)
	if !ok || tu.ID != "t1" || tu.ToolName != "Edit" || tu.FilePath != "a.py" {
		t.Errorf("evs[1] = %#v", evs[1])
	}
	if !gjson.Valid(tu.Input) {
		t.Errorf("tool input raw = %q", tu.Input)
	}
	if tr, ok := evs[2].(ToolResult); !ok || tr.ToolUseID != "t1" || tr.IsError {
		t.Errorf("evs[2] = %#v", evs[2])
	}
	if pr, ok := evs[3].(PermissionRequest); !ok || pr.Prompt != "Allow Bash?" {
		t.Errorf("evs[3] = %#v", evs[3])
	}
	if r, ok := evs[4].(Result); !ok || r.SessionID != "s1" {
		t.Errorf("evs[4] = %#v", evs[4])
	}
	if u, ok := evs[5].(Unknown); !ok || u.Type() != TypeUnknown {
		t.Errorf("evs[5] = %#v", evs[5])
	}
	if e, ok := evs[6].(Error); !ok || e.Message != "rate limited" {
		t.Errorf("evs[6] = %#v", evs[6])
	}
}

func TestParseJoinsWrappedRows(t *testing.T) {
	text := "{\"type\":\"tool_use\",\"id\":\"t9\",\"tool\n" +
		"Name\":\"Write\",\"toolInput\":{\"file_path\":\"src/ma\n" +
		"in.go\"}}\n" +
		"{\"type\":\"result\"}"

	evs := Parse(text)
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}
	tu := evs[0].(ToolUse)
	if tu.ToolName != "Write" || tu.FilePath != "src/main.go" {
		t.Errorf("wrapped tool_use decoded as %#v", tu)
	}
}

func TestParseCompleteObjectIgnoresTrailingNoise(t *testing.T) {
	text := "{\"type\":\"text\",\"text\":\"hi\"}\nsome shell noise\n{\"type\":\"result\"}"
	evs := Parse(text)
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}
	if evs[0].(Text).Text != "hi" {
		t.Errorf("text = %q", evs[0].(Text).Text)
	}
}

func TestParseBlankLineForcesParse(t *testing.T) {
	text := "{\"type\":\"text\",\"text\":\"cut\n\ncontinued\"}\n{\"type\":\"result\"}"
	evs := Parse(text)
	if len(evs) != 1 {
		t.Fatalf("truncated candidate should be dropped, got %d events", len(evs))
	}
	if evs[0].Type() != TypeResult {
		t.Errorf("type = %s", evs[0].Type())
	}
}

func TestParseDropsInvalidCandidates(t *testing.T) {
	text := strings.Join([]string{
		`{not json`,
		`{"type":"text","text":"ok"}`,
		`{"type":"text",`,
		``,
		"\x1b[32m{\"type\":\"text\"}\x1b[0m",
		`[1,2,3]`,
		`{"type":"result"}`,
	}, "\n")
	evs := Parse(text)
	if got := CountByType(evs); got[TypeText] != 1 || got[TypeResult] != 1 || len(evs) != 2 {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestParseExpandsNestedContent(t *testing.T) {
	text := strings.Join([]string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"editing"},{"type":"tool_use","id":"toolu_1","name":"Edit","input":{"file_path":"/repo/a.go"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","is_error":true}]}}`,
	}, "\n")
	evs := Parse(text)
	if len(evs) != 4 {
		t.Fatalf("got %d events: %v", len(evs), CountByType(evs))
	}
	if a := evs[0].(Assistant); a.Text != "editing" {
		t.Errorf("assistant text = %q", a.Text)
	}
	tu := evs[1].(ToolUse)
	if tu.ID != "toolu_1" || tu.ToolName != "Edit" || tu.FilePath != "/repo/a.go" {
		t.Errorf("nested tool_use = %#v", tu)
	}
	if _, ok := evs[2].(User); !ok {
		t.Errorf("evs[2] = %T", evs[2])
	}
	tr := evs[3].(ToolResult)
	if tr.ToolUseID != "toolu_1" || !tr.IsError {
		t.Errorf("nested tool_result = %#v", tr)
	}
}

func TestParseDefaults(t *testing.T) {
	evs := Parse(`{"type":"permission_request"}` + "\n" + `{"type":"error"}`)
	if evs[0].(PermissionRequest).Prompt != DefaultPermissionPrompt {
		t.Errorf("prompt = %q", evs[0].(PermissionRequest).Prompt)
	}
	if evs[1].(Error).Message != "Unknown error" {
		t.Errorf("message = %q", evs[1].(Error).Message)
	}
}

func TestParseIsStateless(t *testing.T) {
	text := `{"type":"text","text":"a"}` + "\n" + `{"type":"text","text":"b"}`
	first := Parse(text)
	second := Parse(text)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("lens %d/%d", len(first), len(second))
	}
	if Parse("") != nil {
		t.Error("empty text should yield no events")
	}
}

// wrapRows splits s into rows of width bytes, the way a terminal without
// line joining would render one long line.
func wrapRows(s string, width int) []string {
	var rows []string
	for len(s) > width {
		rows = append(rows, s[:width])
		s = s[width:]
	}
	return append(rows, s)
}

// wrappable reports whether every continuation row survives the row rules:
// it must not look like a new object and must not look blank.
func wrappable(rows []string) bool {
	for _, r := range rows[1:] {
		tr := strings.TrimSpace(r)
		if tr == "" || strings.HasPrefix(tr, "{") {
			return false
		}
	}
	return true
}

func TestParseIndependentOfWrapWidth(t *testing.T) {
	line := `{"type":"tool_use","id":"toolu_01","toolName":"MultiEdit","toolInput":{"file_path":"internal/monitor/watcher.go","edits":[{"old":"a b","new":"c d"}]}}`
	for width := 1; width <= len(line)+5; width++ {
		rows := wrapRows(line, width)
		if !wrappable(rows) {
			continue
		}
		text := "noise before\n" + strings.Join(rows, "\n") + "\n\nnoise after"
		evs := Parse(text)
		if len(evs) != 1 {
			t.Fatalf("width %d: got %d events", width, len(evs))
		}
		tu := evs[0].(ToolUse)
		if tu.ID != "toolu_01" || tu.ToolName != "MultiEdit" || tu.FilePath != "internal/monitor/watcher.go" {
			t.Fatalf("width %d: decoded %#v", width, tu)
		}
		if tu.Raw() != line {
			t.Fatalf("width %d: raw mismatch", width)
		}
	}
}

func TestParseNoiseBetweenEvents(t *testing.T) {
	noise := []string{"", "$ ls", "   ", "Error: something }", "}}}", "\t>", "claude> "}
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString(noise[i%len(noise)])
		b.WriteString("\n")
		b.WriteString(`{"type":"text","text":"n` + string(rune('a'+i)) + `"}`)
		b.WriteString("\n")
	}
	evs := Parse(b.String())
	if len(evs) != 20 {
		t.Fatalf("got %d events, want 20", len(evs))
	}
	for i, ev := range evs {
		want := "n" + string(rune('a'+i))
		if ev.(Text).Text != want {
			t.Errorf("event %d text = %q, want %q", i, ev.(Text).Text, want)
		}
	}
}

func FuzzParse(f *testing.F) {
	f.Add(`{"type":"session_start","session_id":"s1"}`)
	f.Add("{\"type\":\"text\",\n\"text\":\"x\"}\n\n{")
	f.Add("{\"a\":{\"b\":[1,2,{\"c\":\"}\"}]}}\nnoise\n{{{{")
	f.Add(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"1"}]}}`)
	f.Fuzz(func(t *testing.T, text string) {
		for _, ev := range Parse(text) {
			raw := ev.Raw()
			if raw == "" || raw[0] != '{' || !gjson.Valid(raw) {
				t.Fatalf("event with invalid raw %q", raw)
			}
			if ev.Type() == "" {
				t.Fatal("empty type")
			}
		}
	})
}

func FuzzParseWrapped(f *testing.F) {
	f.Add("hello world", uint8(7))
	f.Add("tabs\tand \"quotes\" and {braces}", uint8(3))
	f.Add("ünïcödé 🔧", uint8(5))
	f.Fuzz(func(t *testing.T, text string, width uint8) {
		payload, err := json.Marshal(map[string]string{"type": "text", "text": text})
		if err != nil {
			t.Skip()
		}
		w := int(width)%64 + 1
		rows := wrapRows(string(payload), w)
		if !wrappable(rows) {
			t.Skip()
		}
		evs := Parse("prompt noise\n" + strings.Join(rows, "\n") + "\n")
		if len(evs) != 1 {
			t.Fatalf("width %d: got %d events", w, len(evs))
		}
		got, ok := evs[0].(Text)
		if !ok {
			t.Fatalf("got %T", evs[0])
		}
		if want := gjson.GetBytes(payload, "text").Str; got.Text != want {
			t.Fatalf("width %d: text %q, want %q", w, got.Text, want)
		}
	})
}

func TestSummarize(t *testing.T) {
	at := time.Date(2026, 1, 2, 13, 4, 5, 0, time.UTC)
	evs := Parse(strings.Join([]string{
		`{"type":"session_start"}`,
		`{"type":"tool_use","toolName":"Edit","toolInput":{"file_path":"a.py"}}`,
		`{"type":"tool_result","isError":true}`,
		`{"type":"text","text":"` + strings.Repeat("y", 150) + `"}`,
		`{"type":"system"}`,
	}, "\n"))
	want := []string{
		"[13:04:05] Session started",
		"[13:04:05] 🔧 Edit: a.py",
		"[13:04:05] ❌ Tool failed",
		"[13:04:05] 💬 " + strings.Repeat("y", 100) + "...",
		"[13:04:05] · system",
	}
	for i, ev := range evs {
		if got := Summarize(ev, at); got != want[i] {
			t.Errorf("Summarize(%s) = %q, want %q", ev.Type(), got, want[i])
		}
	}
}

func TestParseSystemInitIsSessionStart(t *testing.T) {
	evs := Parse(`{"type":"system","subtype":"init","session_id":"abc-123","tools":["Edit"]}` + "\n" +
		`{"type":"system","subtype":"compact"}`)
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}
	ss, ok := evs[0].(SessionStart)
	if !ok || ss.SessionID != "abc-123" || ss.Type() != TypeSystem {
		t.Fatalf("first event = %#v", evs[0])
	}
	if _, ok := evs[1].(Unknown); !ok {
		t.Fatalf("second event = %#v", evs[1])
	}
}
