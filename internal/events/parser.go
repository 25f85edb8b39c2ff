package events

import (
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

// Parse scans captured terminal text and returns the events it contains,
// in order. The terminal may hard-wrap one JSON line across several rows,
// so a row that does not start with '{' is appended to the pending object
// while that object is still incomplete. A blank row closes the pending
// object. Anything that does not decode is dropped.
//
// Parse keeps no state between calls.
func Parse(text string) []Event {
	var (
		out     []Event
		pending strings.Builder
	)

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		out = append(out, decode(pending.String())...)
		pending.Reset()
	}

	for _, row := range strings.Split(text, "\n") {
		row = strings.TrimRight(row, "\r")
		trimmed := strings.TrimSpace(row)

		switch {
		case strings.HasPrefix(trimmed, "{"):
			flush()
			pending.WriteString(strings.TrimLeftFunc(row, unicode.IsSpace))
		case trimmed == "":
			flush()
		case pending.Len() > 0:
			if gjson.Valid(pending.String()) {
				// Complete already: this row is unrelated output.
				flush()
				continue
			}
			pending.WriteString(row)
		}
	}
	flush()
	return out
}

// CountByType tallies events per Type(), for diagnostics.
func CountByType(evs []Event) map[string]int {
	counts := make(map[string]int)
	for _, ev := range evs {
		counts[ev.Type()]++
	}
	return counts
}
