package monitor

import "github.com/chorusdev/chorus/internal/events"

// DefaultRingSize bounds the tool invocations remembered per task.
const DefaultRingSize = 10

// pairing remembers recent tool invocations so a later tool_result can be
// traced back to the tool and file that produced it. It belongs to one
// watcher goroutine and is not safe for concurrent use.
type pairing struct {
	size    int
	entries []events.ToolUse
}

func newPairing(size int) *pairing {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &pairing{size: size, entries: make([]events.ToolUse, 0, size)}
}

func (p *pairing) push(tu events.ToolUse) {
	if len(p.entries) == p.size {
		copy(p.entries, p.entries[1:])
		p.entries = p.entries[:p.size-1]
	}
	p.entries = append(p.entries, tu)
}

// lookup returns the most recent invocation with id.
func (p *pairing) lookup(id string) (events.ToolUse, bool) {
	if id == "" {
		return events.ToolUse{}, false
	}
	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].ID == id {
			return p.entries[i], true
		}
	}
	return events.ToolUse{}, false
}

func (p *pairing) count() int { return len(p.entries) }
