package reduce

import (
	"fmt"

	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/session"
)

// ToolCall owns the tool-call list. Results append a summary note but do not
// mutate the original call record; the call list is append-only.
func ToolCall(s *session.Session, ev event.TaskEvent) {
	switch ev.Type {
	case event.TypeToolCalled:
		p, _ := ev.Decode().(event.ToolCalledPayload)
		name := p.ToolName
		if name == "" {
			name = "unknown"
		}
		source := p.Source
		if source == "" {
			source = "agent"
		}
		s.ToolCalls = append(s.ToolCalls, session.ToolCall{
			ToolID:   p.ToolID,
			ToolName: name,
			Source:   source,
		})
		systemNote(s, ev, fmt.Sprintf("Running tool %s", name))

	case event.TypeToolResult:
		p, _ := ev.Decode().(event.ToolResultPayload)
		name := p.ToolName
		if name == "" {
			name = "tool"
		}
		if p.Success {
			systemNote(s, ev, fmt.Sprintf("%s completed", name))
			return
		}
		note := fmt.Sprintf("%s failed", name)
		if p.Summary != "" {
			note = fmt.Sprintf("%s failed: %s", name, p.Summary)
		}
		systemNote(s, ev, note)
	}
}
