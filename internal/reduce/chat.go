package reduce

import (
	"fmt"

	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/session"
)

// Chat owns the transcript and the streaming draft. Consecutive text deltas
// coalesce into one growing trailing assistant message; deltas with role
// "thinking" are dropped entirely and never surface anywhere.
func Chat(s *session.Session, ev event.TaskEvent) {
	switch ev.Type {
	case event.TypeChatMessage:
		p, _ := ev.Decode().(event.ChatMessagePayload)
		role := session.Role(p.Role)
		switch role {
		case session.RoleUser, session.RoleAssistant, session.RoleSystem:
		default:
			role = session.RoleAssistant
		}
		id := p.MessageID
		if id == "" {
			id = ev.ID + ":msg"
		}
		s.Messages = append(s.Messages, session.Message{
			ID:        id,
			Role:      role,
			Content:   p.Content,
			Timestamp: eventTime(s, ev),
		})

	case event.TypeTextDelta:
		p, _ := ev.Decode().(event.TextDeltaPayload)
		if p.Role == "thinking" {
			return
		}
		// A terminal or idle task cannot stream; a stray late delta must not
		// reopen a closed message.
		if s.Status != session.StatusRunning {
			return
		}
		streaming := s.AssistantDraft != ""
		s.AssistantDraft += p.Delta
		last := s.LastMessage()
		if streaming && last != nil && last.Role == session.RoleAssistant {
			last.Content = s.AssistantDraft
			return
		}
		s.Messages = append(s.Messages, session.Message{
			ID:        ev.ID + ":stream",
			Role:      session.RoleAssistant,
			Content:   s.AssistantDraft,
			Timestamp: eventTime(s, ev),
		})

	case event.TypeRateLimited:
		p, _ := ev.Decode().(event.RateLimitedPayload)
		note := "Rate limited by the model provider."
		if p.RetryAfterSeconds > 0 {
			note = fmt.Sprintf("Rate limited by the model provider; retrying in %ds.", p.RetryAfterSeconds)
		}
		systemNote(s, ev, note)
	}
}
