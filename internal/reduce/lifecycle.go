package reduce

import (
	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/session"
)

// Lifecycle owns status, title, summary, the plan, and the history-clear
// notice. Any transition away from running closes the streaming draft.
func Lifecycle(s *session.Session, ev event.TaskEvent) {
	switch ev.Type {
	case event.TypeTaskStarted:
		p, _ := ev.Decode().(event.TaskStartedPayload)
		s.Status = session.StatusRunning
		if p.Title != "" {
			s.Title = p.Title
		}
		if p.UserQuery != "" {
			s.Messages = append(s.Messages, session.Message{
				ID:        ev.ID + ":query",
				Role:      session.RoleUser,
				Content:   p.UserQuery,
				Timestamp: eventTime(s, ev),
			})
		}

	case event.TypeTaskStatus:
		p, _ := ev.Decode().(event.TaskStatusPayload)
		next := session.Status(p.Status)
		if !session.ValidStatus(next) {
			// Unrecognized status reports leave the lifecycle untouched.
			return
		}
		s.Status = next
		if next != session.StatusRunning {
			s.AssistantDraft = ""
		}

	case event.TypeTaskFinished:
		p, _ := ev.Decode().(event.TaskFinishedPayload)
		s.Status = session.StatusFinished
		if p.Summary != "" {
			s.Summary = p.Summary
		}
		s.AssistantDraft = ""

	case event.TypeTaskFailed:
		p, _ := ev.Decode().(event.TaskFailedPayload)
		s.Status = session.StatusFailed
		switch {
		case p.Summary != "":
			s.Summary = p.Summary
		case p.Error != "":
			s.Summary = p.Error
		}
		s.AssistantDraft = ""

	case event.TypeTaskHistoryCleared:
		s.Messages = []session.Message{{
			ID:        ev.ID + ":cleared",
			Role:      session.RoleSystem,
			Content:   "Conversation history cleared.",
			Timestamp: eventTime(s, ev),
		}}
		s.AssistantDraft = ""

	case event.TypePlanUpdated:
		p, _ := ev.Decode().(event.PlanUpdatedPayload)
		steps := make([]session.PlanStep, 0, len(p.Steps))
		for _, st := range p.Steps {
			steps = append(steps, session.PlanStep{
				ID:          st.ID,
				Description: st.Description,
				Status:      st.Status,
			})
		}
		s.PlanSteps = steps
	}
}
