// Package reduce implements the pure reducer pipeline that folds one task
// event into the session aggregate. Reducers are total functions: they never
// return errors, never perform I/O, and treat missing or malformed payload
// fields as zero values. Each reducer owns a disjoint slice of session state
// and ignores event types outside its concern.
package reduce

import (
	"time"

	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/session"
)

// Reducer folds a single event into the session.
type Reducer func(s *session.Session, ev event.TaskEvent)

// pipeline is the fixed reducer order. Dispatch runs every reducer for every
// event; reducers pick out their own event types.
var pipeline = []Reducer{
	Lifecycle,
	Chat,
	ToolCall,
	EffectAuthorization,
	PatchApplication,
	SkillRecommendation,
}

// Apply runs the full reducer pipeline for ev against s.
func Apply(s *session.Session, ev event.TaskEvent) {
	for _, r := range pipeline {
		r(s, ev)
	}
}

// eventTime returns the event timestamp, falling back to the session's
// UpdatedAt when the producer omitted one.
func eventTime(s *session.Session, ev event.TaskEvent) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return s.UpdatedAt
}

// systemNote appends a synthesized system message. The id is derived from
// the event id so a note stays stable across replays.
func systemNote(s *session.Session, ev event.TaskEvent, content string) {
	s.Messages = append(s.Messages, session.Message{
		ID:        ev.ID + ":note",
		Role:      session.RoleSystem,
		Content:   content,
		Timestamp: eventTime(s, ev),
	})
}
