// Package session holds the per-task aggregate reconstructed from the event
// log. A Session is owned and mutated exclusively by the dispatch core;
// every other consumer works on clones.
package session

import (
	"time"

	"github.com/coworkany/deskcore/internal/event"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// ValidStatus reports whether s is one of the four lifecycle states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusIdle, StatusRunning, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Role is a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type PlanStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type ToolCall struct {
	ToolID   string `json:"toolId"`
	ToolName string `json:"toolName"`
	Source   string `json:"source"`
}

// Effect is a side-effecting action awaiting (or holding) an authorization
// decision. Approved is nil while pending; once set it never reverses.
type Effect struct {
	RequestID  string `json:"requestId"`
	EffectType string `json:"effectType"`
	RiskLevel  int    `json:"riskLevel"`
	Approved   *bool  `json:"approved,omitempty"`
}

// PatchStatus transitions only forward: proposed -> applied | rejected.
type PatchStatus string

const (
	PatchProposed PatchStatus = "proposed"
	PatchApplied  PatchStatus = "applied"
	PatchRejected PatchStatus = "rejected"
)

type Patch struct {
	PatchID  string      `json:"patchId"`
	FilePath string      `json:"filePath"`
	Status   PatchStatus `json:"status"`
}

type TokenUsage struct {
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
}

type SkillRecommendation struct {
	Skills     []string `json:"skills"`
	AutoLoaded string   `json:"autoLoaded,omitempty"`
}

// Session is the aggregate root for one task. Events is the full accepted
// event log (audit trail / replay source); AssistantDraft is transient
// streamed text, empty whenever the task is not running.
type Session struct {
	TaskID         string               `json:"taskId"`
	Status         Status               `json:"status"`
	Title          string               `json:"title,omitempty"`
	Summary        string               `json:"summary,omitempty"`
	PlanSteps      []PlanStep           `json:"planSteps,omitempty"`
	ToolCalls      []ToolCall           `json:"toolCalls,omitempty"`
	Effects        []Effect             `json:"effects,omitempty"`
	Patches        []Patch              `json:"patches,omitempty"`
	Messages       []Message            `json:"messages,omitempty"`
	AssistantDraft string               `json:"assistantDraft,omitempty"`
	Skills         *SkillRecommendation `json:"skills,omitempty"`
	TokenUsage     TokenUsage           `json:"tokenUsage"`
	Events         []event.TaskEvent    `json:"events"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`

	seen map[string]struct{}
}

// New creates an empty idle session for taskID.
func New(taskID string, now time.Time) *Session {
	return &Session{
		TaskID:    taskID,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
		seen:      make(map[string]struct{}),
	}
}

// Seen reports whether an event with the given id was already accepted.
func (s *Session) Seen(id string) bool {
	if s.seen == nil {
		s.Reindex()
	}
	_, ok := s.seen[id]
	return ok
}

// Record appends ev to the event log and marks its id as seen. It does not
// run reducers; that is the dispatch core's job.
func (s *Session) Record(ev event.TaskEvent) {
	if s.seen == nil {
		s.Reindex()
	}
	s.Events = append(s.Events, ev)
	s.seen[ev.ID] = struct{}{}
}

// Reindex rebuilds the event id index from the log. Needed after the session
// was deserialized from a snapshot.
func (s *Session) Reindex() {
	s.seen = make(map[string]struct{}, len(s.Events))
	for _, ev := range s.Events {
		s.seen[ev.ID] = struct{}{}
	}
}

// Effect returns the effect entry with the given request id, or nil.
func (s *Session) Effect(requestID string) *Effect {
	for i := range s.Effects {
		if s.Effects[i].RequestID == requestID {
			return &s.Effects[i]
		}
	}
	return nil
}

// Patch returns the patch entry with the given patch id, or nil.
func (s *Session) Patch(patchID string) *Patch {
	for i := range s.Patches {
		if s.Patches[i].PatchID == patchID {
			return &s.Patches[i]
		}
	}
	return nil
}

// LastMessage returns a pointer to the trailing message, or nil.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// Clone returns a deep copy safe to hand to subscribers and persistence.
func (s *Session) Clone() *Session {
	out := *s
	out.PlanSteps = append([]PlanStep(nil), s.PlanSteps...)
	out.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
	out.Patches = append([]Patch(nil), s.Patches...)
	out.Messages = append([]Message(nil), s.Messages...)
	out.Events = append([]event.TaskEvent(nil), s.Events...)
	out.Effects = make([]Effect, len(s.Effects))
	for i, e := range s.Effects {
		out.Effects[i] = e
		if e.Approved != nil {
			v := *e.Approved
			out.Effects[i].Approved = &v
		}
	}
	if s.Skills != nil {
		sk := *s.Skills
		sk.Skills = append([]string(nil), s.Skills.Skills...)
		out.Skills = &sk
	}
	out.seen = nil // rebuilt lazily on first Seen/Record
	return &out
}
