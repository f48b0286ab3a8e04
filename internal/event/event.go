// Package event defines the task event taxonomy shared by the backend
// transport, the dispatch core, and the persistence journal. Events are
// immutable once accepted; payloads decode with safe defaults so a malformed
// field never fails a dispatch.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind. The set below is closed for reducer
// purposes; unknown types are still accepted into the log (forward
// compatibility) but produce no state change.
type Type string

const (
	TypeTaskStarted         Type = "TASK_STARTED"
	TypeTaskStatus          Type = "TASK_STATUS"
	TypeTaskFinished        Type = "TASK_FINISHED"
	TypeTaskFailed          Type = "TASK_FAILED"
	TypeTaskHistoryCleared  Type = "TASK_HISTORY_CLEARED"
	TypePlanUpdated         Type = "PLAN_UPDATED"
	TypeChatMessage         Type = "CHAT_MESSAGE"
	TypeTextDelta           Type = "TEXT_DELTA"
	TypeToolCalled          Type = "TOOL_CALLED"
	TypeToolResult          Type = "TOOL_RESULT"
	TypeEffectRequested     Type = "EFFECT_REQUESTED"
	TypeEffectApproved      Type = "EFFECT_APPROVED"
	TypeEffectDenied        Type = "EFFECT_DENIED"
	TypePatchProposed       Type = "PATCH_PROPOSED"
	TypePatchApplied        Type = "PATCH_APPLIED"
	TypePatchRejected       Type = "PATCH_REJECTED"
	TypeSkillRecommendation Type = "SKILL_RECOMMENDATION"
	TypeTokenUsage          Type = "TOKEN_USAGE"
	TypeRateLimited         Type = "RATE_LIMITED"
)

var knownTypes = map[Type]struct{}{
	TypeTaskStarted:         {},
	TypeTaskStatus:          {},
	TypeTaskFinished:        {},
	TypeTaskFailed:          {},
	TypeTaskHistoryCleared:  {},
	TypePlanUpdated:         {},
	TypeChatMessage:         {},
	TypeTextDelta:           {},
	TypeToolCalled:          {},
	TypeToolResult:          {},
	TypeEffectRequested:     {},
	TypeEffectApproved:      {},
	TypeEffectDenied:        {},
	TypePatchProposed:       {},
	TypePatchApplied:        {},
	TypePatchRejected:       {},
	TypeSkillRecommendation: {},
	TypeTokenUsage:          {},
	TypeRateLimited:         {},
}

// Known reports whether t is part of the closed reducer taxonomy.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// TaskEvent is the immutable envelope delivered by the agent backend.
// Sequence is producer-assigned and monotonic per task; the store applies
// events in arrival order and never consults Sequence for reordering.
type TaskEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"taskId"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into the typed struct for the event's kind.
// It returns nil for unknown types and for kinds that carry no payload.
// Decoding is total: a missing or malformed payload yields the zero value of
// the typed struct, never an error.
func (e TaskEvent) Decode() any {
	switch e.Type {
	case TypeTaskStarted:
		return decode[TaskStartedPayload](e.Payload)
	case TypeTaskStatus:
		return decode[TaskStatusPayload](e.Payload)
	case TypeTaskFinished:
		return decode[TaskFinishedPayload](e.Payload)
	case TypeTaskFailed:
		return decode[TaskFailedPayload](e.Payload)
	case TypeTaskHistoryCleared:
		return TaskHistoryClearedPayload{}
	case TypePlanUpdated:
		return decode[PlanUpdatedPayload](e.Payload)
	case TypeChatMessage:
		return decode[ChatMessagePayload](e.Payload)
	case TypeTextDelta:
		return decode[TextDeltaPayload](e.Payload)
	case TypeToolCalled:
		return decode[ToolCalledPayload](e.Payload)
	case TypeToolResult:
		return decode[ToolResultPayload](e.Payload)
	case TypeEffectRequested:
		return decode[EffectRequestedPayload](e.Payload)
	case TypeEffectApproved, TypeEffectDenied:
		return decode[EffectDecisionPayload](e.Payload)
	case TypePatchProposed:
		return decode[PatchProposedPayload](e.Payload)
	case TypePatchApplied, TypePatchRejected:
		return decode[PatchDecisionPayload](e.Payload)
	case TypeSkillRecommendation:
		return decode[SkillRecommendationPayload](e.Payload)
	case TypeTokenUsage:
		return decode[TokenUsagePayload](e.Payload)
	case TypeRateLimited:
		return decode[RateLimitedPayload](e.Payload)
	default:
		return nil
	}
}

func decode[T any](raw json.RawMessage) T {
	var p T
	if len(raw) > 0 {
		// Partial decodes keep whatever fields parsed; the rest stay zero.
		_ = json.Unmarshal(raw, &p)
	}
	return p
}
