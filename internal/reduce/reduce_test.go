package reduce

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/session"
)

var t0 = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func ev(t *testing.T, id string, typ event.Type, payload any) event.TaskEvent {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw = b
	}
	return event.TaskEvent{ID: id, TaskID: "t1", Timestamp: t0, Type: typ, Payload: raw}
}

func running(t *testing.T) *session.Session {
	t.Helper()
	s := session.New("t1", t0)
	Apply(s, ev(t, "start", event.TypeTaskStarted, event.TaskStartedPayload{Title: "T"}))
	return s
}

func TestTaskStatusIgnoresInvalidValue(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "e1", event.TypeTaskStatus, event.TaskStatusPayload{Status: "exploded"}))
	if s.Status != session.StatusRunning {
		t.Fatalf("status = %q, want running", s.Status)
	}
	Apply(s, ev(t, "e2", event.TypeTaskStatus, event.TaskStatusPayload{Status: "idle"}))
	if s.Status != session.StatusIdle {
		t.Fatalf("status = %q, want idle", s.Status)
	}
}

func TestTaskStatusLeavingRunningClosesDraft(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "d1", event.TypeTextDelta, event.TextDeltaPayload{Delta: "partial"}))
	if s.AssistantDraft != "partial" {
		t.Fatalf("draft = %q", s.AssistantDraft)
	}
	Apply(s, ev(t, "e1", event.TypeTaskStatus, event.TaskStatusPayload{Status: "idle"}))
	if s.AssistantDraft != "" {
		t.Fatalf("draft survived status change: %q", s.AssistantDraft)
	}
	// The already streamed message stays in the transcript.
	if last := s.LastMessage(); last == nil || last.Content != "partial" {
		t.Fatalf("streamed message lost: %+v", last)
	}
}

func TestTaskFailedPrefersSummaryOverError(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "e1", event.TypeTaskFailed,
		event.TaskFailedPayload{Error: "stack trace", Summary: "Model refused"}))
	if s.Status != session.StatusFailed {
		t.Fatalf("status = %q", s.Status)
	}
	if s.Summary != "Model refused" {
		t.Fatalf("summary = %q", s.Summary)
	}

	s2 := running(t)
	Apply(s2, ev(t, "e1", event.TypeTaskFailed, event.TaskFailedPayload{Error: "boom"}))
	if s2.Summary != "boom" {
		t.Fatalf("summary fallback = %q", s2.Summary)
	}
}

func TestHistoryClearedReplacesTranscript(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "m1", event.TypeChatMessage,
		event.ChatMessagePayload{Role: "user", Content: "hello"}))
	Apply(s, ev(t, "c1", event.TypeTaskHistoryCleared, nil))
	if len(s.Messages) != 1 || s.Messages[0].Role != session.RoleSystem {
		t.Fatalf("transcript = %+v", s.Messages)
	}
	if s.Messages[0].Content != "Conversation history cleared." {
		t.Fatalf("notice = %q", s.Messages[0].Content)
	}
}

func TestPlanUpdatedReplacesSteps(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "p1", event.TypePlanUpdated, event.PlanUpdatedPayload{
		Steps: []event.PlanStepPayload{{ID: "1", Description: "a", Status: "pending"}},
	}))
	Apply(s, ev(t, "p2", event.TypePlanUpdated, event.PlanUpdatedPayload{
		Steps: []event.PlanStepPayload{
			{ID: "1", Description: "a", Status: "done"},
			{ID: "2", Description: "b", Status: "pending"},
		},
	}))
	if len(s.PlanSteps) != 2 || s.PlanSteps[0].Status != "done" {
		t.Fatalf("plan = %+v", s.PlanSteps)
	}
}

func TestChatMessageInvalidRoleDefaultsToAssistant(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "m1", event.TypeChatMessage,
		event.ChatMessagePayload{Role: "robot", Content: "hi"}))
	if last := s.LastMessage(); last == nil || last.Role != session.RoleAssistant {
		t.Fatalf("message = %+v", last)
	}
}

func TestChatMessageAfterStreamEndsCoalescing(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "d1", event.TypeTextDelta, event.TextDeltaPayload{Delta: "one"}))
	Apply(s, ev(t, "m1", event.TypeChatMessage,
		event.ChatMessagePayload{Role: "user", Content: "interject"}))
	Apply(s, ev(t, "d2", event.TypeTextDelta, event.TextDeltaPayload{Delta: "two"}))

	// The delta after the interjection starts a new trailing message rather
	// than rewriting the user's message.
	if len(s.Messages) < 3 {
		t.Fatalf("transcript too short: %+v", s.Messages)
	}
	last := s.LastMessage()
	if last.Role != session.RoleAssistant || last.Content != "onetwo" {
		t.Fatalf("trailing message = %+v", last)
	}
	for _, m := range s.Messages {
		if m.Role == session.RoleUser && m.Content != "interject" && m.ID == "m1:msg" {
			t.Fatalf("user message rewritten: %+v", m)
		}
	}
}

func TestToolResultDoesNotMutateCallRecord(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "c1", event.TypeToolCalled,
		event.ToolCalledPayload{ToolID: "tool-1", ToolName: "grep"}))
	Apply(s, ev(t, "r1", event.TypeToolResult,
		event.ToolResultPayload{ToolID: "tool-1", ToolName: "grep", Success: false, Summary: "no matches"}))

	if len(s.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", s.ToolCalls)
	}
	if s.ToolCalls[0].ToolName != "grep" || s.ToolCalls[0].Source != "agent" {
		t.Fatalf("call record changed: %+v", s.ToolCalls[0])
	}
	if last := s.LastMessage(); last == nil || last.Content != "grep failed: no matches" {
		t.Fatalf("result note = %+v", last)
	}
}

func TestEffectRiskClamped(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "r1", event.TypeEffectRequested,
		event.EffectRequestedPayload{RequestID: "a", EffectType: "shell:write", RiskLevel: 99}))
	Apply(s, ev(t, "r2", event.TypeEffectRequested,
		event.EffectRequestedPayload{RequestID: "b", EffectType: "filesystem:read", RiskLevel: -3}))
	if s.Effects[0].RiskLevel != 10 || s.Effects[1].RiskLevel != 0 {
		t.Fatalf("risk not clamped: %+v", s.Effects)
	}
}

func TestPatchDecisionOnlyMovesForward(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "p1", event.TypePatchProposed,
		event.PatchProposedPayload{PatchID: "patch-1", FilePath: "main.go"}))
	Apply(s, ev(t, "a1", event.TypePatchRejected,
		event.PatchDecisionPayload{PatchID: "patch-1"}))
	Apply(s, ev(t, "a2", event.TypePatchApplied,
		event.PatchDecisionPayload{PatchID: "patch-1"}))

	patch := s.Patch("patch-1")
	if patch == nil || patch.Status != session.PatchRejected {
		t.Fatalf("patch = %+v", patch)
	}
}

func TestOrphanPatchDecisionIsNoOp(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "a1", event.TypePatchApplied,
		event.PatchDecisionPayload{PatchID: "ghost"}))
	if len(s.Patches) != 0 {
		t.Fatalf("patches = %+v", s.Patches)
	}
}

func TestSkillRecommendationReplacesPrevious(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "s1", event.TypeSkillRecommendation,
		event.SkillRecommendationPayload{Skills: []string{"git", "docker"}}))
	Apply(s, ev(t, "s2", event.TypeSkillRecommendation,
		event.SkillRecommendationPayload{Skills: []string{"sql"}, AutoLoaded: "sql"}))
	if s.Skills == nil || len(s.Skills.Skills) != 1 || s.Skills.AutoLoaded != "sql" {
		t.Fatalf("skills = %+v", s.Skills)
	}
	if last := s.LastMessage(); last == nil || last.Content != "Skill sql loaded automatically" {
		t.Fatalf("note = %+v", last)
	}
}

func TestRateLimitedNote(t *testing.T) {
	s := running(t)
	Apply(s, ev(t, "rl1", event.TypeRateLimited,
		event.RateLimitedPayload{RetryAfterSeconds: 30}))
	if last := s.LastMessage(); last == nil ||
		last.Content != "Rate limited by the model provider; retrying in 30s." {
		t.Fatalf("note = %+v", last)
	}
}

func TestMalformedPayloadReducesToDefaults(t *testing.T) {
	s := running(t)
	bad := event.TaskEvent{
		ID: "x1", TaskID: "t1", Timestamp: t0,
		Type:    event.TypeToolCalled,
		Payload: json.RawMessage(`{"toolName": 42}`),
	}
	Apply(s, bad)
	if len(s.ToolCalls) != 1 || s.ToolCalls[0].ToolName != "unknown" {
		t.Fatalf("tool calls = %+v", s.ToolCalls)
	}
}
