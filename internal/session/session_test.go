package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/coworkany/deskcore/internal/event"
)

var t0 = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func TestSeenAfterRecord(t *testing.T) {
	s := New("t1", t0)
	if s.Seen("e1") {
		t.Fatal("fresh session claims to have seen e1")
	}
	s.Record(event.TaskEvent{ID: "e1", TaskID: "t1"})
	if !s.Seen("e1") {
		t.Fatal("recorded event not seen")
	}
}

func TestSeenSurvivesSerialization(t *testing.T) {
	s := New("t1", t0)
	s.Record(event.TaskEvent{ID: "e1", TaskID: "t1"})
	s.Record(event.TaskEvent{ID: "e2", TaskID: "t1"})

	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored Session
	if err := json.Unmarshal(b, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// The id index is unexported and rebuilt lazily from the log.
	if !restored.Seen("e1") || !restored.Seen("e2") {
		t.Fatal("restored session lost dedup index")
	}
	if restored.Seen("e3") {
		t.Fatal("restored session invented an event id")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := New("t1", t0)
	approved := true
	s.Status = StatusRunning
	s.Messages = append(s.Messages, Message{ID: "m1", Role: RoleUser, Content: "hi"})
	s.Effects = append(s.Effects, Effect{RequestID: "r1", EffectType: "shell:read", Approved: &approved})
	s.Patches = append(s.Patches, Patch{PatchID: "p1", FilePath: "a.go", Status: PatchProposed})
	s.Skills = &SkillRecommendation{Skills: []string{"git"}}
	s.Record(event.TaskEvent{ID: "e1", TaskID: "t1"})

	c := s.Clone()
	c.Messages[0].Content = "mutated"
	*c.Effects[0].Approved = false
	c.Patches[0].Status = PatchApplied
	c.Skills.Skills[0] = "mutated"
	c.Events[0].ID = "mutated"

	if s.Messages[0].Content != "hi" {
		t.Fatal("clone shares messages")
	}
	if *s.Effects[0].Approved != true {
		t.Fatal("clone shares approved pointer")
	}
	if s.Patches[0].Status != PatchProposed {
		t.Fatal("clone shares patches")
	}
	if s.Skills.Skills[0] != "git" {
		t.Fatal("clone shares skills")
	}
	if s.Events[0].ID != "e1" {
		t.Fatal("clone shares event log")
	}
}

func TestCloneRebuildsSeenIndependently(t *testing.T) {
	s := New("t1", t0)
	s.Record(event.TaskEvent{ID: "e1", TaskID: "t1"})
	c := s.Clone()
	if !c.Seen("e1") {
		t.Fatal("clone lost dedup index")
	}
	c.Record(event.TaskEvent{ID: "e2", TaskID: "t1"})
	if s.Seen("e2") {
		t.Fatal("clone writes leaked into original")
	}
}

func TestEffectAndPatchLookup(t *testing.T) {
	s := New("t1", t0)
	s.Effects = append(s.Effects, Effect{RequestID: "r1"}, Effect{RequestID: "r2"})
	s.Patches = append(s.Patches, Patch{PatchID: "p1"})

	if e := s.Effect("r2"); e == nil || e.RequestID != "r2" {
		t.Fatalf("effect lookup = %+v", e)
	}
	if s.Effect("nope") != nil {
		t.Fatal("phantom effect")
	}
	if p := s.Patch("p1"); p == nil {
		t.Fatal("patch lookup failed")
	}
	if s.Patch("nope") != nil {
		t.Fatal("phantom patch")
	}

	// Lookups return pointers into the session for in-place decisions.
	s.Effect("r1").RiskLevel = 5
	if s.Effects[0].RiskLevel != 5 {
		t.Fatal("effect lookup returned a copy")
	}
}

func TestStatusHelpers(t *testing.T) {
	for _, tc := range []struct {
		status   Status
		valid    bool
		terminal bool
	}{
		{StatusIdle, true, false},
		{StatusRunning, true, false},
		{StatusFinished, true, true},
		{StatusFailed, true, true},
		{Status("bogus"), false, false},
		{Status(""), false, false},
	} {
		if got := ValidStatus(tc.status); got != tc.valid {
			t.Errorf("ValidStatus(%q) = %v, want %v", tc.status, got, tc.valid)
		}
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("Terminal(%q) = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}
