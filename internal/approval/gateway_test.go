package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/policy"
	"github.com/coworkany/deskcore/internal/session"
	"github.com/coworkany/deskcore/internal/store"
	"github.com/coworkany/deskcore/internal/transport"
)

// fakeTransport records sent commands and lets tests feed events, commands,
// and call responses.
type fakeTransport struct {
	events   chan event.TaskEvent
	commands chan transport.Command
	sent     chan transport.Command
	respond  func(transport.Command) (transport.Response, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:   make(chan event.TaskEvent, 16),
		commands: make(chan transport.Command, 16),
		sent:     make(chan transport.Command, 16),
	}
}

func (f *fakeTransport) Events() <-chan event.TaskEvent        { return f.events }
func (f *fakeTransport) Commands() <-chan transport.Command    { return f.commands }
func (f *fakeTransport) Send(cmd transport.Command) error      { f.sent <- cmd; return nil }
func (f *fakeTransport) Close() error                          { return nil }
func (f *fakeTransport) Call(_ context.Context, cmd transport.Command) (transport.Response, error) {
	f.sent <- cmd
	if f.respond != nil {
		return f.respond(cmd)
	}
	return transport.Response{CommandID: cmd.CommandID, Success: true}, nil
}

type fixture struct {
	st *store.Store
	lp *policy.LivePolicy
	tr *fakeTransport
	gw *Gateway
}

func newFixture(t *testing.T, p policy.Policy) *fixture {
	t.Helper()
	st := store.New(store.Options{})
	lp := policy.NewLivePolicy(p, "")
	tr := newFakeTransport()
	gw := New(st, lp, tr, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = gw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	st.Dispatch(event.TaskEvent{ID: "start", TaskID: "t1", Type: event.TypeTaskStarted})
	st.SetActiveTaskID("t1")
	return &fixture{st: st, lp: lp, tr: tr, gw: gw}
}

func effectCommand(t *testing.T, requestID, effectType string, risk int) transport.Command {
	t.Helper()
	payload, err := json.Marshal(event.EffectRequestedPayload{
		RequestID:  requestID,
		EffectType: effectType,
		RiskLevel:  risk,
	})
	if err != nil {
		t.Fatal(err)
	}
	return transport.Command{CommandID: "c-" + requestID, Type: transport.CmdRequestEffect, TaskID: "t1", Payload: payload}
}

func waitEffect(t *testing.T, st *store.Store, taskID, requestID string) *session.Effect {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := st.Session(taskID); s != nil {
			if eff := s.Effect(requestID); eff != nil {
				return eff
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("effect %s never appeared", requestID)
	return nil
}

func waitDecided(t *testing.T, st *store.Store, taskID, requestID string) *session.Effect {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := st.Session(taskID); s != nil {
			if eff := s.Effect(requestID); eff != nil && eff.Approved != nil {
				return eff
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("effect %s never decided", requestID)
	return nil
}

func TestRunPumpsEventsIntoStore(t *testing.T) {
	f := newFixture(t, policy.Default())
	f.tr.events <- event.TaskEvent{
		ID: "e1", TaskID: "t2", Type: event.TypeTaskStarted,
		Payload: json.RawMessage(`{"title":"Other"}`),
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := f.st.Session("t2"); s != nil && s.Title == "Other" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("event never reached the store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEffectRequestDeniedOutrightByPolicy(t *testing.T) {
	f := newFixture(t, policy.Default())
	f.tr.commands <- effectCommand(t, "r1", "secrets:read", 5)

	eff := waitDecided(t, f.st, "t1", "r1")
	if *eff.Approved {
		t.Fatal("denied effect type was approved")
	}
	// Backend is told about the denial.
	select {
	case cmd := <-f.tr.sent:
		if cmd.Type != transport.CmdDenyEffect {
			t.Fatalf("backend echo = %q", cmd.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never notified")
	}
}

func TestEffectRequestAutoApprovedByPolicy(t *testing.T) {
	p := policy.Default()
	p.Confirmation["filesystem:read"] = policy.ModeNever
	f := newFixture(t, p)
	f.tr.commands <- effectCommand(t, "r1", "filesystem:read", 2)

	eff := waitDecided(t, f.st, "t1", "r1")
	if !*eff.Approved {
		t.Fatal("never-mode effect was not auto-approved")
	}
	select {
	case cmd := <-f.tr.sent:
		if cmd.Type != transport.CmdApproveEffect {
			t.Fatalf("backend echo = %q", cmd.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never notified")
	}
}

func TestEffectRequestWaitsForUser(t *testing.T) {
	f := newFixture(t, policy.Default())
	f.tr.commands <- effectCommand(t, "r1", "shell:write", 4)

	eff := waitEffect(t, f.st, "t1", "r1")
	if eff.Approved != nil {
		t.Fatalf("always-mode effect decided without user: %+v", eff)
	}

	if err := f.gw.Confirm("t1", "r1", false); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	eff = waitDecided(t, f.st, "t1", "r1")
	if !*eff.Approved {
		t.Fatal("confirm did not approve")
	}

	// A second decision on the same request fails.
	if err := f.gw.Deny("t1", "r1", false); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("second decision err = %v, want ErrAlreadyDecided", err)
	}
}

func TestConfirmWithRememberFeedsPolicy(t *testing.T) {
	f := newFixture(t, policy.Default())

	// filesystem:read defaults to once mode.
	f.tr.commands <- effectCommand(t, "r1", "filesystem:read", 2)
	waitEffect(t, f.st, "t1", "r1")
	if err := f.gw.Confirm("t1", "r1", true); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	waitDecided(t, f.st, "t1", "r1")
	<-f.tr.sent // drain the approval echo

	// The next request of the same type resolves without a prompt.
	f.tr.commands <- effectCommand(t, "r2", "filesystem:read", 2)
	eff := waitDecided(t, f.st, "t1", "r2")
	if !*eff.Approved {
		t.Fatal("remembered approval not applied")
	}
}

func TestDecisionOnUnknownRequest(t *testing.T) {
	f := newFixture(t, policy.Default())
	if err := f.gw.Confirm("t1", "ghost", false); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("err = %v, want ErrUnknownRequest", err)
	}
	if err := f.gw.Deny("missing-task", "ghost", false); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("err = %v, want ErrUnknownRequest", err)
	}
}

func TestPatchProposalEntersStore(t *testing.T) {
	f := newFixture(t, policy.Default())
	payload, _ := json.Marshal(event.PatchProposedPayload{PatchID: "p1", FilePath: "main.go"})
	f.tr.commands <- transport.Command{
		CommandID: "c1", Type: transport.CmdProposePatch, TaskID: "t1", Payload: payload,
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := f.st.Session("t1"); s != nil && s.Patch("p1") != nil {
			if s.Patch("p1").Status != session.PatchProposed {
				t.Fatalf("status = %q", s.Patch("p1").Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("patch never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApplyPatchSuccess(t *testing.T) {
	f := newFixture(t, policy.Default())
	payload, _ := json.Marshal(event.PatchProposedPayload{PatchID: "p1", FilePath: "main.go"})
	f.tr.commands <- transport.Command{
		CommandID: "c1", Type: transport.CmdProposePatch, TaskID: "t1", Payload: payload,
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.st.Session("t1").Patch("p1") == nil {
		if time.Now().After(deadline) {
			t.Fatal("patch never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.gw.ApplyPatch(context.Background(), "t1", "p1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := f.st.Session("t1").Patch("p1").Status; got != session.PatchApplied {
		t.Fatalf("status = %q", got)
	}
}

func TestApplyPatchBackendFailureRejects(t *testing.T) {
	f := newFixture(t, policy.Default())
	f.tr.respond = func(cmd transport.Command) (transport.Response, error) {
		return transport.Response{CommandID: cmd.CommandID, Success: false, Error: "conflict"}, nil
	}
	payload, _ := json.Marshal(event.PatchProposedPayload{PatchID: "p1", FilePath: "main.go"})
	f.tr.commands <- transport.Command{
		CommandID: "c1", Type: transport.CmdProposePatch, TaskID: "t1", Payload: payload,
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.st.Session("t1").Patch("p1") == nil {
		if time.Now().After(deadline) {
			t.Fatal("patch never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.gw.ApplyPatch(context.Background(), "t1", "p1"); err == nil {
		t.Fatal("expected error from backend failure")
	}
	if got := f.st.Session("t1").Patch("p1").Status; got != session.PatchRejected {
		t.Fatalf("status = %q", got)
	}
}

func TestRejectPatch(t *testing.T) {
	f := newFixture(t, policy.Default())
	payload, _ := json.Marshal(event.PatchProposedPayload{PatchID: "p1", FilePath: "main.go"})
	f.tr.commands <- transport.Command{
		CommandID: "c1", Type: transport.CmdProposePatch, TaskID: "t1", Payload: payload,
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.st.Session("t1").Patch("p1") == nil {
		if time.Now().After(deadline) {
			t.Fatal("patch never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.gw.RejectPatch("t1", "p1"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := f.st.Session("t1").Patch("p1").Status; got != session.PatchRejected {
		t.Fatalf("status = %q", got)
	}
	select {
	case cmd := <-f.tr.sent:
		if cmd.Type != transport.CmdRejectPatch {
			t.Fatalf("backend echo = %q", cmd.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never notified")
	}
}

func TestLateEffectResponseDecidesPendingRequest(t *testing.T) {
	f := newFixture(t, policy.Default())
	f.tr.commands <- effectCommand(t, "r1", "shell:write", 4)
	waitEffect(t, f.st, "t1", "r1")

	ok := true
	payload, _ := json.Marshal(map[string]any{"requestId": "r1", "approved": true})
	f.tr.commands <- transport.Command{
		CommandID: "c2", Type: transport.RespRequestEffect,
		TaskID: "t1", Success: &ok, Payload: payload,
	}

	eff := waitDecided(t, f.st, "t1", "r1")
	if !*eff.Approved {
		t.Fatal("late response did not approve the request")
	}
}

func TestLatePatchResponseFoldsIntoStore(t *testing.T) {
	f := newFixture(t, policy.Default())
	payload, _ := json.Marshal(event.PatchProposedPayload{PatchID: "p1", FilePath: "main.go"})
	f.tr.commands <- transport.Command{
		CommandID: "c1", Type: transport.CmdProposePatch, TaskID: "t1", Payload: payload,
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.st.Session("t1").Patch("p1") == nil {
		if time.Now().After(deadline) {
			t.Fatal("patch never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ok := true
	resp, _ := json.Marshal(map[string]string{"patchId": "p1"})
	f.tr.commands <- transport.Command{
		CommandID: "c2", Type: transport.RespApplyPatch,
		TaskID: "t1", Success: &ok, Payload: resp,
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if got := f.st.Session("t1").Patch("p1").Status; got == session.PatchApplied {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("patch status = %q", f.st.Session("t1").Patch("p1").Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
