// Package approval is the gateway between the agent backend and the user's
// authorization decisions. Backend effect requests enter the event store as
// pending entries; the policy engine auto-resolves what it can, everything
// else waits for Confirm or Deny from the shell. Every resolution is
// audited and echoed back to the backend.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coworkany/deskcore/internal/audit"
	"github.com/coworkany/deskcore/internal/event"
	deskotel "github.com/coworkany/deskcore/internal/otel"
	"github.com/coworkany/deskcore/internal/policy"
	"github.com/coworkany/deskcore/internal/shared"
	"github.com/coworkany/deskcore/internal/store"
	"github.com/coworkany/deskcore/internal/transport"
)

// ErrUnknownRequest is returned for decisions on request ids the store has
// never seen.
var ErrUnknownRequest = errors.New("unknown effect request")

// ErrAlreadyDecided is returned when a decision was already recorded for the
// request.
var ErrAlreadyDecided = errors.New("effect request already decided")

// Gateway routes backend traffic into the store and resolves effect
// authorizations.
type Gateway struct {
	st      *store.Store
	lp      *policy.LivePolicy
	tr      transport.Transport
	logger  *slog.Logger
	metrics *deskotel.Metrics
}

// New creates a Gateway. A nil logger discards.
func New(st *store.Store, lp *policy.LivePolicy, tr transport.Transport, logger *slog.Logger, metrics *deskotel.Metrics) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{st: st, lp: lp, tr: tr, logger: logger, metrics: metrics}
}

// Run pumps the transport until the connection closes or ctx ends. Task
// events go straight to the dispatch core; commands get gateway handling.
func (g *Gateway) Run(ctx context.Context) error {
	events := g.tr.Events()
	commands := g.tr.Commands()
	for events != nil || commands != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			g.st.Dispatch(ev)
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			g.handleCommand(ctx, cmd)
		}
	}
	return nil
}

func (g *Gateway) handleCommand(ctx context.Context, cmd transport.Command) {
	switch cmd.Type {
	case transport.CmdRequestEffect:
		g.handleEffectRequest(ctx, cmd)
	case transport.CmdProposePatch:
		g.handlePatchProposal(ctx, cmd)
	case transport.RespRequestEffect:
		g.handleEffectResponse(ctx, cmd)
	case transport.RespApplyPatch:
		g.handlePatchResponse(ctx, cmd)
	default:
		g.logger.WarnContext(ctx, "unhandled backend command", "type", cmd.Type, "command_id", cmd.CommandID)
	}
}

func (g *Gateway) taskID(cmd transport.Command) string {
	if cmd.TaskID != "" {
		return cmd.TaskID
	}
	return g.st.ActiveTaskID()
}

func (g *Gateway) handleEffectRequest(ctx context.Context, cmd transport.Command) {
	var p event.EffectRequestedPayload
	_ = json.Unmarshal(cmd.Payload, &p)
	if p.RequestID == "" {
		p.RequestID = cmd.CommandID
	}
	ctx = shared.WithRequestID(ctx, p.RequestID)
	taskID := g.taskID(cmd)
	if taskID == "" {
		g.logger.WarnContext(ctx, "effect request without a task")
		return
	}
	ctx = shared.WithTaskID(ctx, taskID)

	payload, _ := json.Marshal(p)
	g.st.Dispatch(event.TaskEvent{
		ID:      p.RequestID + ":requested",
		TaskID:  taskID,
		Type:    event.TypeEffectRequested,
		Payload: payload,
	})

	switch g.lp.Decide(p.EffectType, p.RiskLevel) {
	case policy.VerdictAllow:
		g.resolve(taskID, p.RequestID, p.EffectType, p.RiskLevel, true,
			audit.SourcePolicy, "auto-approved by policy", false)
		if g.metrics != nil {
			g.metrics.EffectsAutoDecided.Add(ctx, 1)
		}
	case policy.VerdictDeny:
		g.resolve(taskID, p.RequestID, p.EffectType, p.RiskLevel, false,
			audit.SourcePolicy, "denied by policy", false)
		if g.metrics != nil {
			g.metrics.EffectsAutoDecided.Add(ctx, 1)
		}
	default:
		g.logger.InfoContext(ctx, "effect awaiting user decision",
			"effect_type", p.EffectType, "risk", p.RiskLevel)
	}
}

func (g *Gateway) handlePatchProposal(ctx context.Context, cmd transport.Command) {
	var p event.PatchProposedPayload
	_ = json.Unmarshal(cmd.Payload, &p)
	if p.PatchID == "" {
		p.PatchID = cmd.CommandID
	}
	taskID := g.taskID(cmd)
	if taskID == "" {
		g.logger.WarnContext(ctx, "patch proposal without a task", "patch_id", p.PatchID)
		return
	}
	payload, _ := json.Marshal(p)
	g.st.Dispatch(event.TaskEvent{
		ID:      p.PatchID + ":proposed",
		TaskID:  taskID,
		Type:    event.TypePatchProposed,
		Payload: payload,
	})
}

// handleEffectResponse folds a late request_effect_response into the active
// task. The decision id matches the resolve path, so if the request was
// already decided locally the event dedups away.
func (g *Gateway) handleEffectResponse(ctx context.Context, cmd transport.Command) {
	var p struct {
		RequestID string `json:"requestId"`
		Approved  bool   `json:"approved"`
	}
	_ = json.Unmarshal(cmd.Payload, &p)
	if p.RequestID == "" {
		p.RequestID = cmd.CommandID
	}
	ctx = shared.WithRequestID(ctx, p.RequestID)
	taskID := g.taskID(cmd)
	if taskID == "" {
		g.logger.WarnContext(ctx, "effect response without a task")
		return
	}
	approved := p.Approved
	if cmd.Success != nil {
		approved = *cmd.Success
	}
	evType := event.TypeEffectDenied
	if approved {
		evType = event.TypeEffectApproved
	}
	payload, _ := json.Marshal(event.EffectDecisionPayload{RequestID: p.RequestID})
	g.st.Dispatch(event.TaskEvent{
		ID:      p.RequestID + ":decision",
		TaskID:  taskID,
		Type:    evType,
		Payload: payload,
	})
}

// handlePatchResponse folds a late apply_patch_response into the active task.
func (g *Gateway) handlePatchResponse(ctx context.Context, cmd transport.Command) {
	var p struct {
		PatchID string `json:"patchId"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(cmd.Payload, &p)
	if p.PatchID == "" {
		p.PatchID = cmd.CommandID
	}
	taskID := g.taskID(cmd)
	if taskID == "" {
		g.logger.WarnContext(ctx, "patch response without a task", "patch_id", p.PatchID)
		return
	}
	evType := event.TypePatchApplied
	decision := event.PatchDecisionPayload{PatchID: p.PatchID}
	if cmd.Success == nil || !*cmd.Success {
		evType = event.TypePatchRejected
		decision.Error = p.Error
	}
	b, _ := json.Marshal(decision)
	g.st.Dispatch(event.TaskEvent{
		ID:      p.PatchID + ":decision",
		TaskID:  taskID,
		Type:    evType,
		Payload: b,
	})
}

// resolve records the decision event, the audit entry, and the backend echo.
// The decision event id is derived from the request id, so a duplicate
// resolution dedups inside the store.
func (g *Gateway) resolve(taskID, requestID, effectType string, risk int, approved bool, source, reason string, remember bool) {
	evType := event.TypeEffectDenied
	backendCmd := transport.CmdDenyEffect
	if approved {
		evType = event.TypeEffectApproved
		backendCmd = transport.CmdApproveEffect
	}
	payload, _ := json.Marshal(event.EffectDecisionPayload{
		RequestID: requestID,
		Reason:    reason,
		Remember:  remember,
	})
	g.st.Dispatch(event.TaskEvent{
		ID:      requestID + ":decision",
		TaskID:  taskID,
		Type:    evType,
		Payload: payload,
	})

	audit.Record(audit.Decision{
		TaskID:        taskID,
		RequestID:     requestID,
		EffectType:    effectType,
		Risk:          risk,
		Approved:      approved,
		Source:        source,
		Reason:        reason,
		PolicyVersion: g.lp.PolicyVersion(),
	})

	echo, _ := json.Marshal(map[string]string{"requestId": requestID})
	if err := g.tr.Send(transport.Command{Type: backendCmd, TaskID: taskID, Payload: echo}); err != nil {
		g.logger.Error("failed to notify backend of decision",
			"request_id", requestID, "error", err)
	}
}

// pendingEffect looks up an undecided effect entry for the user decision
// paths.
func (g *Gateway) pendingEffect(taskID, requestID string) (effectType string, risk int, err error) {
	s := g.st.Session(taskID)
	if s == nil {
		return "", 0, ErrUnknownRequest
	}
	eff := s.Effect(requestID)
	if eff == nil {
		return "", 0, ErrUnknownRequest
	}
	if eff.Approved != nil {
		return "", 0, ErrAlreadyDecided
	}
	return eff.EffectType, eff.RiskLevel, nil
}

// Confirm records a user approval. With remember set, the answer also feeds
// the policy so further requests of this effect type auto-approve when the
// type is in "once" mode.
func (g *Gateway) Confirm(taskID, requestID string, remember bool) error {
	effectType, risk, err := g.pendingEffect(taskID, requestID)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", requestID, err)
	}
	if remember {
		g.lp.Remember(effectType, true)
	}
	g.resolve(taskID, requestID, effectType, risk, true,
		audit.SourceUser, "approved by user", remember)
	return nil
}

// Deny records a user denial.
func (g *Gateway) Deny(taskID, requestID string, remember bool) error {
	effectType, risk, err := g.pendingEffect(taskID, requestID)
	if err != nil {
		return fmt.Errorf("deny %s: %w", requestID, err)
	}
	if remember {
		g.lp.Remember(effectType, false)
	}
	g.resolve(taskID, requestID, effectType, risk, false,
		audit.SourceUser, "denied by user", remember)
	return nil
}

// ApplyPatch asks the backend to apply a proposed patch and folds the
// outcome into the store: success moves the patch to applied, anything else
// to rejected with the backend's error.
func (g *Gateway) ApplyPatch(ctx context.Context, taskID, patchID string) error {
	payload, _ := json.Marshal(map[string]string{"patchId": patchID})
	resp, err := g.tr.Call(ctx, transport.Command{
		Type:    transport.CmdApplyPatch,
		TaskID:  taskID,
		Payload: payload,
	})

	decision := event.PatchDecisionPayload{PatchID: patchID}
	evType := event.TypePatchApplied
	switch {
	case err != nil:
		evType = event.TypePatchRejected
		decision.Error = err.Error()
	case !resp.Success:
		evType = event.TypePatchRejected
		decision.Error = resp.Error
	}
	b, _ := json.Marshal(decision)
	g.st.Dispatch(event.TaskEvent{
		ID:      patchID + ":decision",
		TaskID:  taskID,
		Type:    evType,
		Payload: b,
	})

	if err != nil {
		return fmt.Errorf("apply patch %s: %w", patchID, err)
	}
	if !resp.Success {
		return fmt.Errorf("apply patch %s: %s", patchID, resp.Error)
	}
	return nil
}

// RejectPatch tells the backend the patch was declined and records the
// rejection.
func (g *Gateway) RejectPatch(taskID, patchID string) error {
	payload, _ := json.Marshal(map[string]string{"patchId": patchID})
	if err := g.tr.Send(transport.Command{
		Type:    transport.CmdRejectPatch,
		TaskID:  taskID,
		Payload: payload,
	}); err != nil {
		g.logger.Error("failed to notify backend of rejection",
			"patch_id", patchID, "error", err)
	}
	b, _ := json.Marshal(event.PatchDecisionPayload{PatchID: patchID})
	g.st.Dispatch(event.TaskEvent{
		ID:      patchID + ":decision",
		TaskID:  taskID,
		Type:    event.TypePatchRejected,
		Payload: b,
	})
	return nil
}
