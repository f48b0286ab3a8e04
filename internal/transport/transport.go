// Package transport connects the event store to an agent backend. The wire
// protocol is newline-delimited JSON envelopes: the backend streams task
// events, issues commands that need a shell-side decision (effect requests,
// patch proposals), and answers commands from the shell with correlated
// *_response envelopes.
package transport

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/coworkany/deskcore/internal/event"
)

// Kind classifies an incoming envelope.
type Kind int

const (
	// KindEvent is a task event for the dispatch core.
	KindEvent Kind = iota
	// KindCommand is a backend request that needs a shell-side decision.
	KindCommand
	// KindResponse answers an earlier shell command by command id.
	KindResponse
)

// Command types the backend may send to the shell.
const (
	CmdRequestEffect = "request_effect"
	CmdProposePatch  = "propose_patch"
)

// Response types that carry task state even when no Call is waiting. A late
// or unsolicited one of these is forwarded on the Commands channel so the
// gateway can fold the outcome into the active task.
const (
	RespRequestEffect = "request_effect_response"
	RespApplyPatch    = "apply_patch_response"
)

// Command types the shell sends to the backend.
const (
	CmdStartTask     = "start_task"
	CmdCancelTask    = "cancel_task"
	CmdApproveEffect = "approve_effect"
	CmdDenyEffect    = "deny_effect"
	CmdApplyPatch    = "apply_patch"
	CmdRejectPatch   = "reject_patch"
	CmdClearHistory  = "clear_history"
)

var commandTypes = map[string]struct{}{
	CmdRequestEffect: {},
	CmdProposePatch:  {},
	CmdStartTask:     {},
	CmdCancelTask:    {},
	CmdApproveEffect: {},
	CmdDenyEffect:    {},
	CmdApplyPatch:    {},
	CmdRejectPatch:   {},
	CmdClearHistory:  {},
}

// Envelope is one wire frame. Events carry the event fields; commands and
// responses carry CommandID plus a payload.
type Envelope struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	ID        string          `json:"id,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Classify maps an envelope type to its kind: a *_response suffix marks a
// response, a known command type marks a command, everything else is treated
// as a task event (unknown event types are the store's problem, not the
// transport's).
func Classify(envelopeType string) Kind {
	if strings.HasSuffix(envelopeType, "_response") {
		return KindResponse
	}
	if _, ok := commandTypes[envelopeType]; ok {
		return KindCommand
	}
	return KindEvent
}

// Event converts an event envelope into the store's representation.
func (e Envelope) Event() event.TaskEvent {
	return event.TaskEvent{
		ID:        e.ID,
		TaskID:    e.TaskID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Type:      event.Type(e.Type),
		Payload:   e.Payload,
	}
}

// Command is a backend request surfaced to the shell, or a shell request
// sent to the backend.
type Command struct {
	CommandID string          `json:"commandId"`
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId,omitempty"`
	// Success is only set on unsolicited *_response envelopes forwarded
	// through the command channel.
	Success *bool           `json:"success,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Command, correlated by command id.
type Response struct {
	CommandID string          `json:"commandId"`
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Transport is a bidirectional connection to an agent backend. Events and
// Commands close when the connection dies; Call correlates its response by
// command id.
type Transport interface {
	Events() <-chan event.TaskEvent
	Commands() <-chan Command
	Call(ctx context.Context, cmd Command) (Response, error)
	Send(cmd Command) error
	Close() error
}
