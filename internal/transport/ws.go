package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/coworkany/deskcore/internal/event"
)

// WS speaks the same envelope protocol over a websocket, for backends that
// run out of process behind a socket instead of a spawned pipe.
type WS struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events   chan event.TaskEvent
	commands chan Command
	pending  *pendingCalls

	closeOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

// DialWS connects to a backend websocket endpoint and starts the read loop.
func DialWS(ctx context.Context, url string, logger *slog.Logger) (*WS, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// Streaming sessions carry full event logs; the default 32KiB read limit
	// is too small.
	conn.SetReadLimit(maxLineBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	t := &WS{
		conn:     conn,
		logger:   logger,
		events:   make(chan event.TaskEvent, 64),
		commands: make(chan Command, 16),
		pending:  newPendingCalls(),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go t.readLoop(readCtx)
	return t, nil
}

func (t *WS) Events() <-chan event.TaskEvent { return t.events }
func (t *WS) Commands() <-chan Command       { return t.commands }

func (t *WS) readLoop(ctx context.Context) {
	defer close(t.events)
	defer close(t.commands)
	defer t.pending.failAll("connection closed")

	for {
		var env Envelope
		if err := wsjson.Read(ctx, t.conn, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return
			}
			t.logger.Warn("websocket read ended", "error", err)
			return
		}
		t.route(env)
	}
}

func (t *WS) route(env Envelope) {
	switch Classify(env.Type) {
	case KindResponse:
		resp := Response{
			CommandID: env.CommandID,
			Type:      env.Type,
			Error:     env.Error,
			Payload:   env.Payload,
		}
		if env.Success != nil {
			resp.Success = *env.Success
		}
		if t.pending.resolve(resp) {
			return
		}
		switch env.Type {
		case RespRequestEffect, RespApplyPatch:
			select {
			case t.commands <- Command{
				CommandID: env.CommandID,
				Type:      env.Type,
				TaskID:    env.TaskID,
				Success:   env.Success,
				Payload:   env.Payload,
			}:
			case <-t.done:
			}
		default:
			t.logger.Debug("unsolicited response", "type", env.Type, "command_id", env.CommandID)
		}
	case KindCommand:
		select {
		case t.commands <- Command{
			CommandID: env.CommandID,
			Type:      env.Type,
			TaskID:    env.TaskID,
			Payload:   env.Payload,
		}:
		case <-t.done:
		}
	default:
		select {
		case t.events <- env.Event():
		case <-t.done:
		}
	}
}

// Send writes a command without waiting for a response.
func (t *WS) Send(cmd Command) error {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return wsjson.Write(context.Background(), t.conn, cmd)
}

// Call sends a command and blocks until the correlated response arrives.
func (t *WS) Call(ctx context.Context, cmd Command) (Response, error) {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	ch := t.pending.register(cmd.CommandID)
	if err := wsjson.Write(ctx, t.conn, cmd); err != nil {
		t.pending.drop(cmd.CommandID)
		return Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.pending.drop(cmd.CommandID)
		return Response{}, ctx.Err()
	case <-t.done:
		t.pending.drop(cmd.CommandID)
		return Response{}, ErrClosed
	}
}

// Close shuts the connection down.
func (t *WS) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		err = t.conn.Close(websocket.StatusNormalClosure, "bye")
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}
