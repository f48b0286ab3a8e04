package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/coworkany/deskcore/internal/event"
)

// maxLineBytes bounds a single protocol line. Streaming deltas are small;
// anything larger is a protocol violation.
const maxLineBytes = 4 << 20

// ErrClosed is returned by Call and Send after the transport shuts down.
var ErrClosed = errors.New("transport closed")

// Stdio speaks the JSON-line protocol over a reader/writer pair, normally a
// subprocess's stdout/stdin.
type Stdio struct {
	r      io.ReadCloser
	w      io.WriteCloser
	logger *slog.Logger

	wmu sync.Mutex // serializes line writes

	events   chan event.TaskEvent
	commands chan Command
	pending  *pendingCalls

	closeOnce sync.Once
	done      chan struct{}
	wait      func() error // subprocess reaper, nil for raw pipes
}

// NewStdio wraps an existing reader/writer pair and starts the read loop.
// Used directly in tests and by Spawn.
func NewStdio(r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Stdio{
		r:        r,
		w:        w,
		logger:   logger,
		events:   make(chan event.TaskEvent, 64),
		commands: make(chan Command, 16),
		pending:  newPendingCalls(),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Spawn starts the backend subprocess and connects to its pipes. The
// process's stderr is inherited so backend logs reach the shell's stderr
// without touching the protocol stream.
func Spawn(ctx context.Context, logger *slog.Logger, name string, args ...string) (*Stdio, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend %q: %w", name, err)
	}
	t := NewStdio(stdout, stdin, logger)
	t.wait = cmd.Wait
	return t, nil
}

func (t *Stdio) Events() <-chan event.TaskEvent { return t.events }
func (t *Stdio) Commands() <-chan Command       { return t.commands }

func (t *Stdio) readLoop() {
	defer close(t.events)
	defer close(t.commands)
	defer t.pending.failAll("connection closed")

	sc := bufio.NewScanner(t.r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.logger.Warn("dropping unparseable line", "error", err)
			continue
		}
		t.route(env)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.logger.Warn("read loop ended", "error", err)
	}
}

func (t *Stdio) route(env Envelope) {
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
			// Nobody is waiting but the outcome still matters to
			// session state; hand it to the gateway.
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

func (t *Stdio) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if _, err := t.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Send writes a command without waiting for a response.
func (t *Stdio) Send(cmd Command) error {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	return t.writeLine(cmd)
}

// Call sends a command and blocks until the correlated response arrives, the
// context ends, or the transport closes.
func (t *Stdio) Call(ctx context.Context, cmd Command) (Response, error) {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	ch := t.pending.register(cmd.CommandID)
	if err := t.writeLine(cmd); err != nil {
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

// Close tears down both pipes and reaps the subprocess if one was spawned.
func (t *Stdio) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = errors.Join(t.w.Close(), t.r.Close())
		if t.wait != nil {
			_ = t.wait()
		}
	})
	return err
}
