package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	deskotel "github.com/coworkany/deskcore/internal/otel"
	"github.com/coworkany/deskcore/internal/store"
)

// DefaultDebounce is the trailing-edge delay between the last accepted event
// and the snapshot write. Bursts of streaming deltas collapse into one write.
const DefaultDebounce = 500 * time.Millisecond

// Saver bridges the dispatch core to the database. Every accepted event is
// journaled immediately; the full-state snapshot is debounced so a streaming
// burst costs one write instead of hundreds.
type Saver struct {
	st      *store.Store
	db      *DB
	delay   time.Duration
	logger  *slog.Logger
	metrics *deskotel.Metrics

	// newTimer is swappable so tests can fire the debounce deterministically
	// instead of waiting on the wall clock.
	newTimer func(time.Duration, func()) *time.Timer

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	unsub  func()
}

// NewSaver creates a Saver. A zero delay falls back to DefaultDebounce; a
// nil logger discards.
func NewSaver(st *store.Store, db *DB, delay time.Duration, logger *slog.Logger, metrics *deskotel.Metrics) *Saver {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Saver{st: st, db: db, delay: delay, logger: logger, metrics: metrics, newTimer: time.AfterFunc}
}

// Start subscribes to the dispatch core. Must be called once.
func (s *Saver) Start() {
	s.unsub = s.st.Subscribe(func(ch store.Change) {
		if err := s.db.AppendEvent(context.Background(), ch.Event); err != nil {
			s.logger.Error("journal append failed", "event_id", ch.Event.ID, "error", err)
		}
		s.schedule()
	})
}

func (s *Saver) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = s.newTimer(s.delay, func() {
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("snapshot write failed", "error", err)
			}
		})
		return
	}
	s.timer.Reset(s.delay)
}

// Flush writes the current snapshot immediately, bypassing the debounce.
func (s *Saver) Flush(ctx context.Context) error {
	start := time.Now()
	err := s.db.SaveSnapshot(ctx, s.st.Snapshot())
	if s.metrics != nil {
		s.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			s.metrics.PersistFailures.Add(ctx, 1)
		}
	}
	return err
}

// CancelPending drops a scheduled snapshot write without flushing. Callers
// that reset the store use this so the pre-reset state is never written.
func (s *Saver) CancelPending() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
}

// Reset clears the store and persists the cleared state. The pending write
// is dropped first so the pre-reset snapshot can never land after the wipe;
// the journal is emptied along with it.
func (s *Saver) Reset(ctx context.Context) error {
	s.CancelPending()
	s.st.Reset()
	if _, err := s.db.PruneEvents(ctx, nil); err != nil {
		s.logger.Error("journal wipe failed", "error", err)
	}
	return s.Flush(ctx)
}

// Close unsubscribes, cancels any pending write, and flushes one final
// snapshot so shutdown never loses the tail of the debounce window.
func (s *Saver) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	if s.unsub != nil {
		s.unsub()
	}
	return s.Flush(context.Background())
}
