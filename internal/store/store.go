// Package store implements the dispatch core: the single serialized entry
// point through which every task event flows. It owns the session map,
// enforces event id dedup, runs the reducer pipeline, accumulates token
// usage, and fans out change notifications to subscribers.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coworkany/deskcore/internal/event"
	deskotel "github.com/coworkany/deskcore/internal/otel"
	"github.com/coworkany/deskcore/internal/pricing"
	"github.com/coworkany/deskcore/internal/reduce"
	"github.com/coworkany/deskcore/internal/session"
)

// Change describes one accepted event and the resulting session state.
// Session is a deep clone; subscribers may retain it freely.
type Change struct {
	TaskID  string
	Event   event.TaskEvent
	Session *session.Session
}

// Options configures a Store. Zero values are usable: a nil Logger discards,
// a nil Now uses time.Now, a nil Metrics records nothing.
type Options struct {
	Pricing pricing.Table
	Logger  *slog.Logger
	Metrics *deskotel.Metrics
	Now     func() time.Time
}

// Store is the dispatch core. All mutation happens under mu; reads hand out
// clones so callers can never alias internal state.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	active   string
	lastSeq  map[string]int64

	pricing pricing.Table
	logger  *slog.Logger
	metrics *deskotel.Metrics
	now     func() time.Time

	// queue holds accepted changes awaiting subscriber delivery. It is
	// appended to while mu is still held, so queue order is dispatch
	// order; a single drainer delivers without holding any store lock,
	// which lets a callback dispatch again without deadlocking.
	queueMu   sync.Mutex
	queue     []Change
	notifying bool

	subMu       sync.Mutex
	subscribers map[int]func(Change)
	nextSubID   int
}

// New creates an empty Store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions:    make(map[string]*session.Session),
		lastSeq:     make(map[string]int64),
		pricing:     opts.Pricing,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
		subscribers: make(map[int]func(Change)),
	}
}

// Dispatch applies one event. It returns true when the event was accepted
// and false when it was discarded as a duplicate. Events for unknown tasks
// create the session lazily; events with an empty id get one synthesized so
// replay of the log stays deterministic afterwards.
func (st *Store) Dispatch(ev event.TaskEvent) bool {
	if ev.TaskID == "" {
		st.logger.Warn("dropping event without task id", "type", ev.Type)
		return false
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = st.now()
	}

	st.mu.Lock()
	s, ok := st.sessions[ev.TaskID]
	if !ok {
		s = session.New(ev.TaskID, st.now())
		st.sessions[ev.TaskID] = s
	}
	if s.Seen(ev.ID) {
		st.mu.Unlock()
		st.logger.Debug("duplicate event discarded", "event_id", ev.ID, "task_id", ev.TaskID)
		if st.metrics != nil {
			st.metrics.EventsDeduped.Add(context.Background(), 1)
		}
		return false
	}

	st.trackSequence(ev)
	if !event.Known(ev.Type) {
		st.logger.Warn("unknown event type", "type", ev.Type, "event_id", ev.ID)
		if st.metrics != nil {
			st.metrics.EventsUnknownType.Add(context.Background(), 1)
		}
	}

	s.Record(ev)
	reduce.Apply(s, ev)
	st.accountTokens(s, ev)
	s.UpdatedAt = ev.Timestamp

	clone := s.Clone()
	st.queueMu.Lock()
	st.queue = append(st.queue, Change{TaskID: ev.TaskID, Event: ev, Session: clone})
	st.queueMu.Unlock()
	st.mu.Unlock()

	if st.metrics != nil {
		st.metrics.EventsDispatched.Add(context.Background(), 1)
	}
	st.drain()
	return true
}

// trackSequence flags gaps in producer sequence numbers. Sequence is
// diagnostic only; events are applied in arrival order regardless.
func (st *Store) trackSequence(ev event.TaskEvent) {
	if ev.Sequence <= 0 {
		return
	}
	last, ok := st.lastSeq[ev.TaskID]
	if ok && ev.Sequence != last+1 {
		st.logger.Warn("sequence gap",
			"task_id", ev.TaskID, "expected", last+1, "got", ev.Sequence)
		if st.metrics != nil {
			st.metrics.SequenceGaps.Add(context.Background(), 1)
		}
	}
	if ev.Sequence > last {
		st.lastSeq[ev.TaskID] = ev.Sequence
	}
}

// accountTokens folds TOKEN_USAGE events into the session total. Counts are
// additive across events; cost uses the pricing table and stays at zero for
// models the table does not know.
func (st *Store) accountTokens(s *session.Session, ev event.TaskEvent) {
	if ev.Type != event.TypeTokenUsage {
		return
	}
	p, _ := ev.Decode().(event.TokenUsagePayload)
	s.TokenUsage.InputTokens += p.InputTokens
	s.TokenUsage.OutputTokens += p.OutputTokens
	s.TokenUsage.EstimatedCost += st.pricing.EstimateCost(p.ModelID, p.InputTokens, p.OutputTokens)
	if st.metrics != nil {
		st.metrics.TokensUsed.Add(context.Background(), int64(p.InputTokens+p.OutputTokens))
	}
}

// Session returns a deep clone of the session for taskID, or nil.
func (st *Store) Session(taskID string) *session.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[taskID]
	if !ok {
		return nil
	}
	return s.Clone()
}

// TaskIDs returns the ids of all known sessions.
func (st *Store) TaskIDs() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ActiveTaskID returns the task currently shown in the shell, if any.
func (st *Store) ActiveTaskID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

// SetActiveTaskID records which task the shell is focused on.
func (st *Store) SetActiveTaskID(taskID string) {
	st.mu.Lock()
	st.active = taskID
	st.mu.Unlock()
}

// Snapshot is a point-in-time deep copy of the whole store, suitable for
// serialization.
type Snapshot struct {
	Sessions     map[string]*session.Session `json:"sessions"`
	ActiveTaskID string                      `json:"activeTaskId"`
}

// Snapshot returns a deep copy of every session plus the active task id.
func (st *Store) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := Snapshot{
		Sessions:     make(map[string]*session.Session, len(st.sessions)),
		ActiveTaskID: st.active,
	}
	for id, s := range st.sessions {
		out.Sessions[id] = s.Clone()
	}
	return out
}

// Load replaces the store contents with a hydrated snapshot. Sessions are
// reindexed so dedup keeps working against the restored logs. Existing state
// is discarded; Load is meant for startup, before any Dispatch.
func (st *Store) Load(snap Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = make(map[string]*session.Session, len(snap.Sessions))
	st.lastSeq = make(map[string]int64)
	for id, s := range snap.Sessions {
		if s == nil || id == "" {
			continue
		}
		c := s.Clone()
		c.Reindex()
		st.sessions[id] = c
		for _, ev := range c.Events {
			if ev.Sequence > st.lastSeq[id] {
				st.lastSeq[id] = ev.Sequence
			}
		}
	}
	st.active = snap.ActiveTaskID
	if st.active != "" {
		if _, ok := st.sessions[st.active]; !ok {
			st.active = ""
		}
	}
	if st.active == "" {
		// Fall back to the most recently updated session so the shell
		// reopens on something sensible.
		var latest time.Time
		for id, s := range st.sessions {
			if s.UpdatedAt.After(latest) {
				latest = s.UpdatedAt
				st.active = id
			}
		}
	}
}

// Reset drops all sessions and the active task id.
func (st *Store) Reset() {
	st.mu.Lock()
	st.sessions = make(map[string]*session.Session)
	st.lastSeq = make(map[string]int64)
	st.active = ""
	st.mu.Unlock()
}

// Subscribe registers fn to run after every accepted event. The returned
// function unregisters it. Callbacks run outside the store lock, serialized
// with each other, and always in dispatch order. A callback may call
// Dispatch; the nested change is queued and delivered after the current one.
func (st *Store) Subscribe(fn func(Change)) func() {
	st.subMu.Lock()
	id := st.nextSubID
	st.nextSubID++
	st.subscribers[id] = fn
	st.subMu.Unlock()
	return func() {
		st.subMu.Lock()
		delete(st.subscribers, id)
		st.subMu.Unlock()
	}
}

// drain delivers queued changes until the queue is empty. Only one goroutine
// drains at a time; everyone else (including a subscriber callback that
// dispatched) just enqueues and leaves delivery to the active drainer.
func (st *Store) drain() {
	st.queueMu.Lock()
	if st.notifying {
		st.queueMu.Unlock()
		return
	}
	st.notifying = true
	for len(st.queue) > 0 {
		ch := st.queue[0]
		st.queue = st.queue[1:]
		st.queueMu.Unlock()

		st.subMu.Lock()
		fns := make([]func(Change), 0, len(st.subscribers))
		for _, fn := range st.subscribers {
			fns = append(fns, fn)
		}
		st.subMu.Unlock()
		for _, fn := range fns {
			fn(ch)
		}

		st.queueMu.Lock()
	}
	st.notifying = false
	st.queueMu.Unlock()
}
