package persistence

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/coworkany/deskcore/internal/session"
	"github.com/coworkany/deskcore/internal/store"
)

//go:embed snapshot_schema.json
var snapshotSchemaJSON []byte

const snapshotKey = "state"

// RepairSummary is written into sessions that were running when the process
// died; on the next start the user sees why the task stopped.
const RepairSummary = "Task interrupted by app restart"

// ErrCorruptSnapshot marks a stored snapshot that failed schema validation
// or did not parse. Callers should cold-start and keep the journal.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func snapshotSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(snapshotSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse snapshot schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("snapshot.json", doc); err != nil {
			schemaErr = fmt.Errorf("add snapshot schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("snapshot.json")
	})
	return schema, schemaErr
}

// SaveSnapshot serializes snap and upserts it as the single state row.
func (d *DB) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO snapshots (key, payload, saved_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, saved_at = CURRENT_TIMESTAMP;
		`, snapshotKey, string(payload))
		return err
	})
}

// LoadSnapshot reads and validates the stored snapshot. The second return
// value is false when no snapshot exists yet. A snapshot that fails schema
// validation returns ErrCorruptSnapshot; the caller decides whether to
// cold-start or abort.
func (d *DB) LoadSnapshot(ctx context.Context) (store.Snapshot, bool, error) {
	var payload string
	err := d.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE key = ?;`, snapshotKey,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	sch, err := snapshotSchema()
	if err != nil {
		return store.Snapshot{}, false, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(payload)))
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := sch.Validate(inst); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	var snap store.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return snap, true, nil
}

// Repair fixes up a hydrated snapshot in place. Sessions that were running
// when the snapshot was written are moved to failed with RepairSummary, and
// any half-streamed draft is dropped. Returns the ids of repaired tasks.
func Repair(snap *store.Snapshot, now time.Time) []string {
	var repaired []string
	for id, s := range snap.Sessions {
		if s == nil {
			delete(snap.Sessions, id)
			continue
		}
		if s.Status != session.StatusRunning {
			continue
		}
		s.Status = session.StatusFailed
		s.Summary = RepairSummary
		s.AssistantDraft = ""
		s.UpdatedAt = now
		repaired = append(repaired, id)
	}
	return repaired
}
