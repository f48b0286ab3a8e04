package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coworkany/deskcore/internal/event"
)

// AppendEvent writes one accepted event to the journal. Duplicate ids for
// the same task are ignored so a replayed dispatch cannot double-write.
func (d *DB) AppendEvent(ctx context.Context, ev event.TaskEvent) error {
	payload := "{}"
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	var ts any
	if !ev.Timestamp.IsZero() {
		ts = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_events (id, task_id, sequence, type, payload_json, event_time)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.ID, ev.TaskID, ev.Sequence, string(ev.Type), payload, ts)
		return err
	})
}

// Events returns the journaled events for taskID in append order.
func (d *DB) Events(ctx context.Context, taskID string) ([]event.TaskEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, task_id, sequence, type, payload_json, event_time
		FROM task_events WHERE task_id = ? ORDER BY event_id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []event.TaskEvent
	for rows.Next() {
		var ev event.TaskEvent
		var typ, payload string
		var ts *string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Sequence, &typ, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		ev.Type = event.Type(typ)
		if payload != "" && payload != "{}" {
			ev.Payload = json.RawMessage(payload)
		}
		if ts != nil && *ts != "" {
			if t, err := time.Parse(time.RFC3339Nano, *ts); err == nil {
				ev.Timestamp = t
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents deletes journal rows for tasks not in keep, reclaiming space
// for sessions that no longer exist in the store. Returns the rows removed.
func (d *DB) PruneEvents(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := d.db.ExecContext(ctx, `DELETE FROM task_events;`)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM task_events WHERE task_id NOT IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EventCount returns the number of journaled events across all tasks.
func (d *DB) EventCount(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_events;`).Scan(&n)
	return n, err
}
