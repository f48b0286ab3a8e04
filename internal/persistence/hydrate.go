package persistence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coworkany/deskcore/internal/store"
)

// Hydrate restores the dispatch core from the stored snapshot. A missing
// snapshot is a normal cold start; a corrupt one is logged and treated the
// same way rather than blocking startup. Running sessions are repaired to
// failed before loading.
func Hydrate(ctx context.Context, d *DB, st *store.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	snap, ok, err := d.LoadSnapshot(ctx)
	if errors.Is(err, ErrCorruptSnapshot) {
		logger.Warn("stored snapshot is corrupt, starting cold", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("no snapshot found, starting cold")
		return nil
	}

	repaired := Repair(&snap, time.Now())
	st.Load(snap)
	logger.Info("state hydrated",
		"sessions", len(snap.Sessions),
		"repaired", len(repaired),
		"active_task", snap.ActiveTaskID)
	for _, id := range repaired {
		logger.Warn("session repaired after unclean shutdown", "task_id", id)
	}
	return nil
}
