package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Checkpointer forces a periodic snapshot write independent of the debounce,
// bounding how much an idle-but-dirty store can lose to a hard crash. Each
// run also vacuums journal rows for tasks the store no longer tracks.
type Checkpointer struct {
	c      *cron.Cron
	logger *slog.Logger
}

// NewCheckpointer schedules saver.Flush on the given cron spec, e.g.
// "@every 5m". The schedule does not run until Start.
func NewCheckpointer(spec string, saver *Saver, logger *slog.Logger) (*Checkpointer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		if err := saver.Flush(ctx); err != nil {
			logger.Error("checkpoint flush failed", "error", err)
			return
		}
		pruned, err := saver.db.PruneEvents(ctx, saver.st.TaskIDs())
		if err != nil {
			logger.Error("journal prune failed", "error", err)
			return
		}
		logger.Debug("checkpoint written", "journal_rows_pruned", pruned)
	})
	if err != nil {
		return nil, fmt.Errorf("bad checkpoint schedule %q: %w", spec, err)
	}
	return &Checkpointer{c: c, logger: logger}, nil
}

// Start begins the schedule in its own goroutine.
func (cp *Checkpointer) Start() {
	cp.c.Start()
}

// Stop halts the schedule and waits for a running flush to finish.
func (cp *Checkpointer) Stop() {
	ctx := cp.c.Stop()
	<-ctx.Done()
}
