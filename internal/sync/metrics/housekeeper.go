package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/conflict"
	"github.com/kimhsiao/nodesync/internal/sync/eventlog"
	"github.com/kimhsiao/nodesync/internal/sync/storage"
)

const (
	// DefaultRetention is how long processed events are kept.
	DefaultRetention = 30 * 24 * time.Hour

	cleanupBatchSize = 500
)

// Archiver keeps a full copy of events before they are deleted.
type Archiver interface {
	ArchiveEvents(ctx context.Context, events []*models.ChangeEvent) (*storage.Batch, error)
}

// CleanupResult reports one retention pass.
type CleanupResult struct {
	Deleted  int64
	Archived int
	Batches  int
}

// ResetResult reports what an operator reset removed.
type ResetResult struct {
	Events      int64
	Resolutions int64
	Metrics     int64
}

// Housekeeper runs retention and disaster-recovery resets.
type Housekeeper struct {
	db        *db.DB
	recorder  *Recorder
	archive   Archiver
	batchSize int
	now       func() time.Time
}

// NewHousekeeper creates a housekeeper. archive may be nil.
func NewHousekeeper(d *db.DB, recorder *Recorder, archive Archiver) *Housekeeper {
	return &Housekeeper{
		db:        d,
		recorder:  recorder,
		archive:   archive,
		batchSize: cleanupBatchSize,
		now:       time.Now,
	}
}

// Cleanup deletes processed events older than retention, discarded conflict
// losers included. With an archive configured each batch is archived first
// and nothing is deleted when archiving fails.
func (h *Housekeeper) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := h.now().Add(-retention)
	var result CleanupResult

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := eventlog.New(h.db).ProcessedBefore(ctx, cutoff, h.batchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		if h.archive != nil {
			if _, err := h.archive.ArchiveEvents(ctx, batch); err != nil {
				logging.Error("Archiving expired events failed; keeping them", err,
					map[string]interface{}{"events": len(batch)})
				return result, err
			}
			result.Archived += len(batch)
		}

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.EventID
		}
		var deleted int64
		err = h.db.InTx(ctx, func(tx *sql.Tx) error {
			var err error
			deleted, err = eventlog.New(tx).Delete(ctx, ids)
			return err
		})
		if err != nil {
			return result, err
		}
		result.Deleted += deleted
		result.Batches++

		if len(batch) < h.batchSize {
			break
		}
	}

	logging.Info("Event retention cleanup complete", map[string]interface{}{
		"deleted":  result.Deleted,
		"archived": result.Archived,
		"cutoff":   cutoff.UTC().Format(time.RFC3339),
	})
	return result, nil
}

// Reset clears every unprocessed event, every conflict resolution, this
// node's metrics and the per-source progress, ahead of a full resync.
func (h *Housekeeper) Reset(ctx context.Context) (ResetResult, error) {
	var result ResetResult
	err := h.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		if result.Events, err = eventlog.New(tx).DeleteUnprocessed(ctx); err != nil {
			return err
		}
		if result.Resolutions, err = conflict.NewJournal(tx).Reset(ctx); err != nil {
			return err
		}
		if result.Metrics, err = h.recorder.With(tx).Reset(ctx); err != nil {
			return err
		}
		return eventlog.New(tx).ResetProgress(ctx)
	})
	if err != nil {
		return ResetResult{}, err
	}

	logging.Warn("Sync state reset", map[string]interface{}{
		"events":      result.Events,
		"resolutions": result.Resolutions,
		"metrics":     result.Metrics,
	})
	return result, nil
}

// DeadLetters lists parked events, newest first.
func (h *Housekeeper) DeadLetters(ctx context.Context, limit int) ([]*models.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return eventlog.New(h.db).DeadLetters(ctx, limit)
}
