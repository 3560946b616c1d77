package clock

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/nodesync/internal/db"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/eventlog"
)

// SeedBaseline is called by the initial full load once a snapshot has been
// imported. It merges the snapshot's clock into local knowledge and marks,
// per source, every event up to the snapshot's counter as already reflected.
func (m *Manager) SeedBaseline(ctx context.Context, d *db.DB, vc models.VectorClock, lamport uint64) error {
	return d.InTx(ctx, func(tx *sql.Tx) error {
		if err := m.Observe(ctx, tx, vc, lamport); err != nil {
			return err
		}
		log := eventlog.New(tx)
		for source, seq := range vc {
			if source == m.nodeID {
				continue
			}
			if err := log.SeedProgress(ctx, source, seq); err != nil {
				return err
			}
		}
		return nil
	})
}
