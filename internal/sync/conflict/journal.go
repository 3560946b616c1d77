package conflict

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// Journal is the append-only sync_conflict_resolutions table.
type Journal struct {
	q db.Querier
}

// NewJournal creates a journal over q.
func NewJournal(q db.Querier) *Journal {
	return &Journal{q: q}
}

// Append writes one resolution.
func (j *Journal) Append(ctx context.Context, r *models.ConflictResolution) error {
	losers, err := json.Marshal(r.LosingEventIDs)
	if err != nil {
		return err
	}
	_, err = j.q.ExecContext(ctx, `
		INSERT INTO sync_conflict_resolutions
			(id, table_name, record_id, conflict_type, winning_event_id, losing_event_ids, resolution_strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Table, r.RecordID, r.ConflictType, r.WinningEventID, string(losers), r.ResolutionStrategy, r.CreatedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record conflict resolution", err)
	}
	return nil
}

// List returns resolutions, newest first. An empty key lists every record.
func (j *Journal) List(ctx context.Context, key models.RecordKey, limit int) ([]*models.ConflictResolution, error) {
	query := `SELECT id, table_name, record_id, conflict_type, winning_event_id, losing_event_ids, resolution_strategy, created_at
		FROM sync_conflict_resolutions`
	var args []interface{}
	if key.Table != "" {
		query += ` WHERE table_name = ? AND record_id = ?`
		args = append(args, key.Table, key.RecordID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := j.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict resolutions", err)
	}
	defer rows.Close()

	var out []*models.ConflictResolution
	for rows.Next() {
		var r models.ConflictResolution
		var losers string
		if err := rows.Scan(&r.ID, &r.Table, &r.RecordID, &r.ConflictType, &r.WinningEventID, &losers, &r.ResolutionStrategy, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(losers), &r.LosingEventIDs); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "invalid losing_event_ids", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Count returns the number of resolutions.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflict_resolutions`).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return n, nil
}

// Reset deletes every resolution.
func (j *Journal) Reset(ctx context.Context) (int64, error) {
	res, err := j.q.ExecContext(ctx, `DELETE FROM sync_conflict_resolutions`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset conflict resolutions", err)
	}
	return res.RowsAffected()
}
