package eventlog

import (
	"context"
	"database/sql"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// Head returns the event currently applied for key.
func (s *Store) Head(ctx context.Context, key models.RecordKey) (*models.RecordHead, bool, error) {
	var h models.RecordHead
	var op string
	var lamport int64
	err := s.q.QueryRowContext(ctx, `
		SELECT table_name, record_id, event_id, source_node_id, operation, vector_clock, lamport_clock, priority, updated_at
		FROM sync_record_heads WHERE table_name = ? AND record_id = ?`,
		key.Table, key.RecordID,
	).Scan(&h.Table, &h.RecordID, &h.EventID, &h.SourceNodeID, &op, &h.VectorClock, &lamport, &h.Priority, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read record head", err)
	}
	h.Operation = models.Operation(op)
	h.LamportClock = uint64(lamport)
	return &h, true, nil
}

// SetHead makes h the applied state of its record.
func (s *Store) SetHead(ctx context.Context, h *models.RecordHead) error {
	if h.UpdatedAt == 0 {
		h.UpdatedAt = s.now().Unix()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_record_heads (table_name, record_id, event_id, source_node_id, operation, vector_clock, lamport_clock, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			event_id = excluded.event_id,
			source_node_id = excluded.source_node_id,
			operation = excluded.operation,
			vector_clock = excluded.vector_clock,
			lamport_clock = excluded.lamport_clock,
			priority = excluded.priority,
			updated_at = excluded.updated_at`,
		h.Table, h.RecordID, h.EventID, h.SourceNodeID, string(h.Operation), h.VectorClock,
		int64(h.LamportClock), h.Priority, h.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to set record head", err)
	}
	return nil
}
