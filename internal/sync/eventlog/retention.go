package eventlog

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// ProcessedBefore returns up to limit processed events whose processing
// finished before cutoff.
func (s *Store) ProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.ChangeEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM sync_events
		WHERE processed = 1 AND processed_at < ?
		ORDER BY processed_at, event_id
		LIMIT ?`, cutoff.Unix(), limit)
}

// Delete removes events by id along with their delivery rows.
func (s *Store) Delete(ctx context.Context, eventIDs []string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}

	if _, err := s.q.ExecContext(ctx, "DELETE FROM sync_event_deliveries WHERE event_id IN ("+placeholders+")", args...); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete deliveries", err)
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM sync_events WHERE event_id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete events", err)
	}
	return res.RowsAffected()
}

// DeleteUnprocessed clears every unprocessed event, dead letters included.
// Used by an operator reset.
func (s *Store) DeleteUnprocessed(ctx context.Context) (int64, error) {
	if _, err := s.q.ExecContext(ctx, `
		DELETE FROM sync_event_deliveries
		WHERE event_id IN (SELECT event_id FROM sync_events WHERE processed = 0)`); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete pending deliveries", err)
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM sync_events WHERE processed = 0")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete unprocessed events", err)
	}
	return res.RowsAffected()
}
