package eventlog

import (
	"context"
	"database/sql"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// MaxBackoff caps the delay between delivery attempts to one peer.
const MaxBackoff = time.Hour

// Backoff returns the exponential retry delay after attempt failures:
// base * 2^(attempt-1), capped at MaxBackoff.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	if attempt > 30 {
		return MaxBackoff
	}
	backoff := base * time.Duration(int64(1)<<uint(attempt-1))
	if backoff > MaxBackoff || backoff <= 0 {
		backoff = MaxBackoff
	}
	return backoff
}

// Outbox returns local events not yet delivered to peerID whose retry delay
// for that peer has elapsed, oldest first.
func (s *Store) Outbox(ctx context.Context, peerID string, limit int) ([]*models.ChangeEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM sync_events e
		WHERE e.origin = 'local' AND e.processed = 0 AND e.dead_lettered = 0
			AND NOT EXISTS (
				SELECT 1 FROM sync_event_deliveries d
				WHERE d.event_id = e.event_id AND d.peer_node_id = ?
					AND (d.status IN ('delivered', 'rejected') OR d.next_attempt_at > ?)
			)
		ORDER BY e.source_seq
		LIMIT ?`,
		peerID, s.now().Unix(), limit,
	)
}

// Delivery returns the delivery state of eventID to peerID.
func (s *Store) Delivery(ctx context.Context, eventID, peerID string) (*models.EventDelivery, bool, error) {
	var d models.EventDelivery
	var status string
	var lastError sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT event_id, peer_node_id, status, attempts, last_error, next_attempt_at, updated_at
		FROM sync_event_deliveries WHERE event_id = ? AND peer_node_id = ?`,
		eventID, peerID,
	).Scan(&d.EventID, &d.PeerNodeID, &status, &d.Attempts, &lastError, &d.NextAttemptAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read delivery", err)
	}
	d.Status = models.DeliveryStatus(status)
	d.LastError = lastError.String
	return &d, true, nil
}

// MarkDelivered records that peerID acknowledged eventID.
func (s *Store) MarkDelivered(ctx context.Context, eventID, peerID string) error {
	return s.setDelivery(ctx, eventID, peerID, models.DeliveryDelivered, "", 0)
}

// MarkRejected records that peerID parked eventID for good. The event is not
// offered to that peer again.
func (s *Store) MarkRejected(ctx context.Context, eventID, peerID, reason string) error {
	return s.setDelivery(ctx, eventID, peerID, models.DeliveryRejected, reason, 0)
}

// MarkDeliveryFailed records a failed attempt and schedules the next one.
// It returns the delay until the retry.
func (s *Store) MarkDeliveryFailed(ctx context.Context, eventID, peerID, reason string, base time.Duration) (time.Duration, error) {
	var attempts int
	err := s.q.QueryRowContext(ctx,
		"SELECT attempts FROM sync_event_deliveries WHERE event_id = ? AND peer_node_id = ?",
		eventID, peerID,
	).Scan(&attempts)
	if err != nil && err != sql.ErrNoRows {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read delivery attempts", err)
	}

	delay := Backoff(attempts+1, base)
	next := s.now().Add(delay).Unix()
	if err := s.setDelivery(ctx, eventID, peerID, models.DeliveryFailed, reason, next); err != nil {
		return 0, err
	}
	return delay, nil
}

func (s *Store) setDelivery(ctx context.Context, eventID, peerID string, status models.DeliveryStatus, reason string, next int64) error {
	var lastError interface{}
	if reason != "" {
		lastError = reason
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_event_deliveries (event_id, peer_node_id, status, attempts, last_error, next_attempt_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(event_id, peer_node_id) DO UPDATE SET
			status = excluded.status,
			attempts = sync_event_deliveries.attempts + 1,
			last_error = excluded.last_error,
			next_attempt_at = excluded.next_attempt_at,
			updated_at = excluded.updated_at`,
		eventID, peerID, string(status), lastError, next, s.now().Unix(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record delivery", err)
	}
	return nil
}

// CompleteDelivered marks local events processed once every peer in peerIDs
// has acknowledged or rejected them. With no peers nothing is completed.
func (s *Store) CompleteDelivered(ctx context.Context, peerIDs []string) (int64, error) {
	if len(peerIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(peerIDs)), ",")
	args := []interface{}{s.now().Unix()}
	for _, id := range peerIDs {
		args = append(args, id)
	}
	args = append(args, len(peerIDs))

	res, err := s.q.ExecContext(ctx, `
		UPDATE sync_events
		SET processed = 1, processed_at = ?
		WHERE origin = 'local' AND processed = 0 AND dead_lettered = 0
			AND (
				SELECT COUNT(*) FROM sync_event_deliveries d
				WHERE d.event_id = sync_events.event_id
					AND d.status IN ('delivered', 'rejected')
					AND d.peer_node_id IN (`+placeholders+`)
			) = ?`,
		args...,
	)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to complete delivered events", err)
	}
	return res.RowsAffected()
}

// DeliveryStats returns delivery row counts by status.
func (s *Store) DeliveryStats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{
		"total":                           0,
		string(models.DeliveryPending):   0,
		string(models.DeliveryDelivered): 0,
		string(models.DeliveryFailed):    0,
		string(models.DeliveryRejected):  0,
	}

	rows, err := s.q.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_event_deliveries GROUP BY status")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read delivery stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
		stats["total"] += n
	}
	return stats, rows.Err()
}
