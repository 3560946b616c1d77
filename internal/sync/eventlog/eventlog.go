// Package eventlog is the durable change event log: the outbox of locally
// captured events, the inbox of received ones, per-peer delivery state,
// record heads and per-source progress.
//
// A Store is a thin view over a db.Querier. Build one per transaction with
// New(tx) or over the whole database with New(db).
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// Store reads and writes the sync_* event tables.
type Store struct {
	q   db.Querier
	now func() time.Time
}

// New creates a Store over q.
func New(q db.Querier) *Store {
	return &Store{q: q, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{q: s.q, now: now}
}

// Stats summarizes the event log.
type Stats struct {
	PendingLocal  int `json:"pendingLocal"`
	PendingRemote int `json:"pendingRemote"`
	Failed        int `json:"failed"`
	DeadLettered  int `json:"deadLettered"`
	Processed     int `json:"processed"`
}

const eventColumns = `event_id, source_node_id, source_seq, table_name, record_id, operation,
	change_data, before_data, vector_clock, lamport_clock, checksum, priority, metadata, origin,
	outcome, processed, processed_at, retry_count, processing_error, dead_lettered, created_at, received_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*models.ChangeEvent, error) {
	var e models.ChangeEvent
	var op, origin, outcome, changeData string
	var beforeData, processingError sql.NullString
	var processedAt sql.NullInt64
	var seq, lamport int64

	err := row.Scan(
		&e.EventID, &e.SourceNodeID, &seq, &e.Table, &e.RecordID, &op,
		&changeData, &beforeData, &e.VectorClock, &lamport, &e.Checksum, &e.Priority, &e.Metadata, &origin,
		&outcome, &e.Processed, &processedAt, &e.RetryCount, &processingError, &e.DeadLettered, &e.CreatedAt, &e.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}

	e.SourceSeq = uint64(seq)
	e.LamportClock = uint64(lamport)
	e.Operation = models.Operation(op)
	e.Origin = models.Origin(origin)
	e.Outcome = models.Outcome(outcome)
	e.ChangeData = []byte(changeData)
	if beforeData.Valid {
		e.BeforeData = []byte(beforeData.String)
	}
	if processedAt.Valid {
		e.ProcessedAt = processedAt.Int64
	}
	if processingError.Valid {
		e.ProcessingError = processingError.String
	}
	return &e, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.ChangeEvent, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query events", err)
	}
	defer rows.Close()

	var events []*models.ChangeEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullable(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// =====================================================
// Event Operations
// =====================================================

// Append inserts a new event. A known eventId yields a DUPLICATE error.
func (s *Store) Append(ctx context.Context, e *models.ChangeEvent) error {
	if e.ReceivedAt == 0 {
		e.ReceivedAt = s.now().Unix()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = e.ReceivedAt
	}
	if e.Metadata == nil {
		e.Metadata = models.Metadata{}
	}

	var processedAt interface{}
	if e.Processed {
		processedAt = e.ProcessedAt
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.SourceNodeID, int64(e.SourceSeq), e.Table, e.RecordID, string(e.Operation),
		string(e.ChangeData), nullable(e.BeforeData), e.VectorClock, int64(e.LamportClock), e.Checksum, e.Priority, e.Metadata, string(e.Origin),
		string(e.Outcome), e.Processed, processedAt, e.RetryCount, nil, e.DeadLettered, e.CreatedAt, e.ReceivedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.Wrap(apperrors.ErrDuplicate, fmt.Sprintf("event %s already exists", e.EventID), err)
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to append event", err)
	}
	return nil
}

// Get returns the event with eventID.
func (s *Store) Get(ctx context.Context, eventID string) (*models.ChangeEvent, bool, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM sync_events WHERE event_id = ?", eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to get event", err)
	}
	return e, true, nil
}

// ReplacePayload overwrites the payload of an unprocessed event with a resent
// copy. The eventId and processing bookkeeping are kept.
func (s *Store) ReplacePayload(ctx context.Context, e *models.ChangeEvent) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sync_events
		SET change_data = ?, before_data = ?, checksum = ?, vector_clock = ?, lamport_clock = ?,
			priority = ?, metadata = ?, source_seq = ?
		WHERE event_id = ? AND processed = 0 AND dead_lettered = 0`,
		string(e.ChangeData), nullable(e.BeforeData), e.Checksum, e.VectorClock, int64(e.LamportClock),
		e.Priority, e.Metadata, int64(e.SourceSeq), e.EventID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to replace event payload", err)
	}
	return nil
}

// MarkProcessed flips processed from 0 to 1. It reports false when another
// caller already processed the event, which makes it a compare-and-set.
func (s *Store) MarkProcessed(ctx context.Context, eventID string, outcome models.Outcome) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE sync_events
		SET processed = 1, processed_at = ?, outcome = ?, processing_error = NULL
		WHERE event_id = ? AND processed = 0 AND dead_lettered = 0`,
		s.now().Unix(), string(outcome), eventID,
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark event processed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FailureResult is the retry bookkeeping after a failed attempt.
type FailureResult struct {
	RetryCount   int
	DeadLettered bool
}

// MarkFailed increments retryCount, stores the error and dead-letters the
// event once retryCount reaches maxRetries.
func (s *Store) MarkFailed(ctx context.Context, eventID, reason string, maxRetries int) (FailureResult, error) {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sync_events
		SET retry_count = retry_count + 1,
			processing_error = ?,
			dead_lettered = CASE WHEN retry_count + 1 >= ? THEN 1 ELSE 0 END
		WHERE event_id = ? AND processed = 0 AND dead_lettered = 0`,
		reason, maxRetries, eventID,
	)
	if err != nil {
		return FailureResult{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark event failed", err)
	}

	var result FailureResult
	err = s.q.QueryRowContext(ctx,
		"SELECT retry_count, dead_lettered FROM sync_events WHERE event_id = ?", eventID,
	).Scan(&result.RetryCount, &result.DeadLettered)
	if err != nil {
		return FailureResult{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to read retry state", err)
	}
	return result, nil
}

// PendingForKey returns unprocessed, healthy events for key from sources
// other than excludeSource. These are the conflict candidates besides the head.
func (s *Store) PendingForKey(ctx context.Context, key models.RecordKey, excludeSource string) ([]*models.ChangeEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM sync_events
		WHERE table_name = ? AND record_id = ? AND processed = 0 AND dead_lettered = 0
			AND retry_count = 0 AND source_node_id != ?
		ORDER BY lamport_clock, event_id`,
		key.Table, key.RecordID, excludeSource,
	)
}

// ForKey returns every retained event for key, oldest first.
func (s *Store) ForKey(ctx context.Context, key models.RecordKey) ([]*models.ChangeEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM sync_events
		WHERE table_name = ? AND record_id = ?
		ORDER BY lamport_clock, event_id`,
		key.Table, key.RecordID,
	)
}

// DeadLetters lists parked events, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]*models.ChangeEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM sync_events
		WHERE dead_lettered = 1
		ORDER BY received_at DESC, event_id
		LIMIT ?`, limit)
}

// Stats returns event counts by state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN processed = 0 AND dead_lettered = 0 AND origin = 'local' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = 0 AND dead_lettered = 0 AND origin = 'remote' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = 0 AND dead_lettered = 0 AND retry_count > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_lettered = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = 1 THEN 1 ELSE 0 END), 0)
		FROM sync_events`,
	).Scan(&st.PendingLocal, &st.PendingRemote, &st.Failed, &st.DeadLettered, &st.Processed)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to read event stats", err)
	}
	return st, nil
}
