// Package metrics keeps the additive daily sync counters and the
// housekeeping tasks built on the event log.
package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// DayFormat is the calendar day key of a metrics row.
const DayFormat = "2006-01-02"

// Counters is an increment applied to today's row.
type Counters struct {
	EventsGenerated   int64
	EventsReceived    int64
	EventsProcessed   int64
	EventsFailed      int64
	ConflictsDetected int64
	ConflictsResolved int64
	LatencyTotalMs    int64
	LatencySamples    int64
	BytesTransferred  int64
	PeersConnected    int64
	PeersDiscovered   int64
	BulkUntracked     int64
	CausalGaps        int64
}

// IsZero reports whether the increment changes nothing.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Add returns the sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		EventsGenerated:   c.EventsGenerated + o.EventsGenerated,
		EventsReceived:    c.EventsReceived + o.EventsReceived,
		EventsProcessed:   c.EventsProcessed + o.EventsProcessed,
		EventsFailed:      c.EventsFailed + o.EventsFailed,
		ConflictsDetected: c.ConflictsDetected + o.ConflictsDetected,
		ConflictsResolved: c.ConflictsResolved + o.ConflictsResolved,
		LatencyTotalMs:    c.LatencyTotalMs + o.LatencyTotalMs,
		LatencySamples:    c.LatencySamples + o.LatencySamples,
		BytesTransferred:  c.BytesTransferred + o.BytesTransferred,
		PeersConnected:    c.PeersConnected + o.PeersConnected,
		PeersDiscovered:   c.PeersDiscovered + o.PeersDiscovered,
		BulkUntracked:     c.BulkUntracked + o.BulkUntracked,
		CausalGaps:        c.CausalGaps + o.CausalGaps,
	}
}

// Recorder writes one node's counters.
type Recorder struct {
	q      db.Querier
	nodeID string
	now    func() time.Time
}

// NewRecorder creates a recorder for nodeID.
func NewRecorder(q db.Querier, nodeID string) *Recorder {
	return &Recorder{q: q, nodeID: nodeID, now: time.Now}
}

// With returns a recorder running on q, typically a transaction.
func (r *Recorder) With(q db.Querier) *Recorder {
	return &Recorder{q: q, nodeID: r.nodeID, now: r.now}
}

// WithClock overrides the time source. Used by tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	return &Recorder{q: r.q, nodeID: r.nodeID, now: now}
}

// Increment adds c to today's counters.
func (r *Recorder) Increment(ctx context.Context, c Counters) error {
	if c.IsZero() {
		return nil
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO sync_metrics (
			node_id, day, events_generated, events_received, events_processed, events_failed,
			conflicts_detected, conflicts_resolved, latency_total_ms, latency_samples,
			bytes_transferred, peers_connected, peers_discovered, bulk_untracked, causal_gaps
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, day) DO UPDATE SET
			events_generated = events_generated + excluded.events_generated,
			events_received = events_received + excluded.events_received,
			events_processed = events_processed + excluded.events_processed,
			events_failed = events_failed + excluded.events_failed,
			conflicts_detected = conflicts_detected + excluded.conflicts_detected,
			conflicts_resolved = conflicts_resolved + excluded.conflicts_resolved,
			latency_total_ms = latency_total_ms + excluded.latency_total_ms,
			latency_samples = latency_samples + excluded.latency_samples,
			bytes_transferred = bytes_transferred + excluded.bytes_transferred,
			peers_connected = peers_connected + excluded.peers_connected,
			peers_discovered = peers_discovered + excluded.peers_discovered,
			bulk_untracked = bulk_untracked + excluded.bulk_untracked,
			causal_gaps = causal_gaps + excluded.causal_gaps`,
		r.nodeID, r.now().UTC().Format(DayFormat),
		c.EventsGenerated, c.EventsReceived, c.EventsProcessed, c.EventsFailed,
		c.ConflictsDetected, c.ConflictsResolved, c.LatencyTotalMs, c.LatencySamples,
		c.BytesTransferred, c.PeersConnected, c.PeersDiscovered, c.BulkUntracked, c.CausalGaps,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to increment metrics", err)
	}
	return nil
}

// RecordLatency adds one latency sample.
func (r *Recorder) RecordLatency(ctx context.Context, d time.Duration) error {
	return r.Increment(ctx, Counters{LatencyTotalMs: d.Milliseconds(), LatencySamples: 1})
}

const metricsColumns = `node_id, day, events_generated, events_received, events_processed, events_failed,
	conflicts_detected, conflicts_resolved, latency_total_ms, latency_samples,
	bytes_transferred, peers_connected, peers_discovered, bulk_untracked, causal_gaps`

func scanMetrics(row interface{ Scan(...interface{}) error }) (*models.SyncMetrics, error) {
	var m models.SyncMetrics
	err := row.Scan(&m.NodeID, &m.Day, &m.EventsGenerated, &m.EventsReceived, &m.EventsProcessed, &m.EventsFailed,
		&m.ConflictsDetected, &m.ConflictsResolved, &m.LatencyTotalMs, &m.LatencySamples,
		&m.BytesTransferred, &m.PeersConnected, &m.PeersDiscovered, &m.BulkUntracked, &m.CausalGaps)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Today returns today's counters. A day without activity reads as zeros.
func (r *Recorder) Today(ctx context.Context) (*models.SyncMetrics, error) {
	day := r.now().UTC().Format(DayFormat)
	m, err := scanMetrics(r.q.QueryRowContext(ctx,
		"SELECT "+metricsColumns+" FROM sync_metrics WHERE node_id = ? AND day = ?", r.nodeID, day))
	if err == sql.ErrNoRows {
		return &models.SyncMetrics{NodeID: r.nodeID, Day: day}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read metrics", err)
	}
	return m, nil
}

// Range returns the rows for days in [from, to], oldest first.
func (r *Recorder) Range(ctx context.Context, from, to time.Time) ([]*models.SyncMetrics, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+metricsColumns+" FROM sync_metrics WHERE node_id = ? AND day >= ? AND day <= ? ORDER BY day",
		r.nodeID, from.UTC().Format(DayFormat), to.UTC().Format(DayFormat))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read metrics range", err)
	}
	defer rows.Close()

	var out []*models.SyncMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan metrics", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Reset deletes every metrics row of this node.
func (r *Recorder) Reset(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, "DELETE FROM sync_metrics WHERE node_id = ?", r.nodeID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset metrics", err)
	}
	return res.RowsAffected()
}
