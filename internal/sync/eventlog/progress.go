package eventlog

import (
	"context"
	"database/sql"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// SourceProgress tracks how much of one source node's event sequence this
// node has seen. HighWater is the contiguous prefix; MaxSeen the largest
// sequence received. MaxSeen > HighWater means events are still missing.
type SourceProgress struct {
	SourceNodeID string `json:"sourceNodeId"`
	HighWater    uint64 `json:"highWater"`
	MaxSeen      uint64 `json:"maxSeen"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Gap reports whether events from this source are missing.
func (p SourceProgress) Gap() bool {
	return p.MaxSeen > p.HighWater
}

// ObserveSource records that seq from source arrived and reports whether it
// arrived ahead of a missing predecessor. The first event seen from a source
// sets the baseline.
func (s *Store) ObserveSource(ctx context.Context, source string, seq uint64) (bool, error) {
	p, found, err := s.progress(ctx, source)
	if err != nil {
		return false, err
	}
	if !found {
		return false, s.writeProgress(ctx, SourceProgress{SourceNodeID: source, HighWater: seq, MaxSeen: seq})
	}
	if seq <= p.HighWater {
		return false, nil
	}

	gap := seq > p.HighWater+1
	if seq > p.MaxSeen {
		p.MaxSeen = seq
	}
	if !gap {
		p.HighWater = seq
		if p.MaxSeen > p.HighWater {
			// fill forward over events that arrived early
			if p.HighWater, err = s.contiguousFrom(ctx, source, p.HighWater); err != nil {
				return false, err
			}
		}
	}
	return gap, s.writeProgress(ctx, p)
}

func (s *Store) contiguousFrom(ctx context.Context, source string, high uint64) (uint64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT source_seq FROM sync_events
		WHERE source_node_id = ? AND source_seq > ?
		ORDER BY source_seq`, source, int64(high))
	if err != nil {
		return high, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan source sequence", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return high, err
		}
		if uint64(seq) != high+1 {
			break
		}
		high++
	}
	return high, rows.Err()
}

// SeedProgress marks every event up to seq from source as already reflected
// locally, as after an initial full load.
func (s *Store) SeedProgress(ctx context.Context, source string, seq uint64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_source_progress (source_node_id, high_water, max_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_node_id) DO UPDATE SET
			high_water = MAX(high_water, excluded.high_water),
			max_seen = MAX(max_seen, excluded.max_seen),
			updated_at = excluded.updated_at`,
		source, int64(seq), int64(seq), s.now().Unix(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to seed source progress", err)
	}
	return nil
}

// Progress lists progress for every known source.
func (s *Store) Progress(ctx context.Context) ([]SourceProgress, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT source_node_id, high_water, max_seen, updated_at
		FROM sync_source_progress ORDER BY source_node_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list source progress", err)
	}
	defer rows.Close()

	var out []SourceProgress
	for rows.Next() {
		var p SourceProgress
		var high, max int64
		if err := rows.Scan(&p.SourceNodeID, &high, &max, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.HighWater, p.MaxSeen = uint64(high), uint64(max)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResetProgress forgets all source progress.
func (s *Store) ResetProgress(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM sync_source_progress"); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to reset source progress", err)
	}
	return nil
}

func (s *Store) progress(ctx context.Context, source string) (SourceProgress, bool, error) {
	p := SourceProgress{SourceNodeID: source}
	var high, max int64
	err := s.q.QueryRowContext(ctx,
		"SELECT high_water, max_seen, updated_at FROM sync_source_progress WHERE source_node_id = ?", source,
	).Scan(&high, &max, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, false, nil
	}
	if err != nil {
		return p, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read source progress", err)
	}
	p.HighWater, p.MaxSeen = uint64(high), uint64(max)
	return p, true, nil
}

func (s *Store) writeProgress(ctx context.Context, p SourceProgress) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_source_progress (source_node_id, high_water, max_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_node_id) DO UPDATE SET
			high_water = excluded.high_water,
			max_seen = excluded.max_seen,
			updated_at = excluded.updated_at`,
		p.SourceNodeID, int64(p.HighWater), int64(p.MaxSeen), s.now().Unix(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write source progress", err)
	}
	return nil
}
