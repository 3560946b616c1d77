// Package clock manages a node's vector clock component and Lamport counter.
//
// The persisted state lives on the local node's sync_nodes row. Every method
// that changes state takes the caller's Querier so the clock advances in the
// same transaction as the event it stamps. One Manager exists per node; tests
// run several in the same process.
package clock

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	"github.com/kimhsiao/nodesync/internal/models"
)

// MaxLamport is the largest Lamport value accepted from a peer. Lamport
// values are stored as signed 64-bit integers and Observe adds one.
const MaxLamport = math.MaxInt64 - 1

// Manager owns the clock state of one node.
type Manager struct {
	nodeID string

	// cache of the last persisted state, served by Snapshot
	mu      sync.RWMutex
	vc      models.VectorClock
	lamport uint64
}

// NewManager creates a clock manager for nodeID.
func NewManager(nodeID string) *Manager {
	return &Manager{
		nodeID: nodeID,
		vc:     models.VectorClock{},
	}
}

// NodeID returns the owning node id.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Load ensures the local node row exists and fills the cache from it.
func (m *Manager) Load(ctx context.Context, q db.Querier) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_nodes (node_id, is_local, is_active, last_seen, created_at, updated_at)
		VALUES (?, 1, 1, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET is_local = 1`,
		m.nodeID, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure local node row: %w", err)
	}

	vc, lamport, err := m.read(ctx, q)
	if err != nil {
		return err
	}
	m.remember(vc, lamport)
	return nil
}

// Tick advances the local component and the Lamport counter by one and
// returns a full copy of the resulting vector clock with the new Lamport value.
func (m *Manager) Tick(ctx context.Context, q db.Querier) (models.VectorClock, uint64, error) {
	vc, lamport, err := m.read(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	vc[m.nodeID]++
	lamport++

	if err := m.write(ctx, q, vc, lamport); err != nil {
		return nil, 0, err
	}
	m.remember(vc, lamport)
	return vc.Copy(), lamport, nil
}

// Observe merges a remote clock into local knowledge: component-wise max for
// the vector clock and max(local, remote)+1 for the Lamport counter.
func (m *Manager) Observe(ctx context.Context, q db.Querier, remote models.VectorClock, remoteLamport uint64) error {
	vc, lamport, err := m.read(ctx, q)
	if err != nil {
		return err
	}

	merged := vc.Merge(remote)
	if remoteLamport > lamport {
		lamport = remoteLamport
	}
	lamport++

	if err := m.write(ctx, q, merged, lamport); err != nil {
		return err
	}
	m.remember(merged, lamport)
	return nil
}

// Snapshot returns a copy of the last persisted clock state.
func (m *Manager) Snapshot() (models.VectorClock, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vc.Copy(), m.lamport
}

// Compare returns the causal relation of a to b.
func Compare(a, b models.VectorClock) models.Ordering {
	return a.Compare(b)
}

func (m *Manager) read(ctx context.Context, q db.Querier) (models.VectorClock, uint64, error) {
	var vc models.VectorClock
	var lamport int64
	err := q.QueryRowContext(ctx,
		"SELECT vector_clock, lamport_clock FROM sync_nodes WHERE node_id = ?", m.nodeID,
	).Scan(&vc, &lamport)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("clock for node %s not loaded", m.nodeID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read clock: %w", err)
	}
	if vc == nil {
		vc = models.VectorClock{}
	}
	return vc, uint64(lamport), nil
}

func (m *Manager) write(ctx context.Context, q db.Querier, vc models.VectorClock, lamport uint64) error {
	_, err := q.ExecContext(ctx,
		"UPDATE sync_nodes SET vector_clock = ?, lamport_clock = ?, updated_at = ? WHERE node_id = ?",
		vc, int64(lamport), time.Now().Unix(), m.nodeID)
	if err != nil {
		return fmt.Errorf("failed to persist clock: %w", err)
	}
	return nil
}

// remember keeps the cache monotonic even if transactions commit out of order.
func (m *Manager) remember(vc models.VectorClock, lamport uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vc = m.vc.Merge(vc)
	if lamport > m.lamport {
		m.lamport = lamport
	}
}
