// Package discovery keeps the peer directory: who the other nodes are, where
// they listen, which schema they run and when they were last seen.
package discovery

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// DefaultLivenessWindow is how recently a peer must have been seen to count
// as active.
const DefaultLivenessWindow = 5 * time.Minute

// DiscoveredFunc is called after a previously unknown peer is recorded.
type DiscoveredFunc func(ctx context.Context, n *models.SyncNode)

// Directory is the sync_nodes table. Rows are never deleted.
type Directory struct {
	q          db.Querier
	now        func() time.Time
	discovered DiscoveredFunc
}

// NewDirectory creates a directory over q.
func NewDirectory(q db.Querier) *Directory {
	return &Directory{q: q, now: time.Now}
}

// WithClock returns a copy of d using now as its time source.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	c := *d
	c.now = now
	return &c
}

// OnDiscovered registers fn for newly recorded peers.
func (d *Directory) OnDiscovered(fn DiscoveredFunc) {
	d.discovered = fn
}

const nodeColumns = `node_id, node_name, ip_address, port, is_active, is_local, last_seen,
	schema_version, schema_hash, migration_name, schema_applied_at, priority,
	vector_clock, lamport_clock, created_at, updated_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*models.SyncNode, error) {
	var n models.SyncNode
	var lamport int64
	err := row.Scan(&n.NodeID, &n.NodeName, &n.IPAddress, &n.Port, &n.IsActive, &n.IsLocal, &n.LastSeen,
		&n.SchemaVersion, &n.SchemaHash, &n.MigrationName, &n.SchemaAppliedAt, &n.Priority,
		&n.VectorClock, &lamport, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.LamportClock = uint64(lamport)
	return &n, nil
}

func (d *Directory) queryNodes(ctx context.Context, query string, args ...interface{}) ([]*models.SyncNode, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query nodes", err)
	}
	defer rows.Close()

	var nodes []*models.SyncNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan node", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// SetLocal records the local node's advertised name, address and priority.
func (d *Directory) SetLocal(ctx context.Context, n *models.SyncNode) error {
	now := d.now().Unix()
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO sync_nodes (node_id, node_name, ip_address, port, priority, is_local, is_active, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, 1, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			node_name = excluded.node_name,
			ip_address = excluded.ip_address,
			port = excluded.port,
			priority = excluded.priority,
			is_local = 1,
			is_active = 1,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		n.NodeID, n.NodeName, n.IPAddress, n.Port, n.Priority, now, now, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record local node", err)
	}
	return nil
}

// Local returns the local node row.
func (d *Directory) Local(ctx context.Context) (*models.SyncNode, bool, error) {
	n, err := scanNode(d.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM sync_nodes WHERE is_local = 1 LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read local node", err)
	}
	return n, true, nil
}

// Upsert records a peer advertisement and reports whether the peer is new.
// lastSeen only moves forward. The local row is never overwritten.
func (d *Directory) Upsert(ctx context.Context, n *models.SyncNode) (bool, error) {
	if n.NodeID == "" {
		return false, apperrors.New(apperrors.ErrInvalid, "node id is required")
	}
	existing, found, err := d.Get(ctx, n.NodeID)
	if err != nil {
		return false, err
	}
	if found && existing.IsLocal {
		return false, nil
	}

	now := d.now().Unix()
	lastSeen := n.LastSeen
	if lastSeen == 0 {
		lastSeen = now
	}
	_, err = d.q.ExecContext(ctx, `
		INSERT INTO sync_nodes (node_id, node_name, ip_address, port, is_active, is_local, last_seen,
			schema_version, schema_hash, migration_name, schema_applied_at, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			node_name = excluded.node_name,
			ip_address = excluded.ip_address,
			port = excluded.port,
			is_active = excluded.is_active,
			last_seen = MAX(sync_nodes.last_seen, excluded.last_seen),
			schema_version = excluded.schema_version,
			schema_hash = excluded.schema_hash,
			migration_name = excluded.migration_name,
			schema_applied_at = excluded.schema_applied_at,
			priority = excluded.priority,
			updated_at = excluded.updated_at
		WHERE sync_nodes.is_local = 0`,
		n.NodeID, n.NodeName, n.IPAddress, n.Port, n.IsActive, lastSeen,
		n.SchemaVersion, n.SchemaHash, n.MigrationName, n.SchemaAppliedAt, n.Priority, now, now)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to upsert node", err)
	}

	if !found && d.discovered != nil {
		d.discovered(ctx, n)
	}
	return !found, nil
}

// Touch marks a peer active and seen now.
func (d *Directory) Touch(ctx context.Context, nodeID string) error {
	now := d.now().Unix()
	res, err := d.q.ExecContext(ctx,
		`UPDATE sync_nodes SET is_active = 1, last_seen = ?, updated_at = ? WHERE node_id = ?`,
		now, now, nodeID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to touch node", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "node %s not found", nodeID)
	}
	return nil
}

// MarkInactive clears the active flag. The row stays.
func (d *Directory) MarkInactive(ctx context.Context, nodeID string) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE sync_nodes SET is_active = 0, updated_at = ? WHERE node_id = ? AND is_local = 0`,
		d.now().Unix(), nodeID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to deactivate node", err)
	}
	return nil
}

// Get returns one node.
func (d *Directory) Get(ctx context.Context, nodeID string) (*models.SyncNode, bool, error) {
	n, err := scanNode(d.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM sync_nodes WHERE node_id = ?`, nodeID))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read node", err)
	}
	return n, true, nil
}

// List returns every known peer, stale ones included.
func (d *Directory) List(ctx context.Context) ([]*models.SyncNode, error) {
	return d.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM sync_nodes WHERE is_local = 0 ORDER BY node_id`)
}

// ListActive returns peers flagged active and seen within window.
func (d *Directory) ListActive(ctx context.Context, window time.Duration) ([]*models.SyncNode, error) {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	cutoff := d.now().Add(-window).Unix()
	return d.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM sync_nodes
		WHERE is_local = 0 AND is_active = 1 AND last_seen >= ?
		ORDER BY node_id`, cutoff)
}
