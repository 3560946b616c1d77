// Package schema computes this node's schema identity and gates sync traffic
// on peer compatibility.
package schema

import (
	"context"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
)

// Publisher makes the local node record visible to peers.
type Publisher interface {
	Publish(ctx context.Context, node *models.SyncNode) error
}

// Manager owns the local schema identity.
type Manager struct {
	db      *db.DB
	nodeID  string
	version string
	fsys    fs.FS
	matrix  Matrix

	mu       sync.RWMutex
	identity Identity
	loaded   bool
}

// NewManager creates a manager for the migration set fsys.
func NewManager(d *db.DB, nodeID, version string, fsys fs.FS, matrix Matrix) *Manager {
	if matrix == nil {
		matrix = Matrix{}
	}
	return &Manager{db: d, nodeID: nodeID, version: version, fsys: fsys, matrix: matrix}
}

// Load computes the identity from the configured version, the applied
// migrations and their normalized content.
func (m *Manager) Load(ctx context.Context) (Identity, error) {
	if _, err := Major(m.version); err != nil {
		return Identity{}, apperrors.Wrap(apperrors.ErrConfig, "invalid schema version", err)
	}

	files, err := db.LoadMigrations(m.fsys)
	if err != nil {
		return Identity{}, err
	}
	migrator := db.NewMigrator(m.db.DB, m.fsys)
	latest, ok, err := migrator.Latest()
	if err != nil {
		return Identity{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to read applied migrations", err)
	}
	if !ok {
		return Identity{}, apperrors.New(apperrors.ErrMigration, "no migrations applied")
	}

	var applied []db.MigrationFile
	name := ""
	for _, f := range files {
		if f.Version > latest.Version {
			break
		}
		applied = append(applied, f)
		if f.Version == latest.Version {
			name = strings.TrimSuffix(f.Name, ".up.sql")
		}
	}

	id := Identity{
		Version:       m.version,
		Hash:          ComputeHash(applied),
		MigrationName: name,
		AppliedAt:     latest.AppliedAt.Unix(),
	}
	m.mu.Lock()
	m.identity = id
	m.loaded = true
	m.mu.Unlock()

	logging.Info("schema identity loaded", map[string]interface{}{
		"version":   id.Version,
		"hash":      id.Hash,
		"migration": id.MigrationName,
	})
	return id, nil
}

// Identity returns the loaded identity.
func (m *Manager) Identity() Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// Matrix returns the compatibility matrix.
func (m *Manager) Matrix() Matrix {
	return m.matrix
}

// Publish stores the identity on the local node row and hands the row to
// every publisher. Publisher failures are logged and skipped.
func (m *Manager) Publish(ctx context.Context, publishers ...Publisher) error {
	m.mu.RLock()
	id, loaded := m.identity, m.loaded
	m.mu.RUnlock()
	if !loaded {
		return apperrors.New(apperrors.ErrInternal, "schema identity not loaded")
	}

	now := time.Now().Unix()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sync_nodes (node_id, is_local, is_active, last_seen, schema_version, schema_hash,
			migration_name, schema_applied_at, created_at, updated_at)
		VALUES (?, 1, 1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			schema_hash = excluded.schema_hash,
			migration_name = excluded.migration_name,
			schema_applied_at = excluded.schema_applied_at,
			updated_at = excluded.updated_at`,
		m.nodeID, now, id.Version, id.Hash, id.MigrationName, id.AppliedAt, now, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to publish schema identity", err)
	}

	node := &models.SyncNode{
		NodeID:          m.nodeID,
		IsActive:        true,
		LastSeen:        now,
		SchemaVersion:   id.Version,
		SchemaHash:      id.Hash,
		MigrationName:   id.MigrationName,
		SchemaAppliedAt: id.AppliedAt,
	}
	err = m.db.QueryRowContext(ctx,
		"SELECT node_name, ip_address, port, priority FROM sync_nodes WHERE node_id = ?", m.nodeID,
	).Scan(&node.NodeName, &node.IPAddress, &node.Port, &node.Priority)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read local node", err)
	}
	for _, p := range publishers {
		if err := p.Publish(ctx, node); err != nil {
			logging.Warn("failed to publish schema identity", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// Check classifies a peer identity against the local one.
func (m *Manager) Check(peer Identity) Result {
	return Check(m.Identity(), peer, m.matrix)
}

// CheckNode classifies a peer record.
func (m *Manager) CheckNode(n *models.SyncNode) Result {
	return m.Check(IdentityOf(n))
}

// IdentityOf extracts the schema tuple of a node record.
func IdentityOf(n *models.SyncNode) Identity {
	return Identity{
		Version:       n.SchemaVersion,
		Hash:          n.SchemaHash,
		MigrationName: n.MigrationName,
		AppliedAt:     n.SchemaAppliedAt,
	}
}
