package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/storage"
)

const nodesPrefix = "nodes/"

// SharedDirectory exchanges peer records through an object store that every
// node can reach: a shared filesystem directory or an S3 bucket.
type SharedDirectory struct {
	store   storage.ObjectStore
	dir     *Directory
	localID string
}

// NewSharedDirectory publishes and scans records in store, recording peers in dir.
func NewSharedDirectory(store storage.ObjectStore, dir *Directory, localID string) *SharedDirectory {
	return &SharedDirectory{store: store, dir: dir, localID: localID}
}

func recordKey(nodeID string) string {
	return nodesPrefix + nodeID + ".json"
}

// Publish writes n as nodes/<nodeId>.json.
func (s *SharedDirectory) Publish(ctx context.Context, n *models.SyncNode) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}
	return s.store.Put(ctx, recordKey(n.NodeID), data)
}

// Scan reads every published record and upserts the peers into the local
// directory. Unreadable records are logged and skipped. It returns the
// number of newly discovered peers.
func (s *SharedDirectory) Scan(ctx context.Context) (int, error) {
	keys, err := s.store.List(ctx, nodesPrefix)
	if err != nil {
		return 0, err
	}

	discovered := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") || key == recordKey(s.localID) {
			continue
		}
		data, err := s.store.Get(ctx, key)
		if err != nil {
			logging.Warn("Failed to read peer record", map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		var n models.SyncNode
		if err := json.Unmarshal(data, &n); err != nil || n.NodeID == "" {
			logging.Warn("Ignoring invalid peer record", map[string]interface{}{"key": path.Base(key)})
			continue
		}
		if n.NodeID == s.localID {
			continue
		}
		created, err := s.dir.Upsert(ctx, &n)
		if err != nil {
			return discovered, err
		}
		if created {
			discovered++
		}
	}
	return discovered, nil
}
