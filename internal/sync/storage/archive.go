package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/kimhsiao/nodesync/internal/crypto"
	"github.com/kimhsiao/nodesync/internal/models"
)

const (
	blobPrefix  = "archive/blobs"
	batchPrefix = "archive/batches/"
)

// Batch describes one archived set of events.
type Batch struct {
	Key        string `json:"-"`
	Hash       string `json:"hash"`
	NodeID     string `json:"nodeId"`
	Count      int    `json:"count"`
	Encrypted  bool   `json:"encrypted"`
	ArchivedAt int64  `json:"archivedAt"`
}

// Archive keeps full copies of events, including discarded conflict losers,
// before retention deletes them. Blobs are JSON, snappy-compressed, and
// sealed when a passphrase is set.
type Archive struct {
	store      ObjectStore
	blobs      *ContentAddressedStorage
	nodeID     string
	passphrase string
	now        func() time.Time
}

// NewArchive creates an archive for nodeID over store.
func NewArchive(store ObjectStore, nodeID, passphrase string) *Archive {
	return &Archive{
		store:      store,
		blobs:      NewContentAddressedStorage(store, blobPrefix),
		nodeID:     nodeID,
		passphrase: passphrase,
		now:        time.Now,
	}
}

// ArchiveEvents writes events as one blob and records a batch entry.
func (a *Archive) ArchiveEvents(ctx context.Context, events []*models.ChangeEvent) (*Batch, error) {
	if len(events) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}
	blob := snappy.Encode(nil, raw)
	if a.passphrase != "" {
		if blob, err = crypto.Seal(blob, a.passphrase); err != nil {
			return nil, fmt.Errorf("failed to seal archive: %w", err)
		}
	}

	hash, err := a.blobs.Store(ctx, blob)
	if err != nil {
		return nil, err
	}

	now := a.now()
	b := &Batch{
		Hash:       hash,
		NodeID:     a.nodeID,
		Count:      len(events),
		Encrypted:  a.passphrase != "",
		ArchivedAt: now.Unix(),
	}
	b.Key = fmt.Sprintf("%s%s/%020d-%s.json", batchPrefix, a.nodeID, now.UnixNano(), hash[:12])
	entry, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	if err := a.store.Put(ctx, b.Key, entry); err != nil {
		return nil, err
	}
	return b, nil
}

// Batches lists the batch entries written by this node, oldest first.
func (a *Archive) Batches(ctx context.Context) ([]*Batch, error) {
	keys, err := a.store.List(ctx, batchPrefix+a.nodeID+"/")
	if err != nil {
		return nil, err
	}
	batches := make([]*Batch, 0, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, ".json") {
			continue
		}
		data, err := a.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		var b Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("invalid batch entry %s: %w", path.Base(k), err)
		}
		b.Key = k
		batches = append(batches, &b)
	}
	return batches, nil
}

// Load reads the events of an archived blob.
func (a *Archive) Load(ctx context.Context, hash string) ([]*models.ChangeEvent, error) {
	blob, err := a.blobs.Retrieve(ctx, hash)
	if err != nil {
		return nil, err
	}
	if a.passphrase != "" {
		if blob, err = crypto.Open(blob, a.passphrase); err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive: %w", err)
	}
	var events []*models.ChangeEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	return events, nil
}
