// Package sync wires the receive pipeline and the push cycles of a node.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/transport"
)

// SyncEngineInterface is what the scheduler drives.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// TargetPeers returns active peers whose schema allows sync.
	TargetPeers(ctx context.Context) ([]*models.SyncNode, error)

	// PushTo delivers one outbox batch to peer.
	PushTo(ctx context.Context, peer *models.SyncNode) (*SyncResult, error)

	// PeerStatus reports the last push outcome per peer.
	PeerStatus() []PeerStatus
}

// Pusher sends batches to a peer. transport.Client implements it.
type Pusher interface {
	Push(ctx context.Context, peer *models.SyncNode, req *transport.PushRequest) (*transport.PushResponse, int, error)
}

// EventSink receives operational events. events.Hub implements it; a nil
// *events.Hub drops everything.
type EventSink interface {
	BroadcastSyncStarted(peerID string, pending int)
	BroadcastSyncCompleted(peerID string, sent, processed int, duration time.Duration)
	BroadcastSyncFailed(peerID, errorCode string, retryAfter time.Duration)
	BroadcastConflictDetected(table, recordID, conflictType, winner string, losers []string)
	BroadcastPeerDiscovered(nodeID, address string)
	BroadcastPeerIncompatible(nodeID, status, reason string)
	BroadcastDeadLettered(eventID, sourceNodeID, reason string, retries int)
}
