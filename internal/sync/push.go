package sync

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/metrics"
	"github.com/kimhsiao/nodesync/internal/sync/schema"
	"github.com/kimhsiao/nodesync/internal/sync/transport"
	"github.com/kimhsiao/nodesync/internal/uuid"
)

// PushTo delivers one outbox batch to peer. Delivery state is recorded per
// event, so a cycle cut short by its context resumes safely.
func (e *Engine) PushTo(ctx context.Context, peer *models.SyncNode) (*SyncResult, error) {
	if res := e.schema.CheckNode(peer); !res.Status.Syncable() {
		e.markIncompatible(peer.NodeID, res)
		return nil, apperrors.Newf(apperrors.ErrSyncSchemaIncompatible, "peer %s: %s", peer.NodeID, res.Reason)
	}

	start := e.now()
	result := &SyncResult{PeerID: peer.NodeID}
	outbox, err := e.log(e.db).Outbox(ctx, peer.NodeID, e.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(outbox) == 0 {
		completed, err := e.completeDelivered(ctx)
		if err != nil {
			return nil, err
		}
		result.Completed = completed
		e.finish(peer.NodeID, result, nil)
		return result, nil
	}

	e.setSyncing(peer.NodeID)
	e.sink.BroadcastSyncStarted(peer.NodeID, len(outbox))
	logging.Debug("Pushing events", map[string]interface{}{"peer": peer.NodeID, "count": len(outbox)})

	req := transport.NewPushRequest(uuid.New(), e.opts.NodeID, outbox)
	resp, sent, err := e.client.Push(ctx, peer, req)
	result.Sent = len(outbox)
	result.Bytes = sent
	if err != nil {
		return nil, e.pushFailed(ctx, peer, outbox, err)
	}

	if err := e.recordResults(ctx, peer.NodeID, outbox, resp, result); err != nil {
		e.finish(peer.NodeID, nil, err)
		return nil, err
	}
	if err := e.dir.Touch(ctx, peer.NodeID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		logging.Warn("Failed to refresh peer liveness", map[string]interface{}{"peer": peer.NodeID, "error": err.Error()})
	}
	if result.Completed, err = e.completeDelivered(ctx); err != nil {
		logging.Error("Failed to complete delivered events", err, nil)
	}
	if err := e.recorder.Increment(ctx, metrics.Counters{
		BytesTransferred: int64(sent),
		PeersConnected:   1,
	}); err != nil {
		logging.Error("Failed to record push metrics", err, map[string]interface{}{"peer": peer.NodeID})
	}

	result.Duration = e.now().Sub(start)
	e.finish(peer.NodeID, result, nil)
	e.sink.BroadcastSyncCompleted(peer.NodeID, result.Sent, result.Processed, result.Duration)
	logging.Info("Push completed", map[string]interface{}{
		"peer":      peer.NodeID,
		"sent":      result.Sent,
		"processed": result.Processed,
		"failed":    result.Failed,
		"rejected":  result.Rejected,
		"bytes":     result.Bytes,
	})
	return result, nil
}

// recordResults stores the per-event verdicts of one push.
func (e *Engine) recordResults(ctx context.Context, peerID string, outbox []*models.ChangeEvent, resp *transport.PushResponse, result *SyncResult) error {
	byID := make(map[string]transport.EventResult, len(resp.Events))
	for _, r := range resp.Events {
		byID[r.EventID] = r
	}

	return e.db.InTx(ctx, func(tx *sql.Tx) error {
		log := e.log(tx)
		result.Processed, result.Failed, result.Rejected = 0, 0, 0
		for _, ev := range outbox {
			r, ok := byID[ev.EventID]
			switch {
			case ok && r.Processed():
				if err := log.MarkDelivered(ctx, ev.EventID, peerID); err != nil {
					return err
				}
				result.Processed++
			case ok && r.Code == string(apperrors.ErrSyncDeadLettered):
				if err := log.MarkRejected(ctx, ev.EventID, peerID, r.Error); err != nil {
					return err
				}
				result.Rejected++
			default:
				reason := "missing from response"
				if ok {
					reason = r.Error
				}
				if _, err := log.MarkDeliveryFailed(ctx, ev.EventID, peerID, reason, e.opts.RetryBase); err != nil {
					return err
				}
				result.Failed++
			}
		}
		return nil
	})
}

// pushFailed schedules a retry for every event of a batch the peer never
// answered.
func (e *Engine) pushFailed(ctx context.Context, peer *models.SyncNode, outbox []*models.ChangeEvent, cause error) error {
	var rejected *transport.RejectedError
	if errors.As(cause, &rejected) {
		e.markIncompatible(peer.NodeID, schema.Result{Status: rejected.Status, Reason: rejected.Reason})
	}

	var retryAfter time.Duration
	err := e.db.InTx(ctx, func(tx *sql.Tx) error {
		log := e.log(tx)
		for _, ev := range outbox {
			delay, err := log.MarkDeliveryFailed(ctx, ev.EventID, peer.NodeID, cause.Error(), e.opts.RetryBase)
			if err != nil {
				return err
			}
			if delay > retryAfter {
				retryAfter = delay
			}
		}
		return nil
	})
	if err != nil {
		logging.Error("Failed to record delivery failure", err, map[string]interface{}{"peer": peer.NodeID})
	}

	code := apperrors.CodeOf(cause)
	if code == "" {
		code = apperrors.ErrSyncFailed
	}
	logging.ErrorWithCode("Push failed", code, cause, map[string]interface{}{
		"peer":        peer.NodeID,
		"events":      len(outbox),
		"retry_after": retryAfter.String(),
	})
	if rejected == nil {
		e.finish(peer.NodeID, nil, cause)
	}
	e.sink.BroadcastSyncFailed(peer.NodeID, string(code), retryAfter)
	return cause
}

// completeDelivered marks local events processed once every current target
// peer has them. With no target peer nothing completes.
func (e *Engine) completeDelivered(ctx context.Context) (int64, error) {
	targets, err := e.TargetPeers(ctx)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(targets))
	for i, p := range targets {
		ids[i] = p.NodeID
	}
	return e.log(e.db).CompleteDelivered(ctx, ids)
}

func (e *Engine) setSyncing(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerLocked(peerID).Status = SyncStatusSyncing
}

func (e *Engine) finish(peerID string, result *SyncResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.peerLocked(peerID)
	if err != nil {
		st.Status = SyncStatusFailed
		st.LastError = err.Error()
		return
	}
	now := e.now()
	st.Status = SyncStatusIdle
	st.LastSync = &now
	st.LastError = ""
	st.Last = result
}
