package sync

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/applier"
	"github.com/kimhsiao/nodesync/internal/sync/clock"
	"github.com/kimhsiao/nodesync/internal/sync/conflict"
	"github.com/kimhsiao/nodesync/internal/sync/metrics"
	"github.com/kimhsiao/nodesync/internal/sync/schema"
	"github.com/kimhsiao/nodesync/internal/sync/transport"
	"github.com/kimhsiao/nodesync/internal/uuid"
)

// errAlreadyProcessed aborts a processing transaction that lost the
// compare-and-set on the processed flag.
var errAlreadyProcessed = errors.New("event already processed")

// conflictNotice is broadcast after the transaction that resolved it commits.
type conflictNotice struct {
	record *models.ConflictResolution
}

// Receive runs the inbound pipeline for every entry of a batch. Entries are
// independent: a failure marks only that entry.
func (e *Engine) Receive(ctx context.Context, b *transport.Batch) []transport.EventResult {
	counters := metrics.Counters{
		EventsReceived:   int64(len(b.Events)),
		BytesTransferred: int64(b.Bytes),
	}
	results := make([]transport.EventResult, 0, len(b.Events))
	for _, in := range b.Events {
		if in.Err != nil {
			counters.EventsFailed++
			results = append(results, transport.Failed(in.EventID, in.Err))
			continue
		}
		results = append(results, e.receiveOne(ctx, in.Event, &counters))
	}

	if err := e.recorder.Increment(ctx, counters); err != nil {
		logging.Error("Failed to record receive metrics", err, map[string]interface{}{"peer": b.From})
	}
	if err := e.dir.Touch(ctx, b.From); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		logging.Warn("Failed to refresh peer liveness", map[string]interface{}{"peer": b.From, "error": err.Error()})
	}

	logging.Debug("Received batch", map[string]interface{}{
		"peer":      b.From,
		"session":   b.SessionID,
		"events":    len(b.Events),
		"processed": counters.EventsProcessed,
		"failed":    counters.EventsFailed,
	})
	return results
}

// PeerIncompatible is called when a push was refused by the schema gate.
func (e *Engine) PeerIncompatible(nodeID string, res schema.Result) {
	e.markIncompatible(nodeID, res)
}

func validate(ev *models.ChangeEvent) error {
	switch {
	case !uuid.IsValid(ev.EventID):
		return apperrors.Newf(apperrors.ErrInvalid, "invalid event id %q", ev.EventID)
	case ev.SourceNodeID == "":
		return apperrors.New(apperrors.ErrInvalid, "source node id is required")
	case ev.Table == "" || ev.RecordID == "":
		return apperrors.New(apperrors.ErrInvalid, "table and record id are required")
	case !ev.Operation.Valid():
		return apperrors.Newf(apperrors.ErrInvalid, "invalid operation %q", ev.Operation)
	case ev.LamportClock > clock.MaxLamport:
		return apperrors.Newf(apperrors.ErrInvalid, "lamport clock %d out of range", ev.LamportClock)
	case ev.SourceSeq == 0:
		return apperrors.Newf(apperrors.ErrSyncCausalGap, "vector clock has no entry for source %s", ev.SourceNodeID)
	}
	return nil
}

func (e *Engine) receiveOne(ctx context.Context, ev *models.ChangeEvent, c *metrics.Counters) transport.EventResult {
	if err := validate(ev); err != nil {
		c.EventsFailed++
		return transport.Failed(ev.EventID, err)
	}
	if !e.tables.Tracked(ev.Table) {
		logging.Debug("Ignoring event for unsynced table", map[string]interface{}{
			"event_id": ev.EventID,
			"table":    ev.Table,
		})
		return transport.Processed(ev.EventID)
	}

	log := e.log(e.db)
	stored, found, err := log.Get(ctx, ev.EventID)
	if err != nil {
		c.EventsFailed++
		return transport.Failed(ev.EventID, err)
	}
	switch {
	case found && stored.Processed:
		return transport.Processed(ev.EventID)
	case found && stored.DeadLettered:
		return transport.Failed(ev.EventID, apperrors.Newf(apperrors.ErrSyncDeadLettered,
			"event %s is dead-lettered: %s", ev.EventID, stored.ProcessingError))
	case found && stored.Origin == models.OriginLocal:
		// our own event echoed back
		return transport.Processed(ev.EventID)
	case found:
		if stored.Checksum != ev.Checksum || !bytes.Equal(stored.ChangeData, ev.ChangeData) {
			if err := log.ReplacePayload(ctx, ev); err != nil {
				c.EventsFailed++
				return transport.Failed(ev.EventID, err)
			}
		}
	case ev.SourceNodeID == e.opts.NodeID:
		// authored here and already cleaned up
		return transport.Processed(ev.EventID)
	default:
		if err := log.Append(ctx, ev); err != nil && !apperrors.Is(err, apperrors.ErrDuplicate) {
			c.EventsFailed++
			return transport.Failed(ev.EventID, err)
		}
	}

	if err := ev.VerifyChecksum(); err != nil {
		return e.fail(ctx, ev, err, c)
	}

	gap, err := log.ObserveSource(ctx, ev.SourceNodeID, ev.SourceSeq)
	if err != nil {
		logging.Error("Failed to track source progress", err, map[string]interface{}{"source": ev.SourceNodeID})
	} else if gap {
		c.CausalGaps++
		logging.Debug("Out-of-order event from source", map[string]interface{}{
			"source":   ev.SourceNodeID,
			"sequence": ev.SourceSeq,
		})
	}

	unlock := e.locks.Lock(ev.Key().String())
	defer unlock()

	var notice *conflictNotice
	var outcome models.Outcome
	err = e.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, notice, err = e.process(ctx, tx, ev)
		return err
	})
	switch {
	case errors.Is(err, errAlreadyProcessed):
		return transport.Processed(ev.EventID)
	case err != nil:
		return e.fail(ctx, ev, err, c)
	}

	c.EventsProcessed++
	if lag := e.now().Sub(time.Unix(ev.CreatedAt, 0)); lag >= 0 {
		c.LatencyTotalMs += lag.Milliseconds()
		c.LatencySamples++
	}
	if notice != nil {
		c.ConflictsDetected++
		c.ConflictsResolved++
		r := notice.record
		e.sink.BroadcastConflictDetected(r.Table, r.RecordID, string(r.ConflictType), r.WinningEventID, r.LosingEventIDs)
	}

	logging.Debug("Event processed", map[string]interface{}{
		"event_id": ev.EventID,
		"key":      ev.Key().String(),
		"outcome":  string(outcome),
	})
	return transport.Processed(ev.EventID)
}

// process decides and applies one event inside tx. The caller holds the
// record's key lock.
func (e *Engine) process(ctx context.Context, tx *sql.Tx, ev *models.ChangeEvent) (models.Outcome, *conflictNotice, error) {
	log := e.log(tx)
	key := ev.Key()

	head, found, err := log.Head(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if !found {
		head = nil
	}
	pending, err := log.PendingForKey(ctx, key, ev.SourceNodeID)
	if err != nil {
		return "", nil, err
	}

	var notice *conflictNotice
	outcome := models.OutcomeApplied
	decision := conflict.Detect(ev.Stamp(), head, pending)

	switch decision.Verdict {
	case conflict.Superseded:
		outcome = models.OutcomeSuperseded

	case conflict.Apply:
		mode := applier.Idempotent
		if head != nil {
			mode = applier.Overwrite
		}
		if err := e.apply(ctx, tx, ev, mode); err != nil {
			return "", nil, err
		}

	case conflict.Conflict:
		res, err := e.resolver.Resolve(key, ev.Stamp(), decision.Concurrent)
		if err != nil {
			return "", nil, err
		}
		if err := conflict.NewJournal(tx).Append(ctx, res.Record); err != nil {
			return "", nil, err
		}
		notice = &conflictNotice{record: res.Record}

		winner := res.Winner
		switch {
		case winner.EventID == ev.EventID:
			if err := e.apply(ctx, tx, ev, applier.Overwrite); err != nil {
				return "", nil, err
			}
		case head == nil || winner.EventID != head.EventID:
			// a pending event outranks both the head and the incoming one
			w, ok, err := log.Get(ctx, winner.EventID)
			if err != nil {
				return "", nil, err
			}
			if !ok {
				return "", nil, apperrors.Newf(apperrors.ErrNotFound, "winning event %s not found", winner.EventID)
			}
			if err := w.VerifyChecksum(); err != nil {
				return "", nil, err
			}
			if err := e.apply(ctx, tx, w, applier.Overwrite); err != nil {
				return "", nil, err
			}
			if w.Origin == models.OriginRemote {
				if err := e.clock.Observe(ctx, tx, w.VectorClock, w.LamportClock); err != nil {
					return "", nil, err
				}
				if _, err := log.MarkProcessed(ctx, w.EventID, models.OutcomeApplied); err != nil {
					return "", nil, err
				}
			}
			outcome = models.OutcomeDiscarded
		default:
			outcome = models.OutcomeDiscarded
		}

		for _, loser := range res.Losers {
			if loser.EventID == ev.EventID {
				continue
			}
			if _, err := log.MarkProcessed(ctx, loser.EventID, models.OutcomeDiscarded); err != nil {
				return "", nil, err
			}
		}
	}

	if err := e.clock.Observe(ctx, tx, ev.VectorClock, ev.LamportClock); err != nil {
		return "", nil, err
	}
	ok, err := log.MarkProcessed(ctx, ev.EventID, outcome)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, errAlreadyProcessed
	}
	return outcome, notice, nil
}

// apply writes ev through the registry and moves the record head to it.
func (e *Engine) apply(ctx context.Context, tx *sql.Tx, ev *models.ChangeEvent, mode applier.Mode) error {
	if err := e.registry.Apply(ctx, tx, ev, mode); err != nil {
		return err
	}
	return e.log(tx).SetHead(ctx, models.HeadFromEvent(ev, e.now().Unix()))
}

// fail records a failed attempt and dead-letters the event once its retry
// budget is spent.
func (e *Engine) fail(ctx context.Context, ev *models.ChangeEvent, cause error, c *metrics.Counters) transport.EventResult {
	c.EventsFailed++
	res, err := e.log(e.db).MarkFailed(ctx, ev.EventID, cause.Error(), e.opts.MaxRetries)
	if err != nil {
		logging.Error("Failed to record event failure", err, map[string]interface{}{"event_id": ev.EventID})
		return transport.Failed(ev.EventID, cause)
	}

	fields := map[string]interface{}{
		"event_id":    ev.EventID,
		"source":      ev.SourceNodeID,
		"key":         ev.Key().String(),
		"retry_count": res.RetryCount,
	}
	if res.DeadLettered {
		logging.ErrorWithCode("Event dead-lettered", apperrors.ErrSyncDeadLettered, cause, fields)
		e.sink.BroadcastDeadLettered(ev.EventID, ev.SourceNodeID, cause.Error(), res.RetryCount)
		return transport.Failed(ev.EventID, apperrors.Wrap(apperrors.ErrSyncDeadLettered, "event dead-lettered", cause))
	}
	logging.ErrorWithCode("Event processing failed", apperrors.CodeOf(cause), cause, fields)
	return transport.Failed(ev.EventID, cause)
}
