// Package capture turns local mutations into change events.
//
// The Interceptor is the post-mutation hook: it runs after the business
// write, stamps the event with the node's clocks and appends it to the
// outbox. Its failures are logged and never undo the business write.
package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kimhsiao/nodesync/internal/config"
	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/records"
	"github.com/kimhsiao/nodesync/internal/sync/clock"
	"github.com/kimhsiao/nodesync/internal/sync/eventlog"
	"github.com/kimhsiao/nodesync/internal/sync/keylock"
	"github.com/kimhsiao/nodesync/internal/sync/metrics"
	"github.com/kimhsiao/nodesync/internal/uuid"
)

// Options configures an Interceptor.
type Options struct {
	Priority   int
	BulkPolicy config.BulkPolicy
	Tables     *TableFilter
	// Locks serializes a local mutation and its capture against remote
	// applies of the same record. Share it with the engine.
	Locks *keylock.Locker
	// OnRecorded runs after an event commits. The scheduler uses it to
	// trigger an early push.
	OnRecorded func(*models.ChangeEvent)
}

// Interceptor records local mutations as change events.
type Interceptor struct {
	db       *db.DB
	clock    *clock.Manager
	recorder *metrics.Recorder
	opts     Options
	now      func() time.Time
}

// NewInterceptor creates an interceptor for the node owning clk.
func NewInterceptor(d *db.DB, clk *clock.Manager, opts Options) *Interceptor {
	if opts.Tables == nil {
		opts.Tables = NewTableFilter(nil, config.DefaultExcludedTables)
	}
	if opts.BulkPolicy == "" {
		opts.BulkPolicy = config.BulkGap
	}
	if opts.Locks == nil {
		opts.Locks = keylock.New()
	}
	return &Interceptor{
		db:       d,
		clock:    clk,
		recorder: metrics.NewRecorder(d, clk.NodeID()),
		opts:     opts,
		now:      time.Now,
	}
}

// Locks returns the per-record locker.
func (i *Interceptor) Locks() *keylock.Locker {
	return i.opts.Locks
}

// lock holds the record's key lock. An empty id cannot collide with a
// remote event, so it locks nothing.
func (i *Interceptor) lock(table, recordID string) func() {
	if recordID == "" {
		return func() {}
	}
	return i.opts.Locks.Lock(models.RecordKey{Table: table, RecordID: recordID}.String())
}

// Tables returns the table filter.
func (i *Interceptor) Tables() *TableFilter {
	return i.opts.Tables
}

// Record captures one singular mutation. newState is nil for deletes;
// oldState is nil when the row did not exist. It returns nil, nil for
// untracked tables.
func (i *Interceptor) Record(ctx context.Context, table, recordID string, op models.Operation, newState, oldState records.Row) (*models.ChangeEvent, error) {
	if !i.opts.Tables.Tracked(table) {
		logging.Debug("skipping untracked table", map[string]interface{}{
			"table":     table,
			"record_id": recordID,
		})
		return nil, nil
	}
	if !op.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid operation %q", op)
	}
	if recordID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record id is required")
	}

	changeData, beforeData, err := snapshots(recordID, op, newState, oldState)
	if err != nil {
		return nil, err
	}
	checksum, err := models.ComputeChecksum(changeData)
	if err != nil {
		return nil, err
	}

	now := i.now().Unix()
	e := &models.ChangeEvent{
		EventID:      uuid.New(),
		SourceNodeID: i.clock.NodeID(),
		Table:        table,
		RecordID:     recordID,
		Operation:    op,
		ChangeData:   changeData,
		BeforeData:   beforeData,
		Checksum:     checksum,
		Priority:     i.opts.Priority,
		Metadata:     models.Metadata{},
		Origin:       models.OriginLocal,
		Outcome:      models.OutcomeApplied,
		CreatedAt:    now,
		ReceivedAt:   now,
	}

	err = i.db.InTx(ctx, func(tx *sql.Tx) error {
		vc, lamport, err := i.clock.Tick(ctx, tx)
		if err != nil {
			return err
		}
		e.VectorClock = vc
		e.LamportClock = lamport
		e.SourceSeq = vc.Get(e.SourceNodeID)

		log := eventlog.New(tx)
		if err := log.Append(ctx, e); err != nil {
			return err
		}
		if err := log.SetHead(ctx, models.HeadFromEvent(e, now)); err != nil {
			return err
		}
		return i.recorder.With(tx).Increment(ctx, metrics.Counters{EventsGenerated: 1})
	})
	if err != nil {
		logging.ErrorWithCode("failed to record change event", apperrors.CodeOf(err), err, map[string]interface{}{
			"table":     table,
			"record_id": recordID,
			"operation": string(op),
		})
		return nil, err
	}

	logging.Debug("change event recorded", map[string]interface{}{
		"event_id":  e.EventID,
		"table":     table,
		"record_id": recordID,
		"operation": string(op),
		"lamport":   e.LamportClock,
	})
	if i.opts.OnRecorded != nil {
		i.opts.OnRecorded(e)
	}
	return e, nil
}

func snapshots(recordID string, op models.Operation, newState, oldState records.Row) (json.RawMessage, json.RawMessage, error) {
	var changeData json.RawMessage
	var err error
	if op == models.OpDelete || newState == nil {
		changeData, err = records.Row{records.IDColumn: recordID}.JSON()
	} else {
		changeData, err = newState.JSON()
	}
	if err != nil {
		return nil, nil, err
	}

	var beforeData json.RawMessage
	if oldState != nil {
		if beforeData, err = oldState.JSON(); err != nil {
			return nil, nil, err
		}
	}
	return changeData, beforeData, nil
}

// =====================================================
// Bulk Mutations
// =====================================================

// CheckBulk returns BULK_FORBIDDEN when the policy forbids bulk mutations
// on a tracked table.
func (i *Interceptor) CheckBulk(table string) error {
	if i.opts.BulkPolicy == config.BulkForbid && i.opts.Tables.Tracked(table) {
		return apperrors.Newf(apperrors.ErrBulkForbidden, "bulk mutations on synced table %s are forbidden", table)
	}
	return nil
}

// RecordBulk notes a bulk mutation that produced no per-record events.
// Peers do not see its effects.
func (i *Interceptor) RecordBulk(ctx context.Context, table string, op models.Operation, affected int64) {
	if !i.opts.Tables.Tracked(table) || affected == 0 {
		return
	}
	logging.Warn("bulk mutation not tracked for sync", map[string]interface{}{
		"table":     table,
		"operation": string(op),
		"affected":  affected,
	})
	if err := i.recorder.Increment(ctx, metrics.Counters{BulkUntracked: affected}); err != nil {
		logging.Error("failed to count untracked bulk mutation", err, map[string]interface{}{"table": table})
	}
}
