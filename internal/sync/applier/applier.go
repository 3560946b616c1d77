// Package applier writes replicated events into the business tables through
// a registry of per-table handlers built at startup.
package applier

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/records"
)

// Mode selects how a CREATE meets an existing row.
type Mode int

const (
	// Idempotent leaves an existing row alone on CREATE.
	Idempotent Mode = iota
	// Overwrite replaces an existing row on CREATE. Used when a conflict
	// winner displaces a different applied event.
	Overwrite
)

// Handler applies events for one table. q is the caller's transaction.
type Handler interface {
	Apply(ctx context.Context, q db.Querier, e *models.ChangeEvent, mode Mode) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, q db.Querier, e *models.ChangeEvent, mode Mode) error

// Apply calls f.
func (f HandlerFunc) Apply(ctx context.Context, q db.Querier, e *models.ChangeEvent, mode Mode) error {
	return f(ctx, q, e, mode)
}

// Registry maps table names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// ForStore registers a records handler for every table of store.
func ForStore(store *records.Store) *Registry {
	r := NewRegistry()
	h := NewRecordsHandler(store)
	for _, table := range store.Tables() {
		// names are unique in a store
		_ = r.Register(table, h)
	}
	return r
}

// Register adds h for table. Registering a table twice fails.
func (r *Registry) Register(table string, h Handler) error {
	if table == "" || h == nil {
		return apperrors.New(apperrors.ErrInvalid, "table and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[table]; ok {
		return apperrors.Newf(apperrors.ErrDuplicate, "handler for table %s already registered", table)
	}
	r.handlers[table] = h
	return nil
}

// Tables lists registered tables.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Has reports whether table has a handler.
func (r *Registry) Has(table string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[table]
	return ok
}

// Apply dispatches e to its table's handler.
func (r *Registry) Apply(ctx context.Context, q db.Querier, e *models.ChangeEvent, mode Mode) error {
	r.mu.RLock()
	h, ok := r.handlers[e.Table]
	r.mu.RUnlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrInvalid, "no handler registered for table %s", e.Table)
	}
	return h.Apply(ctx, q, e, mode)
}

// RecordsHandler applies snapshots through a records.Store.
type RecordsHandler struct {
	store *records.Store
}

// NewRecordsHandler creates a handler over store.
func NewRecordsHandler(store *records.Store) *RecordsHandler {
	return &RecordsHandler{store: store}
}

// Apply writes the event's snapshot.
//
//   - CREATE inserts; an existing row is success (or overwritten in Overwrite mode).
//   - UPDATE and UPSERT create or replace.
//   - DELETE of a missing row is success.
func (h *RecordsHandler) Apply(ctx context.Context, q db.Querier, e *models.ChangeEvent, mode Mode) error {
	store := h.store.With(q)

	if e.Operation == models.OpDelete {
		existed, err := store.Remove(ctx, e.Table, e.RecordID)
		if err != nil {
			return err
		}
		if !existed {
			logging.Debug("Delete of missing row treated as applied",
				map[string]interface{}{"table": e.Table, "record_id": e.RecordID, "event_id": e.EventID})
		}
		return nil
	}

	row, err := records.DecodeRow(e.ChangeData)
	if err != nil {
		return err
	}
	switch id := row.ID(); {
	case id == "":
		row[records.IDColumn] = e.RecordID
	case id != e.RecordID:
		return apperrors.Newf(apperrors.ErrInvalid, "snapshot id %s does not match record id %s", id, e.RecordID)
	}

	var unknown []string
	switch {
	case e.Operation == models.OpCreate && mode == Idempotent:
		var inserted bool
		inserted, unknown, err = store.InsertIfAbsent(ctx, e.Table, row)
		if err == nil && !inserted {
			logging.Debug("Create of existing row treated as applied",
				map[string]interface{}{"table": e.Table, "record_id": e.RecordID, "event_id": e.EventID})
		}
	case e.Operation.Valid():
		unknown, err = store.Put(ctx, e.Table, row)
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", e.Operation)
	}
	if err != nil {
		return err
	}

	if len(unknown) > 0 {
		logging.Warn("Snapshot columns not present locally were dropped",
			map[string]interface{}{"table": e.Table, "event_id": e.EventID, "columns": unknown})
	}
	return nil
}
