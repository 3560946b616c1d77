package capture

import (
	"context"

	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/records"
)

// Repository wraps a records.Repository and captures every mutation it makes.
// Each singular mutation and its capture run under the record's key lock,
// so a remote apply cannot land between the write and its event.
type Repository struct {
	inner records.Repository
	ic    *Interceptor
}

// Ensure *Repository implements records.Repository at compile time.
var _ records.Repository = (*Repository)(nil)

// Wrap returns a capturing repository.
func Wrap(inner records.Repository, ic *Interceptor) *Repository {
	return &Repository{inner: inner, ic: ic}
}

// Get reads one row.
func (r *Repository) Get(ctx context.Context, table, id string) (records.Lookup, error) {
	return r.inner.Get(ctx, table, id)
}

// Create inserts a row and records a CREATE event.
func (r *Repository) Create(ctx context.Context, table string, row records.Row) (records.Change, error) {
	defer r.ic.lock(table, row.ID())()
	c, err := r.inner.Create(ctx, table, row)
	if err != nil {
		return c, err
	}
	r.record(ctx, c, models.OpCreate)
	return c, nil
}

// Update merges changes and records an UPDATE event.
func (r *Repository) Update(ctx context.Context, table, id string, changes records.Row) (records.Change, error) {
	defer r.ic.lock(table, id)()
	c, err := r.inner.Update(ctx, table, id, changes)
	if err != nil {
		return c, err
	}
	r.record(ctx, c, models.OpUpdate)
	return c, nil
}

// Upsert writes the row and records an UPSERT event.
func (r *Repository) Upsert(ctx context.Context, table string, row records.Row) (records.Change, error) {
	defer r.ic.lock(table, row.ID())()
	c, err := r.inner.Upsert(ctx, table, row)
	if err != nil {
		return c, err
	}
	r.record(ctx, c, models.OpUpsert)
	return c, nil
}

// Delete removes a row and records a DELETE event.
func (r *Repository) Delete(ctx context.Context, table, id string) (records.Change, error) {
	defer r.ic.lock(table, id)()
	c, err := r.inner.Delete(ctx, table, id)
	if err != nil {
		return c, err
	}
	r.record(ctx, c, models.OpDelete)
	return c, nil
}

// UpdateMany runs a bulk update subject to the bulk policy.
func (r *Repository) UpdateMany(ctx context.Context, table string, where records.Filter, changes records.Row) (int64, error) {
	if err := r.ic.CheckBulk(table); err != nil {
		return 0, err
	}
	n, err := r.inner.UpdateMany(ctx, table, where, changes)
	if err != nil {
		return n, err
	}
	r.ic.RecordBulk(ctx, table, models.OpUpdate, n)
	return n, nil
}

// DeleteMany runs a bulk delete subject to the bulk policy.
func (r *Repository) DeleteMany(ctx context.Context, table string, where records.Filter) (int64, error) {
	if err := r.ic.CheckBulk(table); err != nil {
		return 0, err
	}
	n, err := r.inner.DeleteMany(ctx, table, where)
	if err != nil {
		return n, err
	}
	r.ic.RecordBulk(ctx, table, models.OpDelete, n)
	return n, nil
}

// record never fails the business mutation.
func (r *Repository) record(ctx context.Context, c records.Change, op models.Operation) {
	var oldState records.Row
	if c.Before.Found {
		oldState = c.Before.Row
	}
	var newState records.Row
	if c.After.Found {
		newState = c.After.Row
	}
	if _, err := r.ic.Record(ctx, c.Table, c.RecordID, op, newState, oldState); err != nil {
		logging.Warn("mutation committed without a change event", map[string]interface{}{
			"table":     c.Table,
			"record_id": c.RecordID,
			"error":     err.Error(),
		})
	}
}
