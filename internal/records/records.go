// Package records is the business-facing data access layer for replicated
// tables. Every mutating method reports the state before and after the
// mutation so change capture never has to re-read or reflect over types.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// IDColumn is the primary key column every replicated table carries.
const IDColumn = "id"

// Row is one table row keyed by column name.
type Row map[string]interface{}

// ID returns the row's primary key, or "" when absent.
func (r Row) ID() string {
	if r == nil {
		return ""
	}
	switch v := r[IDColumn].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// JSON encodes the row with sorted keys.
func (r Row) JSON() (json.RawMessage, error) {
	if r == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(map[string]interface{}(r))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "row is not JSON encodable", err)
	}
	return data, nil
}

// DecodeRow parses a JSON object snapshot. Integral numbers decode as int64,
// others as float64.
func DecodeRow(data json.RawMessage) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "snapshot is not a JSON object", err)
	}
	if raw == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "snapshot is null")
	}
	row := make(Row, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				row[k] = i
			} else if f, err := n.Float64(); err == nil {
				row[k] = f
			} else {
				row[k] = n.String()
			}
			continue
		}
		row[k] = v
	}
	return row, nil
}

// Lookup is the result of reading one row. Found is false for missing rows.
type Lookup struct {
	Row   Row
	Found bool
}

// Change describes one singular mutation.
type Change struct {
	Table    string
	RecordID string
	Before   Lookup
	After    Lookup
}

// Filter is a conjunction of column = value conditions. An empty filter
// matches every row.
type Filter map[string]interface{}

// Repository is the data access surface the business layer mutates through.
type Repository interface {
	// Get reads one row.
	Get(ctx context.Context, table, id string) (Lookup, error)

	// Create inserts a row. A missing id is generated.
	Create(ctx context.Context, table string, row Row) (Change, error)

	// Update merges changes into an existing row.
	Update(ctx context.Context, table, id string, changes Row) (Change, error)

	// Upsert inserts the row or merges it into the existing one.
	Upsert(ctx context.Context, table string, row Row) (Change, error)

	// Delete removes a row.
	Delete(ctx context.Context, table, id string) (Change, error)

	// UpdateMany applies changes to every row matching where.
	UpdateMany(ctx context.Context, table string, where Filter, changes Row) (int64, error)

	// DeleteMany removes every row matching where.
	DeleteMany(ctx context.Context, table string, where Filter) (int64, error)
}

// TableDef whitelists a table and its columns besides the id.
type TableDef struct {
	Name    string
	Columns []string
	// Touch names an integer column set to the unix time on every write
	// when the caller does not provide it.
	Touch string
}

func (d TableDef) has(col string) bool {
	if col == IDColumn {
		return true
	}
	for _, c := range d.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// columnsOf returns the row's known columns in sorted order, rejecting
// unknown ones when strict.
func (d TableDef) columnsOf(row Row, strict bool) ([]string, []string, error) {
	var cols, unknown []string
	for col := range row {
		if d.has(col) {
			cols = append(cols, col)
			continue
		}
		if strict {
			return nil, nil, apperrors.Newf(apperrors.ErrInvalid, "unknown column %q for table %s", col, d.Name)
		}
		unknown = append(unknown, col)
	}
	sort.Strings(cols)
	sort.Strings(unknown)
	return cols, unknown, nil
}

// DefaultTables are the tables created by the bundled migrations.
func DefaultTables() []TableDef {
	return []TableDef{
		{Name: "products", Columns: []string{"sku", "name", "price", "stock", "updated_at"}, Touch: "updated_at"},
		{Name: "customers", Columns: []string{"name", "email", "phone", "updated_at"}, Touch: "updated_at"},
		{Name: "orders", Columns: []string{"customer_id", "status", "total", "updated_at"}, Touch: "updated_at"},
		{Name: "sessions", Columns: []string{"user_id", "token", "expires_at"}},
		{Name: "audit_logs", Columns: []string{"action", "detail", "created_at"}},
	}
}
