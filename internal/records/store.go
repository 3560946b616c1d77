package records

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/uuid"
)

// Store implements Repository over SQLite.
type Store struct {
	q      db.Querier
	tables map[string]TableDef
	now    func() time.Time
}

// Ensure *Store implements Repository at compile time.
var _ Repository = (*Store)(nil)

// NewStore creates a store for the given tables.
func NewStore(q db.Querier, defs ...TableDef) *Store {
	tables := make(map[string]TableDef, len(defs))
	for _, d := range defs {
		tables[d.Name] = d
	}
	return &Store{q: q, tables: tables, now: time.Now}
}

// With returns a store sharing the table set but running on q, typically a
// transaction.
func (s *Store) With(q db.Querier) *Store {
	return &Store{q: q, tables: s.tables, now: s.now}
}

// Tables returns the registered table names in sorted order.
func (s *Store) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether table is registered.
func (s *Store) Has(table string) bool {
	_, ok := s.tables[table]
	return ok
}

func (s *Store) def(table string) (TableDef, error) {
	d, ok := s.tables[table]
	if !ok {
		return TableDef{}, apperrors.Newf(apperrors.ErrInvalid, "unknown table %q", table)
	}
	return d, nil
}

func (s *Store) touch(d TableDef, row Row) {
	if d.Touch == "" {
		return
	}
	if _, ok := row[d.Touch]; !ok {
		row[d.Touch] = s.now().Unix()
	}
}

// =====================================================
// Reads
// =====================================================

// Get reads one row.
func (s *Store) Get(ctx context.Context, table, id string) (Lookup, error) {
	d, err := s.def(table)
	if err != nil {
		return Lookup{}, err
	}
	rows, err := s.q.QueryContext(ctx, "SELECT * FROM "+d.Name+" WHERE id = ?", id)
	if err != nil {
		return Lookup{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to read row", err)
	}
	defer rows.Close()

	list, err := scanRows(rows)
	if err != nil {
		return Lookup{}, err
	}
	if len(list) == 0 {
		return Lookup{}, nil
	}
	return Lookup{Row: list[0], Found: true}, nil
}

// List returns every row of table ordered by id.
func (s *Store) List(ctx context.Context, table string) ([]Row, error) {
	d, err := s.def(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, "SELECT * FROM "+d.Name+" ORDER BY id")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list rows", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan row", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// =====================================================
// Singular Mutations
// =====================================================

// Create inserts a row. A missing id is generated.
func (s *Store) Create(ctx context.Context, table string, row Row) (Change, error) {
	d, err := s.def(table)
	if err != nil {
		return Change{}, err
	}
	row = copyRow(row)
	if row.ID() == "" {
		row[IDColumn] = uuid.New()
	}
	s.touch(d, row)

	cols, _, err := d.columnsOf(row, true)
	if err != nil {
		return Change{}, err
	}
	if _, err := s.q.ExecContext(ctx, insertSQL(d.Name, cols, ""), valuesOf(row, cols)...); err != nil {
		return Change{}, classify(err, "failed to create row")
	}
	return s.change(ctx, table, row.ID(), Lookup{})
}

// Update merges changes into an existing row.
func (s *Store) Update(ctx context.Context, table, id string, changes Row) (Change, error) {
	d, err := s.def(table)
	if err != nil {
		return Change{}, err
	}
	before, err := s.Get(ctx, table, id)
	if err != nil {
		return Change{}, err
	}
	if !before.Found {
		return Change{}, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", table, id)
	}

	changes = copyRow(changes)
	delete(changes, IDColumn)
	s.touch(d, changes)
	cols, _, err := d.columnsOf(changes, true)
	if err != nil {
		return Change{}, err
	}
	if len(cols) == 0 {
		return Change{}, apperrors.New(apperrors.ErrInvalid, "no columns to update")
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	args := append(valuesOf(changes, cols), id)
	if _, err := s.q.ExecContext(ctx, "UPDATE "+d.Name+" SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return Change{}, classify(err, "failed to update row")
	}
	return s.change(ctx, table, id, before)
}

// Upsert inserts the row or merges it into the existing one.
func (s *Store) Upsert(ctx context.Context, table string, row Row) (Change, error) {
	d, err := s.def(table)
	if err != nil {
		return Change{}, err
	}
	row = copyRow(row)
	if row.ID() == "" {
		return Change{}, apperrors.New(apperrors.ErrInvalid, "upsert requires an id")
	}
	before, err := s.Get(ctx, table, row.ID())
	if err != nil {
		return Change{}, err
	}
	s.touch(d, row)

	cols, _, err := d.columnsOf(row, true)
	if err != nil {
		return Change{}, err
	}
	if _, err := s.q.ExecContext(ctx, insertSQL(d.Name, cols, upsertClause(cols)), valuesOf(row, cols)...); err != nil {
		return Change{}, classify(err, "failed to upsert row")
	}
	return s.change(ctx, table, row.ID(), before)
}

// Delete removes a row.
func (s *Store) Delete(ctx context.Context, table, id string) (Change, error) {
	d, err := s.def(table)
	if err != nil {
		return Change{}, err
	}
	before, err := s.Get(ctx, table, id)
	if err != nil {
		return Change{}, err
	}
	if !before.Found {
		return Change{}, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", table, id)
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM "+d.Name+" WHERE id = ?", id); err != nil {
		return Change{}, classify(err, "failed to delete row")
	}
	return Change{Table: table, RecordID: id, Before: before}, nil
}

func (s *Store) change(ctx context.Context, table, id string, before Lookup) (Change, error) {
	after, err := s.Get(ctx, table, id)
	if err != nil {
		return Change{}, err
	}
	return Change{Table: table, RecordID: id, Before: before, After: after}, nil
}

// =====================================================
// Bulk Mutations
// =====================================================

// UpdateMany applies changes to every row matching where.
func (s *Store) UpdateMany(ctx context.Context, table string, where Filter, changes Row) (int64, error) {
	d, err := s.def(table)
	if err != nil {
		return 0, err
	}
	changes = copyRow(changes)
	delete(changes, IDColumn)
	s.touch(d, changes)
	cols, _, err := d.columnsOf(changes, true)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, "no columns to update")
	}
	cond, condArgs, err := whereClause(d, where)
	if err != nil {
		return 0, err
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	args := append(valuesOf(changes, cols), condArgs...)
	res, err := s.q.ExecContext(ctx, "UPDATE "+d.Name+" SET "+strings.Join(sets, ", ")+cond, args...)
	if err != nil {
		return 0, classify(err, "failed to update rows")
	}
	return res.RowsAffected()
}

// DeleteMany removes every row matching where.
func (s *Store) DeleteMany(ctx context.Context, table string, where Filter) (int64, error) {
	d, err := s.def(table)
	if err != nil {
		return 0, err
	}
	cond, args, err := whereClause(d, where)
	if err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM "+d.Name+cond, args...)
	if err != nil {
		return 0, classify(err, "failed to delete rows")
	}
	return res.RowsAffected()
}

// =====================================================
// Snapshot Writes (used when applying replicated events)
// =====================================================

// InsertIfAbsent inserts a full snapshot unless the id already exists.
// Unknown columns are dropped and returned.
func (s *Store) InsertIfAbsent(ctx context.Context, table string, row Row) (bool, []string, error) {
	d, err := s.def(table)
	if err != nil {
		return false, nil, err
	}
	if row.ID() == "" {
		return false, nil, apperrors.New(apperrors.ErrInvalid, "snapshot has no id")
	}
	cols, unknown, _ := d.columnsOf(row, false)
	res, err := s.q.ExecContext(ctx, insertSQL(d.Name, cols, " ON CONFLICT(id) DO NOTHING"), valuesOf(row, cols)...)
	if err != nil {
		return false, unknown, classify(err, "failed to insert snapshot")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unknown, err
	}
	return n == 1, unknown, nil
}

// Put writes a full snapshot, creating or overwriting the row.
func (s *Store) Put(ctx context.Context, table string, row Row) ([]string, error) {
	d, err := s.def(table)
	if err != nil {
		return nil, err
	}
	if row.ID() == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "snapshot has no id")
	}
	cols, unknown, _ := d.columnsOf(row, false)
	if _, err := s.q.ExecContext(ctx, insertSQL(d.Name, cols, upsertClause(cols)), valuesOf(row, cols)...); err != nil {
		return unknown, classify(err, "failed to write snapshot")
	}
	return unknown, nil
}

// Remove deletes a row and reports whether it existed.
func (s *Store) Remove(ctx context.Context, table, id string) (bool, error) {
	d, err := s.def(table)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM "+d.Name+" WHERE id = ?", id)
	if err != nil {
		return false, classify(err, "failed to remove row")
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// =====================================================
// SQL helpers
// =====================================================

func insertSQL(table string, cols []string, suffix string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s", table, strings.Join(cols, ", "), placeholders, suffix)
}

func upsertClause(cols []string) string {
	var sets []string
	for _, c := range cols {
		if c == IDColumn {
			continue
		}
		sets = append(sets, c+" = excluded."+c)
	}
	if len(sets) == 0 {
		return " ON CONFLICT(id) DO NOTHING"
	}
	return " ON CONFLICT(id) DO UPDATE SET " + strings.Join(sets, ", ")
}

func whereClause(d TableDef, where Filter) (string, []interface{}, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	cols, _, err := d.columnsOf(Row(where), true)
	if err != nil {
		return "", nil, err
	}
	conds := make([]string, len(cols))
	for i, c := range cols {
		conds[i] = c + " = ?"
	}
	return " WHERE " + strings.Join(conds, " AND "), valuesOf(Row(where), cols), nil
}

func valuesOf(row Row, cols []string) []interface{} {
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	return args
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// classify maps SQLite constraint failures to CONSTRAINT_VIOLATION.
func classify(err error, msg string) error {
	if strings.Contains(err.Error(), "constraint failed") {
		return apperrors.Wrap(apperrors.ErrConstraint, msg, err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, msg, err)
}
