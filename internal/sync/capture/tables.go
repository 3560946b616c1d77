package capture

import "strings"

// TableFilter decides which tables take part in sync.
type TableFilter struct {
	synced   map[string]bool
	excluded map[string]bool
}

// NewTableFilter builds a filter. An empty synced list tracks every table
// that is not excluded. Tables prefixed with "sync_" are always excluded.
func NewTableFilter(synced, excluded []string) *TableFilter {
	f := &TableFilter{synced: map[string]bool{}, excluded: map[string]bool{}}
	for _, t := range synced {
		f.synced[t] = true
	}
	for _, t := range excluded {
		f.excluded[t] = true
	}
	return f
}

// Excluded reports whether table is never captured or applied.
func (f *TableFilter) Excluded(table string) bool {
	return f.excluded[table] || strings.HasPrefix(table, "sync_")
}

// Tracked reports whether mutations of table produce change events.
func (f *TableFilter) Tracked(table string) bool {
	if f.Excluded(table) {
		return false
	}
	return len(f.synced) == 0 || f.synced[table]
}
