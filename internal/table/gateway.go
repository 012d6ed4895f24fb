package table

import "context"

// Rows is a cursor over rows returned by a source.
//
// Usage mirrors database/sql: call Next until it returns false, then check Err.
// Close must always be called.
type Rows interface {
	Next() bool
	Row() *Row
	Err() error
	Close() error
}

// Gateway is a tabular data source.
//
// Implementations are driven by a single owner and need not be safe for
// concurrent use. Reads observe the filters and sort order last set via
// SetFilters and SetOrderBy.
type Gateway interface {
	// Name identifies the underlying data (table name or query text). Caches
	// over sources with the same name invalidate each other.
	Name() string
	// Columns returns the column metadata.
	Columns(ctx context.Context) ([]Column, error)
	// PrimaryKeyColumns returns the key columns in key order. An empty result
	// means rows are identified by position.
	PrimaryKeyColumns() []string

	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Results returns up to limit rows starting at the 0-based offset. A
	// limit <= 0 returns every row from offset. Positional IDs carry the
	// 1-based row number.
	Results(ctx context.Context, offset, limit int) (Rows, error)
	// Count returns the number of rows matching the current filters.
	Count(ctx context.Context) (int, error)
	// ContainsRowWithKey reports whether a row with the given key values
	// matches the current filters.
	ContainsRowWithKey(ctx context.Context, key ...any) (bool, error)
	// StoreRow inserts a row with a temporary ID or updates a persistent one,
	// returning the number of rows affected. Zero on update signals an
	// optimistic-lock conflict. On insert the row's ID is replaced by its
	// persistent ID and generated key values are written back into the row.
	StoreRow(ctx context.Context, row *Row) (int, error)
	// RemoveRow deletes the row, returning false if nothing was deleted.
	RemoveRow(ctx context.Context, row *Row) (bool, error)

	// SetFilters sets the filters for subsequent reads. Returns ErrUnsupported
	// if the source cannot filter.
	SetFilters(filters []Filter) error
	// SetOrderBy sets the order for subsequent reads. Returns ErrUnsupported if
	// the source cannot sort.
	SetOrderBy(sorts []Sort) error
	// RespectsPagingLimits returns false if Results ignores offset and limit.
	RespectsPagingLimits() bool
}

// SliceRows is a [Rows] over an in-memory slice.
type SliceRows struct {
	rows []*Row
	i    int
}

// NewSliceRows returns a cursor over rows.
func NewSliceRows(rows []*Row) *SliceRows {
	return &SliceRows{rows: rows, i: -1}
}

// Next implements [Rows].
func (s *SliceRows) Next() bool {
	if s.i+1 >= len(s.rows) {
		s.i = len(s.rows)
		return false
	}
	s.i++
	return true
}

// Row implements [Rows].
func (s *SliceRows) Row() *Row {
	if s.i < 0 || s.i >= len(s.rows) {
		return nil
	}
	return s.rows[s.i]
}

// Err implements [Rows].
func (s *SliceRows) Err() error {
	return nil
}

// Close implements [Rows].
func (s *SliceRows) Close() error {
	return nil
}
