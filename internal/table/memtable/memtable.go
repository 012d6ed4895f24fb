// Package memtable implements an in-memory, transactional table.Gateway.
//
// It evaluates filters and sorts with the table package's in-memory
// evaluator. Capabilities can be switched off to emulate sources that cannot
// filter, sort or page.
package memtable

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/maruel/tablecache/internal/table"
)

var (
	errTxActive   = errors.New("transaction already active")
	errNoTx       = errors.New("no active transaction")
	errDuplicate  = errors.New("duplicate key")
	errKeyMissing = errors.New("key column has no value")
)

// Op names a gateway operation for error injection.
type Op string

// Operations that accept injected errors.
const (
	OpBegin   Op = "begin"
	OpCommit  Op = "commit"
	OpResults Op = "results"
	OpCount   Op = "count"
	OpStore   Op = "store"
	OpRemove  Op = "remove"
)

// Options configures a Table.
type Options struct {
	// Name is returned by Name and keys cache invalidation.
	Name string
	// Columns describes every column.
	Columns []table.Column
	// KeyColumns lists the primary key. Empty means rows are positional and
	// the table is read-only through the gateway.
	KeyColumns []string
	// AutoIncrement generates the value of a single integer key column on
	// insert when it is nil.
	AutoIncrement bool
	// VersionColumn, if set, is checked on update and incremented on every
	// write.
	VersionColumn string

	NoFiltering bool
	NoSorting   bool
	NoPaging    bool
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Name == "" {
		return errors.New("name is required")
	}
	names := make(map[string]bool, len(o.Columns))
	for _, c := range o.Columns {
		if c.Name == "" {
			return errors.New("column name is required")
		}
		names[c.Name] = true
	}
	for _, k := range o.KeyColumns {
		if !names[k] {
			return fmt.Errorf("unknown key column %q", k)
		}
	}
	if o.VersionColumn != "" && !names[o.VersionColumn] {
		return fmt.Errorf("unknown version column %q", o.VersionColumn)
	}
	if o.AutoIncrement && len(o.KeyColumns) != 1 {
		return errors.New("auto increment requires exactly one key column")
	}
	return nil
}

// Table is an in-memory table.
//
// It is not safe for concurrent use.
type Table struct {
	opts Options

	rows   []*table.Row
	nextID int64

	filters []table.Filter
	sorts   []table.Sort

	inTx       bool
	txRows     []*table.Row
	txNextID   int64
	injected   map[Op]error
	lastOffset int
	lastLimit  int
	reads      int
}

// New returns an empty table.
func New(opts Options) (*Table, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Table{opts: opts, nextID: 1, injected: make(map[Op]error)}, nil
}

// Name implements table.Gateway.
func (t *Table) Name() string {
	return t.opts.Name
}

// Columns implements table.Gateway.
func (t *Table) Columns(_ context.Context) ([]table.Column, error) {
	return slices.Clone(t.opts.Columns), nil
}

// PrimaryKeyColumns implements table.Gateway.
func (t *Table) PrimaryKeyColumns() []string {
	return slices.Clone(t.opts.KeyColumns)
}

// BeginTransaction implements table.Gateway.
func (t *Table) BeginTransaction(_ context.Context) error {
	if err := t.takeError(OpBegin); err != nil {
		return err
	}
	if t.inTx {
		return errTxActive
	}
	t.inTx = true
	t.txRows = cloneRows(t.rows)
	t.txNextID = t.nextID
	return nil
}

// Commit implements table.Gateway.
func (t *Table) Commit(_ context.Context) error {
	if !t.inTx {
		return errNoTx
	}
	if err := t.takeError(OpCommit); err != nil {
		return err
	}
	t.inTx = false
	t.txRows = nil
	return nil
}

// Rollback implements table.Gateway.
func (t *Table) Rollback(_ context.Context) error {
	if !t.inTx {
		return errNoTx
	}
	t.rows = t.txRows
	t.nextID = t.txNextID
	t.inTx = false
	t.txRows = nil
	return nil
}

// Results implements table.Gateway.
func (t *Table) Results(_ context.Context, offset, limit int) (table.Rows, error) {
	if err := t.takeError(OpResults); err != nil {
		return nil, err
	}
	view := t.view()
	if t.opts.NoPaging {
		offset, limit = 0, 0
	}
	t.lastOffset, t.lastLimit = offset, limit
	t.reads++
	if offset >= len(view) {
		return table.NewSliceRows(nil), nil
	}
	end := len(view)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*table.Row, 0, end-offset)
	for i := offset; i < end; i++ {
		r := view[i].Clone()
		if len(t.opts.KeyColumns) == 0 {
			r.ID = table.PositionID(int64(i + 1))
		}
		out = append(out, r)
	}
	return table.NewSliceRows(out), nil
}

// Count implements table.Gateway.
func (t *Table) Count(_ context.Context) (int, error) {
	if err := t.takeError(OpCount); err != nil {
		return 0, err
	}
	return len(t.view()), nil
}

// ContainsRowWithKey implements table.Gateway.
func (t *Table) ContainsRowWithKey(_ context.Context, key ...any) (bool, error) {
	id := table.PersistentID(key...)
	for _, r := range table.FilterRows(t.rows, t.filters) {
		if r.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// StoreRow implements table.Gateway.
func (t *Table) StoreRow(_ context.Context, row *table.Row) (int, error) {
	if err := t.takeError(OpStore); err != nil {
		return 0, err
	}
	if len(t.opts.KeyColumns) == 0 {
		return 0, table.ErrUnsupported
	}
	if row.ID.IsTemporary() {
		return t.insert(row)
	}
	i := t.find(row.ID)
	if i < 0 {
		return 0, nil
	}
	stored := t.rows[i]
	if vc := t.opts.VersionColumn; vc != "" {
		if table.Compare(stored.Values[vc], row.Values[vc]) != 0 {
			return 0, &table.OptimisticLockError{ID: row.ID, Version: row.Values[vc]}
		}
		row.Values[vc] = nextVersion(stored.Values[vc])
	}
	updated := row.Clone()
	updated.ID = table.IdentityFor(updated.Values, t.opts.KeyColumns, 0)
	t.rows[i] = updated
	return 1, nil
}

// RemoveRow implements table.Gateway.
func (t *Table) RemoveRow(_ context.Context, row *table.Row) (bool, error) {
	if err := t.takeError(OpRemove); err != nil {
		return false, err
	}
	if len(t.opts.KeyColumns) == 0 {
		return false, table.ErrUnsupported
	}
	i := t.find(row.ID)
	if i < 0 {
		return false, nil
	}
	t.rows = slices.Delete(t.rows, i, i+1)
	return true, nil
}

// SetFilters implements table.Gateway.
func (t *Table) SetFilters(filters []table.Filter) error {
	if t.opts.NoFiltering {
		return table.ErrUnsupported
	}
	t.filters = slices.Clone(filters)
	return nil
}

// SetOrderBy implements table.Gateway.
func (t *Table) SetOrderBy(sorts []table.Sort) error {
	if t.opts.NoSorting {
		return table.ErrUnsupported
	}
	t.sorts = slices.Clone(sorts)
	return nil
}

// RespectsPagingLimits implements table.Gateway.
func (t *Table) RespectsPagingLimits() bool {
	return !t.opts.NoPaging
}

// Insert adds a row directly, outside of any cache. It emulates a write by
// another client.
func (t *Table) Insert(values map[string]any) (table.ID, error) {
	r := &table.Row{ID: table.NewTemporaryID(), Values: values}
	if _, err := t.insert(r); err != nil {
		return table.ID{}, err
	}
	return r.ID, nil
}

// Update overwrites columns of a stored row directly and bumps its version.
func (t *Table) Update(id table.ID, values map[string]any) bool {
	i := t.find(id)
	if i < 0 {
		return false
	}
	for k, v := range values {
		t.rows[i].Values[k] = table.Normalize(v)
	}
	if vc := t.opts.VersionColumn; vc != "" {
		t.rows[i].Values[vc] = nextVersion(t.rows[i].Values[vc])
	}
	return true
}

// Delete removes a stored row directly.
func (t *Table) Delete(id table.ID) bool {
	i := t.find(id)
	if i < 0 {
		return false
	}
	t.rows = slices.Delete(t.rows, i, i+1)
	return true
}

// Get returns a copy of a stored row.
func (t *Table) Get(id table.ID) (*table.Row, bool) {
	i := t.find(id)
	if i < 0 {
		return nil, false
	}
	return t.rows[i].Clone(), true
}

// All returns copies of every stored row in insertion order, ignoring filters.
func (t *Table) All() []*table.Row {
	return cloneRows(t.rows)
}

// Load replaces the stored rows. Rows missing a persistent ID get one from
// their key columns.
func (t *Table) Load(rows []*table.Row) error {
	loaded := make([]*table.Row, 0, len(rows))
	seen := make(map[table.ID]bool, len(rows))
	t.nextID = 1
	for _, r := range rows {
		c := r.Clone()
		for k, v := range c.Values {
			c.Values[k] = table.Normalize(v)
		}
		if len(t.opts.KeyColumns) > 0 {
			c.ID = table.IdentityFor(c.Values, t.opts.KeyColumns, 0)
			if seen[c.ID] {
				return fmt.Errorf("%w: %s", errDuplicate, c.ID)
			}
			seen[c.ID] = true
			t.bumpNextID(c)
		}
		loaded = append(loaded, c)
	}
	t.rows = loaded
	return nil
}

// InjectError makes the next call of op fail with err.
func (t *Table) InjectError(op Op, err error) {
	t.injected[op] = err
}

// LastRead returns the offset and limit of the last Results call.
func (t *Table) LastRead() (offset, limit int) {
	return t.lastOffset, t.lastLimit
}

// Reads returns the number of Results calls.
func (t *Table) Reads() int {
	return t.reads
}

func (t *Table) insert(row *table.Row) (int, error) {
	values := make(map[string]any, len(t.opts.Columns))
	for _, c := range t.opts.Columns {
		values[c.Name] = table.Normalize(row.Values[c.Name])
	}
	if t.opts.AutoIncrement {
		k := t.opts.KeyColumns[0]
		if values[k] == nil {
			values[k] = t.nextID
		}
	}
	for _, k := range t.opts.KeyColumns {
		if values[k] == nil {
			return 0, fmt.Errorf("%w: %s", errKeyMissing, k)
		}
	}
	if vc := t.opts.VersionColumn; vc != "" {
		values[vc] = int64(1)
	}
	id := table.IdentityFor(values, t.opts.KeyColumns, 0)
	if t.find(id) >= 0 {
		return 0, fmt.Errorf("%w: %s", errDuplicate, id)
	}
	stored := &table.Row{ID: id, Values: values}
	t.rows = append(t.rows, stored)
	t.bumpNextID(stored)
	row.ID = id
	for k, v := range values {
		row.Values[k] = v
	}
	return 1, nil
}

func (t *Table) bumpNextID(r *table.Row) {
	if !t.opts.AutoIncrement {
		return
	}
	if n, ok := r.Values[t.opts.KeyColumns[0]].(int64); ok && n >= t.nextID {
		t.nextID = n + 1
	}
}

func (t *Table) find(id table.ID) int {
	for i, r := range t.rows {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (t *Table) view() []*table.Row {
	view := t.rows
	if len(t.filters) > 0 {
		view = table.FilterRows(view, t.filters)
	}
	if len(t.sorts) > 0 {
		view = slices.Clone(view)
		table.SortRows(view, t.sorts)
	}
	return view
}

func (t *Table) takeError(op Op) error {
	err := t.injected[op]
	delete(t.injected, op)
	return err
}

func nextVersion(v any) any {
	if n, ok := table.Normalize(v).(int64); ok {
		return n + 1
	}
	return int64(1)
}

func cloneRows(rows []*table.Row) []*table.Row {
	out := make([]*table.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
