// Provides row accessors.

package tabcache

import (
	"context"
	"fmt"
	"maps"

	"github.com/maruel/tablecache/internal/table"
)

// Item is a row materialized by a Cache.
//
// An Item stays valid until the cache's window is refreshed; after that,
// fetch it again with Cache.Item. Rows with pending changes keep the same
// Item across refreshes.
type Item struct {
	c     *Cache
	row   *table.Row
	dirty bool
	// changed lists the columns set since the row was last written.
	changed map[string]bool
}

// ID returns the row identity.
func (it *Item) ID() table.ID {
	return it.row.ID
}

// Get returns the value of column, nil if unset.
func (it *Item) Get(column string) any {
	return it.row.Values[column]
}

// Values returns a copy of every column value.
func (it *Item) Values() map[string]any {
	return maps.Clone(it.row.Values)
}

// IsDirty reports whether the row holds changes not written to the source.
func (it *Item) IsDirty() bool {
	return it.dirty
}

// Set changes the value of column and reports the change to the cache.
//
// In auto-commit mode the row is written through immediately; on failure the
// previous value is restored.
func (it *Item) Set(ctx context.Context, column string, value any) error {
	if it.c.pend.isRemoved(it.row.ID) {
		return fmt.Errorf("%w: %s was removed", table.ErrNotFound, it.row.ID)
	}
	col, err := it.c.column(column)
	if err != nil {
		return err
	}
	if col.ReadOnly {
		return fmt.Errorf("%w: %s", table.ErrReadOnly, column)
	}
	if col.PrimaryKey && !it.row.ID.IsTemporary() {
		return fmt.Errorf("%w: key column %s of a stored row", table.ErrReadOnly, column)
	}
	if value == nil && !col.Nullable && !col.PrimaryKey {
		return table.Configf("column %q is not nullable", column)
	}
	prev, had := it.row.Values[column]
	wasDirty, wasChanged := it.dirty, it.changed[column]
	it.row.Values[column] = table.Normalize(value)
	it.dirty = true
	if it.changed == nil {
		it.changed = make(map[string]bool)
	}
	it.changed[column] = true
	if err := it.c.itemChanged(ctx, it); err != nil {
		if it.c.autoCommit {
			if had {
				it.row.Values[column] = prev
			} else {
				delete(it.row.Values, column)
			}
			it.dirty = wasDirty
			if !wasChanged {
				delete(it.changed, column)
			}
		}
		return err
	}
	return nil
}

// written marks the row as stored as row.
func (it *Item) written(row *table.Row) {
	it.row = row
	it.dirty = false
	it.changed = nil
}

// rebase moves the values set on it onto r, the current source row.
func (it *Item) rebase(r *table.Row) {
	for col := range it.changed {
		r.Values[col] = it.row.Values[col]
	}
	it.row = r
}

func newItem(c *Cache, row *table.Row) *Item {
	return &Item{c: c, row: row}
}
