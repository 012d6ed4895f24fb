// Provides row mutations and the commit protocol.

package tabcache

import (
	"context"
	"errors"
	"slices"

	"github.com/maruel/tablecache/internal/table"
)

// AddItem creates a row with empty values and a temporary identity.
//
// In buffered mode the row is kept until Commit. In auto-commit mode it is
// stored immediately; the temporary identity is still returned and the
// persistent one is reported through Observer.OnRowIDChanged.
func (c *Cache) AddItem(ctx context.Context) (table.ID, error) {
	c.sync()
	if len(c.keyColumns) == 0 {
		return table.ID{}, table.Configf("%s has no primary key; rows cannot be added", c.name)
	}
	row := &table.Row{ID: table.NewTemporaryID(), Values: make(map[string]any, len(c.columns))}
	for _, col := range c.columns {
		row.Values[col.Name] = nil
	}
	it := newItem(c, row)
	it.dirty = true
	if !c.autoCommit {
		c.pend.added = append(c.pend.added, it)
		c.fireItemSetChanged()
		return row.ID, nil
	}
	tmp := row.ID
	stored := row.Clone()
	err := c.inTransaction(ctx, func() error {
		_, err := c.gw.StoreRow(ctx, stored)
		return storeError("store row", err)
	})
	if err != nil {
		return table.ID{}, err
	}
	it.written(stored)
	c.afterWrite(ctx)
	c.fireRowIDChanged(tmp, stored.ID)
	return tmp, nil
}

// RemoveItem removes the row identified by id. It returns false if the row
// is not part of the logical result.
func (c *Cache) RemoveItem(ctx context.Context, id table.ID) (bool, error) {
	c.sync()
	if i := c.pend.addedIndex(id); i >= 0 {
		c.pend.added = append(c.pend.added[:i], c.pend.added[i+1:]...)
		c.fireItemSetChanged()
		return true, nil
	}
	it, err := c.Item(ctx, id)
	if errors.Is(err, table.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.autoCommit {
		err := c.inTransaction(ctx, func() error {
			return c.removeRow(ctx, it)
		})
		if err != nil {
			c.afterConflict(err)
			return false, err
		}
		c.afterWrite(ctx)
		return true, nil
	}
	pos, known := c.index.pos(id)
	c.pend.remove(it, pos, known)
	c.page.remove(id)
	c.invalidate(false)
	c.fireItemSetChanged()
	return true, nil
}

// RemoveAllItems removes every row of the logical result. In auto-commit
// mode the deletes run in one transaction and either all succeed or none
// do.
func (c *Cache) RemoveAllItems(ctx context.Context) error {
	c.sync()
	type entry struct {
		pos int
		it  *Item
	}
	var rows []entry
	err := c.walk(ctx, func(pos int, it *Item) {
		rows = append(rows, entry{pos, it})
	})
	if err != nil {
		return err
	}
	if c.autoCommit {
		err := c.inTransaction(ctx, func() error {
			for _, e := range rows {
				if err := c.removeRow(ctx, e.it); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			c.afterConflict(err)
			return err
		}
		c.afterWrite(ctx)
		return nil
	}
	visible := c.visibleAdded()
	c.pend.added = slices.DeleteFunc(c.pend.added, func(it *Item) bool {
		return slices.Contains(visible, it)
	})
	for _, e := range rows {
		c.pend.remove(e.it, e.pos, true)
	}
	c.invalidate(false)
	c.fireItemSetChanged()
	return nil
}

// itemChanged is called after a value of it was set.
func (c *Cache) itemChanged(ctx context.Context, it *Item) error {
	if !c.autoCommit {
		c.pend.markModified(it)
		return nil
	}
	if it.row.ID.IsTemporary() {
		return nil
	}
	stored := it.row.Clone()
	err := c.inTransaction(ctx, func() error {
		return c.updateRow(ctx, stored)
	})
	if err != nil {
		c.afterConflict(err)
		return err
	}
	it.written(stored)
	c.afterWrite(ctx)
	return nil
}

// Commit writes the buffered changes to the source in one transaction:
// removals first, then updates, then inserts.
//
// On failure the transaction is rolled back and the buffered changes are
// kept. On a conflict the window is also refreshed so that it shows the
// current source data.
func (c *Cache) Commit(ctx context.Context) error {
	c.sync()
	if !c.pend.isModified() {
		return nil
	}
	c.log.InfoContext(ctx, "Committing",
		"removed", c.pend.removed.Len(), "modified", len(c.pend.modified), "added", len(c.pend.added))
	updated := make([]*table.Row, len(c.pend.modified))
	inserted := make([]*table.Row, len(c.pend.added))
	err := c.inTransaction(ctx, func() error {
		for pair := c.pend.removed.Oldest(); pair != nil; pair = pair.Next() {
			if err := c.removeRow(ctx, pair.Value); err != nil {
				return err
			}
		}
		for i, it := range c.pend.modified {
			updated[i] = it.row.Clone()
			if err := c.updateRow(ctx, updated[i]); err != nil {
				return err
			}
		}
		for i, it := range c.pend.added {
			inserted[i] = it.row.Clone()
			if _, err := c.gw.StoreRow(ctx, inserted[i]); err != nil {
				return storeError("store row", err)
			}
		}
		return nil
	})
	if err != nil {
		c.log.InfoContext(ctx, "Commit failed", "err", err)
		c.afterConflict(err)
		return err
	}
	for i, it := range c.pend.modified {
		it.written(updated[i])
	}
	type change struct{ prev, curr table.ID }
	changes := make([]change, len(c.pend.added))
	for i, it := range c.pend.added {
		changes[i] = change{it.row.ID, inserted[i].ID}
		it.written(inserted[i])
	}
	c.pend.clear()
	c.afterWrite(ctx)
	for _, ch := range changes {
		c.fireRowIDChanged(ch.prev, ch.curr)
	}
	return nil
}

// Rollback discards the buffered changes without contacting the source.
func (c *Cache) Rollback() {
	c.stale.Store(false)
	if c.pend.isModified() {
		c.log.Info("Rolling back",
			"removed", c.pend.removed.Len(), "modified", len(c.pend.modified), "added", len(c.pend.added))
	}
	c.pend.clear()
	c.invalidate(true)
	c.fireItemSetChanged()
}

// inTransaction runs fn inside a source transaction, rolling back if fn or
// the commit fails.
func (c *Cache) inTransaction(ctx context.Context, fn func() error) error {
	if err := c.gw.BeginTransaction(ctx); err != nil {
		return &table.TransportError{Op: "begin transaction", Err: err}
	}
	if err := fn(); err != nil {
		c.rollbackSource(ctx)
		return err
	}
	if err := c.gw.Commit(ctx); err != nil {
		c.rollbackSource(ctx)
		return &table.TransportError{Op: "commit", Err: err}
	}
	return nil
}

func (c *Cache) rollbackSource(ctx context.Context) {
	if err := c.gw.Rollback(ctx); err != nil {
		c.log.WarnContext(ctx, "Rollback failed", "err", err)
	}
}

func (c *Cache) removeRow(ctx context.Context, it *Item) error {
	ok, err := c.gw.RemoveRow(ctx, it.row)
	if err != nil {
		return storeError("remove row", err)
	}
	if !ok {
		return &table.ConcurrentModificationError{ID: it.row.ID}
	}
	return nil
}

// updateRow stores row, which must carry a persistent identity, and
// requires one affected row.
func (c *Cache) updateRow(ctx context.Context, row *table.Row) error {
	n, err := c.gw.StoreRow(ctx, row)
	if err != nil {
		return storeError("store row", err)
	}
	if n == 0 {
		return &table.ConcurrentModificationError{ID: row.ID}
	}
	return nil
}

// afterWrite refreshes the cache and notifies siblings after a successful
// write to the source.
func (c *Cache) afterWrite(ctx context.Context) {
	c.invalidate(true)
	if c.notify {
		if n := c.registry.Notify(c); n > 0 {
			c.log.DebugContext(ctx, "Invalidated sibling caches", "count", n)
		}
	}
	c.fireItemSetChanged()
}

// afterConflict refreshes the window if err reports that the source changed
// underneath the cache. A buffered modification of the conflicting row is
// moved onto the source row when the window is next read, keeping the values
// that were set.
func (c *Cache) afterConflict(err error) {
	if !table.IsConflict(err) {
		return
	}
	var id table.ID
	var cm *table.ConcurrentModificationError
	var ol *table.OptimisticLockError
	switch {
	case errors.As(err, &cm):
		id = cm.ID
	case errors.As(err, &ol):
		id = ol.ID
	}
	if c.pend.modifiedItem(id) != nil {
		c.pend.rebase[id] = true
	}
	c.invalidate(true)
	c.fireItemSetChanged()
}

// storeError wraps a source write failure. Conflicts and unsupported
// operations are returned as is.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if table.IsConflict(err) || errors.Is(err, table.ErrUnsupported) {
		return err
	}
	var ce *table.ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	return &table.TransportError{Op: op, Err: err}
}
