// Provides foreign-key style links between caches.

package tabcache

import (
	"context"
	"slices"

	"github.com/maruel/tablecache/internal/table"
)

// Reference links a column of a cache to a column of another cache.
type Reference struct {
	Target       *Cache
	LocalColumn  string
	TargetColumn string
}

// AddReference declares that localColumn of c holds values of targetColumn
// of target. At most one reference per target is allowed.
func (c *Cache) AddReference(target *Cache, localColumn, targetColumn string) error {
	if target == nil {
		return table.Configf("referenced cache is nil")
	}
	if c.reference(target) != nil {
		return table.Configf("a reference to %s already exists", target.Name())
	}
	if _, err := c.column(localColumn); err != nil {
		return err
	}
	if _, err := target.column(targetColumn); err != nil {
		return err
	}
	c.refs = append(c.refs, &Reference{Target: target, LocalColumn: localColumn, TargetColumn: targetColumn})
	return nil
}

// RemoveReference removes the reference to target. It returns false if there
// is none.
func (c *Cache) RemoveReference(target *Cache) bool {
	n := len(c.refs)
	c.refs = slices.DeleteFunc(c.refs, func(r *Reference) bool { return r.Target == target })
	return len(c.refs) != n
}

// References returns the declared references.
func (c *Cache) References() []Reference {
	out := make([]Reference, len(c.refs))
	for i, r := range c.refs {
		out[i] = *r
	}
	return out
}

// SetReferencedItem points the row localID at the row targetID of target by
// copying the target column value into the local column.
func (c *Cache) SetReferencedItem(ctx context.Context, localID, targetID table.ID, target *Cache) error {
	ref, err := c.mustReference(target)
	if err != nil {
		return err
	}
	tgt, err := target.Item(ctx, targetID)
	if err != nil {
		return err
	}
	local, err := c.Item(ctx, localID)
	if err != nil {
		return err
	}
	return local.Set(ctx, ref.LocalColumn, tgt.Get(ref.TargetColumn))
}

// ReferencedItemID returns the identity of the first row of target whose
// target column equals the local column of the row localID.
//
// The lookup temporarily replaces the filters of target and restores them
// afterwards. A lookup on a target already serving one returns
// ErrReentrantLookup.
func (c *Cache) ReferencedItemID(ctx context.Context, localID table.ID, target *Cache) (table.ID, error) {
	ref, err := c.mustReference(target)
	if err != nil {
		return table.ID{}, err
	}
	local, err := c.Item(ctx, localID)
	if err != nil {
		return table.ID{}, err
	}
	if target.inLookup {
		return table.ID{}, table.ErrReentrantLookup
	}
	target.inLookup = true
	defer func() { target.inLookup = false }()
	saved := target.Filters()
	if err := target.SetFilters([]table.Filter{table.Equals(ref.TargetColumn, local.Get(ref.LocalColumn))}); err != nil {
		return table.ID{}, err
	}
	id, err := target.FirstID(ctx)
	if rerr := target.SetFilters(saved); rerr != nil && err == nil {
		err = rerr
	}
	return id, err
}

// ReferencedItem returns the row of target referenced by the row localID.
func (c *Cache) ReferencedItem(ctx context.Context, localID table.ID, target *Cache) (*Item, error) {
	id, err := c.ReferencedItemID(ctx, localID, target)
	if err != nil {
		return nil, err
	}
	return target.Item(ctx, id)
}

func (c *Cache) reference(target *Cache) *Reference {
	for _, r := range c.refs {
		if r.Target == target {
			return r
		}
	}
	return nil
}

func (c *Cache) mustReference(target *Cache) (*Reference, error) {
	if target == nil {
		return nil, table.Configf("referenced cache is nil")
	}
	r := c.reference(target)
	if r == nil {
		return nil, table.Configf("no reference to %s", target.Name())
	}
	return r, nil
}
