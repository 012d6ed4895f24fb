// Provides change notifications to cache consumers.

package tabcache

import (
	"slices"

	"github.com/maruel/tablecache/internal/table"
)

// Observer receives notifications of changes to a Cache.
//
// Callbacks run synchronously on the goroutine driving the cache.
type Observer interface {
	// OnItemSetChanged is called after the set or order of rows may have
	// changed: refresh, filter or sort change, buffered add or remove,
	// commit and rollback.
	OnItemSetChanged(c *Cache)
	// OnRowIDChanged is called when a stored row's temporary identity is
	// replaced by its persistent identity.
	OnRowIDChanged(c *Cache, prev, curr table.ID)
}

// AddObserver registers an observer.
func (c *Cache) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// RemoveObserver unregisters an observer.
func (c *Cache) RemoveObserver(o Observer) {
	c.observers = slices.DeleteFunc(c.observers, func(x Observer) bool { return x == o })
}

func (c *Cache) fireItemSetChanged() {
	for _, o := range slices.Clone(c.observers) {
		o.OnItemSetChanged(c)
	}
}

func (c *Cache) fireRowIDChanged(prev, curr table.ID) {
	for _, o := range slices.Clone(c.observers) {
		o.OnRowIDChanged(c, prev, curr)
	}
}
