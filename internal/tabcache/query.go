// Provides filter and sort state.

package tabcache

import (
	"slices"

	"github.com/maruel/tablecache/internal/table"
)

// AddFilter adds a filter and refreshes the cache. A filter referencing an
// unknown column is rejected without changing anything.
func (c *Cache) AddFilter(f table.Filter) error {
	c.sync()
	if err := c.checkFilter(&f); err != nil {
		return err
	}
	c.filters = append(c.filters, f)
	c.queryChanged()
	return nil
}

// RemoveFilter removes the first filter equal to f and refreshes the cache.
// It returns false if no such filter is set.
func (c *Cache) RemoveFilter(f table.Filter) bool {
	c.sync()
	i := slices.IndexFunc(c.filters, func(g table.Filter) bool { return g.Equal(&f) })
	if i < 0 {
		return false
	}
	c.filters = slices.Delete(c.filters, i, i+1)
	c.queryChanged()
	return true
}

// RemoveAllFilters removes every filter and refreshes the cache.
func (c *Cache) RemoveAllFilters() {
	c.sync()
	c.filters = nil
	c.queryChanged()
}

// SetFilters replaces the filter set and refreshes the cache.
func (c *Cache) SetFilters(filters []table.Filter) error {
	c.sync()
	for i := range filters {
		if err := c.checkFilter(&filters[i]); err != nil {
			return err
		}
	}
	c.filters = slices.Clone(filters)
	c.queryChanged()
	return nil
}

// Filters returns the active filters.
func (c *Cache) Filters() []table.Filter {
	return slices.Clone(c.filters)
}

// Sort replaces the sort order and refreshes the cache. No argument clears
// the order. An unknown column is rejected without changing anything.
func (c *Cache) Sort(sorts ...table.Sort) error {
	c.sync()
	out := make([]table.Sort, 0, len(sorts))
	for _, s := range sorts {
		if _, err := c.column(s.Column); err != nil {
			return err
		}
		switch s.Direction {
		case "":
			s.Direction = table.SortAsc
		case table.SortAsc, table.SortDesc:
		default:
			return table.Configf("invalid sort direction %q on column %q", s.Direction, s.Column)
		}
		out = append(out, s)
	}
	c.sorts = out
	c.queryChanged()
	return nil
}

// Sorts returns the active sort order.
func (c *Cache) Sorts() []table.Sort {
	return slices.Clone(c.sorts)
}

func (c *Cache) checkFilter(f *table.Filter) error {
	if err := f.Validate(); err != nil {
		return &table.ConfigurationError{Reason: "invalid filter", Err: err}
	}
	for _, name := range f.Columns() {
		if _, err := c.column(name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) queryChanged() {
	c.queryDirty = true
	c.invalidate(true)
	c.fireItemSetChanged()
}
