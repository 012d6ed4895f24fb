// Provides the bounded row window and its index map.

package tabcache

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/maruel/tablecache/internal/table"
)

// pageCache maps row identities to materialized rows.
//
// Eviction is by insertion order: once the limit is exceeded, the entry that
// was inserted first is dropped regardless of how recently it was read.
type pageCache struct {
	limit int
	items *orderedmap.OrderedMap[table.ID, *Item]
}

// newPageCache returns a cache holding at most limit rows. A limit <= 0 is
// unbounded.
func newPageCache(limit int) *pageCache {
	return &pageCache{limit: limit, items: orderedmap.New[table.ID, *Item]()}
}

func (p *pageCache) get(id table.ID) (*Item, bool) {
	return p.items.Get(id)
}

// put stores it under id. Replacing an existing entry keeps its position.
func (p *pageCache) put(id table.ID, it *Item) {
	if _, present := p.items.Set(id, it); present {
		return
	}
	p.evict()
}

func (p *pageCache) remove(id table.ID) {
	p.items.Delete(id)
}

func (p *pageCache) clear() {
	p.items = orderedmap.New[table.ID, *Item]()
}

func (p *pageCache) len() int {
	return p.items.Len()
}

// setLimit changes the capacity, evicting the oldest entries if needed.
func (p *pageCache) setLimit(limit int) {
	p.limit = limit
	p.evict()
}

func (p *pageCache) evict() {
	for p.limit > 0 && p.items.Len() > p.limit {
		p.items.Delete(p.items.Oldest().Key)
	}
}

// indexMap maps server positions of the loaded window to row identities.
//
// Positions are 0-based indexes into the source's filtered, sorted result.
// Entries are only valid for [offset, offset+length).
type indexMap struct {
	offset  int
	length  int
	byIndex map[int]table.ID
	byID    map[table.ID]int
}

func (m *indexMap) reset(offset int) {
	m.offset = offset
	m.length = 0
	m.byIndex = make(map[int]table.ID)
	m.byID = make(map[table.ID]int)
}

func (m *indexMap) set(pos int, id table.ID) {
	m.byIndex[pos] = id
	m.byID[id] = pos
}

func (m *indexMap) id(pos int) (table.ID, bool) {
	id, ok := m.byIndex[pos]
	return id, ok
}

func (m *indexMap) pos(id table.ID) (int, bool) {
	p, ok := m.byID[id]
	return p, ok
}

// contains reports whether pos is inside the loaded window.
func (m *indexMap) contains(pos int) bool {
	return m.length > 0 && pos >= m.offset && pos < m.offset+m.length
}
