// Provides the buffered change set.

package tabcache

import (
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/maruel/tablecache/internal/table"
)

// pending holds mutations not yet written to the source.
type pending struct {
	// removed rows, in removal order.
	removed *orderedmap.OrderedMap[table.ID, *Item]
	// removedAt is the server position of each removed row still present in
	// the source result, posAbsent once the row is known to be gone or
	// posUnplaced if it is present at an unknown position. A missing entry
	// means the row was not checked since the last refresh.
	removedAt map[table.ID]int
	// added rows carry temporary identities.
	added []*Item
	// modified rows carry persistent identities, one entry per identity.
	modified []*Item
	// rebase lists modified rows that conflicted with the source. They are
	// moved onto the source row the next time it is read.
	rebase map[table.ID]bool
}

const (
	posAbsent   = -1
	posUnplaced = -2
)

func newPending() pending {
	return pending{
		removed:   orderedmap.New[table.ID, *Item](),
		removedAt: make(map[table.ID]int),
		rebase:    make(map[table.ID]bool),
	}
}

func (p *pending) isModified() bool {
	return p.removed.Len() > 0 || len(p.added) > 0 || len(p.modified) > 0
}

func (p *pending) clear() {
	p.removed = orderedmap.New[table.ID, *Item]()
	p.removedAt = make(map[table.ID]int)
	p.added = nil
	p.modified = nil
	p.rebase = make(map[table.ID]bool)
}

func (p *pending) isRemoved(id table.ID) bool {
	_, ok := p.removed.Get(id)
	return ok
}

func (p *pending) remove(it *Item, pos int, known bool) {
	id := it.row.ID
	p.removed.Set(id, it)
	if known {
		p.removedAt[id] = pos
	}
	p.modified = slices.DeleteFunc(p.modified, func(m *Item) bool { return m.row.ID == id })
	delete(p.rebase, id)
}

func (p *pending) addedIndex(id table.ID) int {
	return slices.IndexFunc(p.added, func(it *Item) bool { return it.row.ID == id })
}

func (p *pending) modifiedItem(id table.ID) *Item {
	i := slices.IndexFunc(p.modified, func(it *Item) bool { return it.row.ID == id })
	if i < 0 {
		return nil
	}
	return p.modified[i]
}

// markModified records it unless it is new, removed or already recorded.
func (p *pending) markModified(it *Item) {
	if it.row.ID.IsTemporary() || p.isRemoved(it.row.ID) || p.modifiedItem(it.row.ID) != nil {
		return
	}
	p.modified = append(p.modified, it)
}

// unchecked returns the removed rows not checked since the last refresh.
func (p *pending) unchecked() []table.ID {
	var out []table.ID
	for pair := p.removed.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := p.removedAt[pair.Key]; !ok {
			out = append(out, pair.Key)
		}
	}
	return out
}

// unplaced reports whether a removed row may be in the source at an unknown
// position.
func (p *pending) unplaced() bool {
	for pair := p.removed.Oldest(); pair != nil; pair = pair.Next() {
		if pos, ok := p.removedAt[pair.Key]; !ok || pos == posUnplaced {
			return true
		}
	}
	return false
}

// present returns the number of removed rows still in the source result.
// Unchecked rows are counted as present.
func (p *pending) present() int {
	n := 0
	for pair := p.removed.Oldest(); pair != nil; pair = pair.Next() {
		if p.removedAt[pair.Key] != posAbsent {
			n++
		}
	}
	return n
}

// removedPositions returns the known server positions of removed rows, in
// ascending order.
func (p *pending) removedPositions() []int {
	var out []int
	for _, pos := range p.removedAt {
		if pos >= 0 {
			out = append(out, pos)
		}
	}
	slices.Sort(out)
	return out
}
