package tabcache

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/maruel/tablecache/internal/table"
	"github.com/maruel/tablecache/internal/table/memtable"
)

func peopleColumns() []table.Column {
	return []table.Column{
		{Name: "id", Type: table.ColumnTypeNumber, PrimaryKey: true, Persistent: true},
		{Name: "name", Type: table.ColumnTypeText, Persistent: true},
		{Name: "n", Type: table.ColumnTypeNumber, Nullable: true, Persistent: true},
		{Name: "version", Type: table.ColumnTypeNumber, ReadOnly: true, Nullable: true},
	}
}

// newPeople returns a table of n rows with id i+1, name "pNN" and n i.
func newPeople(t *testing.T, n int, mod func(*memtable.Options)) *memtable.Table {
	t.Helper()
	opts := memtable.Options{
		Name:          "people",
		Columns:       peopleColumns(),
		KeyColumns:    []string{"id"},
		AutoIncrement: true,
	}
	if mod != nil {
		mod(&opts)
	}
	tbl, err := memtable.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := range n {
		if _, err := tbl.Insert(map[string]any{"name": fmt.Sprintf("p%02d", i), "n": i}); err != nil {
			t.Fatal(err)
		}
	}
	return tbl
}

func newCache(t *testing.T, gw table.Gateway, mod func(*Options)) *Cache {
	t.Helper()
	opts := Options{
		PageLength:   10,
		CacheRatio:   2,
		Overlap:      10,
		SizeValidity: DefaultSizeValidity,
		Registry:     NewRegistry(),
		Logger:       slog.New(slog.DiscardHandler),
	}
	if mod != nil {
		mod(&opts)
	}
	c, err := New(t.Context(), gw, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

type recorder struct {
	sets    int
	changes [][2]table.ID
	onSet   func()
}

func (r *recorder) OnItemSetChanged(*Cache) {
	r.sets++
	if r.onSet != nil {
		r.onSet()
	}
}

func (r *recorder) OnRowIDChanged(_ *Cache, prev, curr table.ID) {
	r.changes = append(r.changes, [2]table.ID{prev, curr})
}

func mustItem(t *testing.T, c *Cache, id table.ID) *Item {
	t.Helper()
	it, err := c.Item(t.Context(), id)
	if err != nil {
		t.Fatalf("Item(%v) failed: %v", id, err)
	}
	return it
}

func mustSize(t *testing.T, c *Cache) int {
	t.Helper()
	n, err := c.Size(t.Context())
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	return n
}
