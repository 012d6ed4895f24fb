package tabcache

import (
	"errors"
	"testing"

	"github.com/maruel/tablecache/internal/table"
	"github.com/maruel/tablecache/internal/table/memtable"
)

func newDepartments(t *testing.T) *Cache {
	t.Helper()
	tbl, err := memtable.New(memtable.Options{
		Name: "departments",
		Columns: []table.Column{
			{Name: "id", Type: table.ColumnTypeNumber, PrimaryKey: true},
			{Name: "title", Type: table.ColumnTypeText},
		},
		KeyColumns:    []string{"id"},
		AutoIncrement: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, title := range []string{"eng", "ops"} {
		if _, err := tbl.Insert(map[string]any{"title": title}); err != nil {
			t.Fatal(err)
		}
	}
	return newCache(t, tbl, nil)
}

func TestReference(t *testing.T) {
	t.Run("AddReference validation", func(t *testing.T) {
		people := newCache(t, newPeople(t, 2, nil), nil)
		depts := newDepartments(t)
		if err := people.AddReference(nil, "n", "id"); !isConfig(err) {
			t.Errorf("AddReference(nil) = %v", err)
		}
		if err := people.AddReference(depts, "nope", "id"); !isConfig(err) {
			t.Errorf("AddReference(unknown local) = %v", err)
		}
		if err := people.AddReference(depts, "n", "nope"); !isConfig(err) {
			t.Errorf("AddReference(unknown target) = %v", err)
		}
		if err := people.AddReference(depts, "n", "id"); err != nil {
			t.Fatal(err)
		}
		if err := people.AddReference(depts, "n", "id"); !isConfig(err) {
			t.Errorf("duplicate AddReference() = %v", err)
		}
		if refs := people.References(); len(refs) != 1 || refs[0].Target != depts {
			t.Errorf("References() = %v", refs)
		}
		if !people.RemoveReference(depts) || people.RemoveReference(depts) {
			t.Error("RemoveReference() should succeed once")
		}
		if _, err := people.ReferencedItemID(t.Context(), table.PersistentID(1), depts); !isConfig(err) {
			t.Errorf("ReferencedItemID() without reference = %v", err)
		}
	})

	t.Run("lookup restores target filters", func(t *testing.T) {
		// Row n values are 0 and 1; department ids are 1 and 2.
		people := newCache(t, newPeople(t, 2, nil), nil)
		depts := newDepartments(t)
		if err := people.AddReference(depts, "n", "id"); err != nil {
			t.Fatal(err)
		}
		f := table.Filter{Column: "title", Operator: table.FilterOpContains, Value: "o"}
		if err := depts.AddFilter(f); err != nil {
			t.Fatal(err)
		}
		id, err := people.ReferencedItemID(t.Context(), table.PersistentID(2), depts)
		if err != nil || id != table.PersistentID(1) {
			t.Errorf("ReferencedItemID() = %v, %v; want [1]", id, err)
		}
		if got := depts.Filters(); len(got) != 1 || !got[0].Equal(&f) {
			t.Errorf("Filters() = %v, want restored", got)
		}
		if _, err := people.ReferencedItemID(t.Context(), table.PersistentID(1), depts); !errors.Is(err, table.ErrNotFound) {
			t.Errorf("ReferencedItemID(dangling) = %v, want ErrNotFound", err)
		}
	})

	t.Run("SetReferencedItem", func(t *testing.T) {
		people := newCache(t, newPeople(t, 2, nil), nil)
		depts := newDepartments(t)
		if err := people.AddReference(depts, "n", "id"); err != nil {
			t.Fatal(err)
		}
		local := table.PersistentID(1)
		if err := people.SetReferencedItem(t.Context(), local, table.PersistentID(2), depts); err != nil {
			t.Fatal(err)
		}
		if !people.IsModified() {
			t.Error("IsModified() = false")
		}
		it, err := people.ReferencedItem(t.Context(), local, depts)
		if err != nil {
			t.Fatal(err)
		}
		if it.Get("title") != "ops" {
			t.Errorf("title = %v, want ops", it.Get("title"))
		}
	})

	t.Run("nested lookup is rejected", func(t *testing.T) {
		people := newCache(t, newPeople(t, 3, nil), nil)
		depts := newDepartments(t)
		if err := people.AddReference(depts, "n", "id"); err != nil {
			t.Fatal(err)
		}
		var nested error
		armed := true
		rec := &recorder{}
		rec.onSet = func() {
			if armed {
				armed = false
				_, nested = people.ReferencedItemID(t.Context(), table.PersistentID(3), depts)
			}
		}
		depts.AddObserver(rec)
		if _, err := people.ReferencedItemID(t.Context(), table.PersistentID(2), depts); err != nil {
			t.Fatal(err)
		}
		if !errors.Is(nested, table.ErrReentrantLookup) {
			t.Errorf("nested lookup = %v, want ErrReentrantLookup", nested)
		}
		if len(depts.Filters()) != 0 {
			t.Error("filters were not restored")
		}
	})
}
