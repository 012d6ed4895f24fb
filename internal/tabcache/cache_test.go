package tabcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maruel/tablecache/internal/table"
	"github.com/maruel/tablecache/internal/table/memtable"
)

func TestNew(t *testing.T) {
	t.Run("invalid options", func(t *testing.T) {
		tbl := newPeople(t, 0, nil)
		tests := []struct {
			name string
			opts Options
		}{
			{"zero page length", Options{CacheRatio: 1}},
			{"zero ratio", Options{PageLength: 1}},
			{"negative overlap", Options{PageLength: 1, CacheRatio: 1, Overlap: -1}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := New(t.Context(), tbl, tt.opts)
				var ce *table.ConfigurationError
				if !errors.As(err, &ce) {
					t.Errorf("New() = %v, want ConfigurationError", err)
				}
			})
		}
	})
	t.Run("defaults", func(t *testing.T) {
		opts := DefaultOptions()
		if err := opts.Validate(); err != nil {
			t.Fatal(err)
		}
		if opts.Overlap != opts.PageLength {
			t.Errorf("Overlap = %d, want %d", opts.Overlap, opts.PageLength)
		}
	})
}

func TestWindow(t *testing.T) {
	t.Run("index 25 loads rows 10 to 40", func(t *testing.T) {
		tbl := newPeople(t, 50, nil)
		c := newCache(t, tbl, nil)
		id, err := c.IDByIndex(t.Context(), 25)
		if err != nil {
			t.Fatal(err)
		}
		if id != table.PersistentID(26) {
			t.Errorf("IDByIndex(25) = %v, want [26]", id)
		}
		if off, limit := tbl.LastRead(); off != 10 || limit != 30 {
			t.Errorf("Results(%d, %d), want Results(10, 30)", off, limit)
		}
		if n := c.page.len(); n != 30 {
			t.Errorf("page holds %d rows, want 30", n)
		}
		reads := tbl.Reads()
		for i := 10; i < 40; i++ {
			if _, err := c.IDByIndex(t.Context(), i); err != nil {
				t.Fatal(err)
			}
		}
		if tbl.Reads() != reads {
			t.Error("indexes inside the window should not hit the source")
		}
	})

	t.Run("page stays bounded", func(t *testing.T) {
		tests := []struct{ pageLength, ratio, overlap int }{
			{1, 1, 0},
			{3, 2, 1},
			{7, 3, 5},
			{10, 1, 10},
		}
		for _, tt := range tests {
			tbl := newPeople(t, 40, nil)
			c := newCache(t, tbl, func(o *Options) {
				o.PageLength, o.CacheRatio, o.Overlap = tt.pageLength, tt.ratio, tt.overlap
			})
			limit := tt.pageLength*tt.ratio + tt.overlap
			for _, i := range []int{0, 39, 17, 3, 25, 38, 1} {
				if _, err := c.IDByIndex(t.Context(), i); err != nil {
					t.Fatal(err)
				}
				if n := c.page.len(); n > limit {
					t.Errorf("P=%d R=%d O=%d: page holds %d rows, limit %d", tt.pageLength, tt.ratio, tt.overlap, n, limit)
				}
			}
		}
	})

	t.Run("failed load leaves window empty", func(t *testing.T) {
		tbl := newPeople(t, 20, nil)
		c := newCache(t, tbl, nil)
		boom := errors.New("boom")
		tbl.InjectError(memtable.OpResults, boom)
		_, err := c.IDByIndex(t.Context(), 5)
		var te *table.TransportError
		if !errors.As(err, &te) || !errors.Is(err, boom) {
			t.Fatalf("IDByIndex() = %v, want TransportError wrapping boom", err)
		}
		if c.page.len() != 0 || c.index.length != 0 {
			t.Error("window should be empty after a failed load")
		}
		if _, err := c.IDByIndex(t.Context(), 5); err != nil {
			t.Errorf("retry failed: %v", err)
		}
	})

	t.Run("cursor failure mid-read leaves window empty", func(t *testing.T) {
		tbl := newPeople(t, 20, nil)
		boom := errors.New("cursor broke")
		c := newCache(t, &brokenCursor{Table: tbl, err: boom}, nil)
		if _, err := c.IDByIndex(t.Context(), 0); !errors.Is(err, boom) {
			t.Fatalf("IDByIndex() = %v, want %v", err, boom)
		}
		if c.page.len() != 0 || c.index.length != 0 {
			t.Errorf("window holds %d rows after a failed load", c.page.len())
		}
	})

	t.Run("source that cannot page", func(t *testing.T) {
		tbl := newPeople(t, 25, func(o *memtable.Options) { o.NoPaging = true })
		c := newCache(t, tbl, nil)
		id, err := c.IDByIndex(t.Context(), 20)
		if err != nil || id != table.PersistentID(21) {
			t.Fatalf("IDByIndex(20) = %v, %v", id, err)
		}
		if c.PageLength() != 25 || c.page.len() != 25 {
			t.Errorf("PageLength() = %d, page = %d; want whole result", c.PageLength(), c.page.len())
		}
		if err := c.SetPageLength(10); err != nil {
			t.Fatal(err)
		}
		if c.PageLength() != 10 {
			t.Errorf("PageLength() = %d, want 10", c.PageLength())
		}
		if err := c.SetPageLength(0); err == nil {
			t.Error("SetPageLength(0) should fail")
		}
	})
}

func TestIndexes(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		tbl := newPeople(t, 45, nil)
		c := newCache(t, tbl, func(o *Options) { o.PageLength, o.CacheRatio, o.Overlap = 5, 2, 3 })
		if err := c.AddFilter(table.Filter{Column: "n", Operator: table.FilterOpGreaterEqual, Value: 5}); err != nil {
			t.Fatal(err)
		}
		if err := c.Sort(table.Sort{Column: "name", Direction: table.SortDesc}); err != nil {
			t.Fatal(err)
		}
		size := mustSize(t, c)
		if size != 40 {
			t.Fatalf("Size() = %d, want 40", size)
		}
		ids := make([]table.ID, size)
		for i := range size {
			id, err := c.IDByIndex(t.Context(), i)
			if err != nil {
				t.Fatal(err)
			}
			ids[i] = id
			if got, err := c.IndexOfID(t.Context(), id); err != nil || got != i {
				t.Fatalf("IndexOfID(%v) = %d, %v; want %d", id, got, err, i)
			}
		}
		if ids[0] != table.PersistentID(45) {
			t.Errorf("first row = %v, want [45]", ids[0])
		}
		// Walk backwards so that most lookups miss the current window.
		for i := size - 1; i >= 0; i-- {
			if got, err := c.IndexOfID(t.Context(), ids[i]); err != nil || got != i {
				t.Fatalf("IndexOfID(%v) = %d, %v; want %d", ids[i], got, err, i)
			}
		}
		if _, err := c.IndexOfID(t.Context(), table.PersistentID(1)); !errors.Is(err, table.ErrNotFound) {
			t.Errorf("IndexOfID(filtered out) = %v, want ErrNotFound", err)
		}
	})

	t.Run("buffered removals are skipped", func(t *testing.T) {
		tbl := newPeople(t, 30, nil)
		c := newCache(t, tbl, func(o *Options) { o.PageLength, o.CacheRatio, o.Overlap = 4, 1, 2 })
		for _, id := range []table.ID{table.PersistentID(3), table.PersistentID(27)} {
			if ok, err := c.RemoveItem(t.Context(), id); !ok || err != nil {
				t.Fatalf("RemoveItem(%v) = %v, %v", id, ok, err)
			}
		}
		// Forget positions so that they are resolved again by scanning.
		c.Refresh()
		if got := mustSize(t, c); got != 28 {
			t.Fatalf("Size() = %d, want 28", got)
		}
		want := 0
		for i := range 28 {
			want++
			if want == 3 || want == 27 {
				want++
			}
			id, err := c.IDByIndex(t.Context(), i)
			if err != nil {
				t.Fatal(err)
			}
			if id != table.PersistentID(want) {
				t.Fatalf("IDByIndex(%d) = %v, want [%d]", i, id, want)
			}
			if got, err := c.IndexOfID(t.Context(), id); err != nil || got != i {
				t.Fatalf("IndexOfID(%v) = %d, %v; want %d", id, got, err, i)
			}
		}
		if _, err := c.IndexOfID(t.Context(), table.PersistentID(3)); !errors.Is(err, table.ErrNotFound) {
			t.Errorf("IndexOfID(removed) = %v, want ErrNotFound", err)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		c := newCache(t, newPeople(t, 3, nil), nil)
		for _, i := range []int{-1, 3, 100} {
			if _, err := c.IDByIndex(t.Context(), i); !errors.Is(err, table.ErrIndexOutOfRange) {
				t.Errorf("IDByIndex(%d) = %v, want ErrIndexOutOfRange", i, err)
			}
		}
	})

	t.Run("added rows come last", func(t *testing.T) {
		c := newCache(t, newPeople(t, 3, nil), nil)
		tmp, err := c.AddItem(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if id, err := c.IDByIndex(t.Context(), 3); err != nil || id != tmp {
			t.Errorf("IDByIndex(3) = %v, %v; want %v", id, err, tmp)
		}
		if i, err := c.IndexOfID(t.Context(), tmp); err != nil || i != 3 {
			t.Errorf("IndexOfID(tmp) = %d, %v; want 3", i, err)
		}
	})
}

func TestSize(t *testing.T) {
	t.Run("combines buffered changes", func(t *testing.T) {
		tbl := newPeople(t, 20, nil)
		c := newCache(t, tbl, nil)
		if ok, err := c.RemoveItem(t.Context(), table.PersistentID(4)); !ok || err != nil {
			t.Fatalf("RemoveItem() = %v, %v", ok, err)
		}
		for _, n := range []int{5, 50} {
			tmp, err := c.AddItem(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			if err := mustItem(t, c, tmp).Set(t.Context(), "n", n); err != nil {
				t.Fatal(err)
			}
		}
		if got := mustSize(t, c); got != 21 {
			t.Errorf("Size() = %d, want 21", got)
		}
		if err := c.AddFilter(table.Filter{Column: "n", Operator: table.FilterOpLessThan, Value: 10}); err != nil {
			t.Fatal(err)
		}
		// 10 source rows, one buffered insert passing the filter, one removal.
		if got := mustSize(t, c); got != 10 {
			t.Errorf("Size() = %d, want 10", got)
		}
		last, err := c.IDByIndex(t.Context(), 9)
		if err != nil {
			t.Fatal(err)
		}
		if !last.IsTemporary() || mustItem(t, c, last).Get("n") != int64(5) {
			t.Errorf("IDByIndex(9) = %v, want the buffered row with n=5", last)
		}
	})

	t.Run("refresh with buffered removals does not read rows", func(t *testing.T) {
		tbl := newPeople(t, 100, nil)
		c := newCache(t, tbl, nil)
		if ok, err := c.RemoveItem(t.Context(), table.PersistentID(70)); !ok || err != nil {
			t.Fatalf("RemoveItem() = %v, %v", ok, err)
		}
		tbl.Delete(table.PersistentID(90))
		c.Refresh()
		reads := tbl.Reads()
		if got := mustSize(t, c); got != 98 {
			t.Errorf("Size() = %d, want 98", got)
		}
		if tbl.Reads() != reads {
			t.Errorf("Size() read %d windows", tbl.Reads()-reads)
		}
		id, err := c.IDByIndex(t.Context(), 69)
		if err != nil {
			t.Fatal(err)
		}
		if id != table.PersistentID(71) {
			t.Errorf("IDByIndex(69) = %v, want [71]", id)
		}
		if i, err := c.IndexOfID(t.Context(), table.PersistentID(91)); err != nil || i != 88 {
			t.Errorf("IndexOfID([91]) = %d, %v, want 88", i, err)
		}
	})

	t.Run("count is trusted for its validity", func(t *testing.T) {
		tbl := newPeople(t, 5, nil)
		now := time.Unix(1000, 0)
		rec := &recorder{}
		c := newCache(t, tbl, func(o *Options) { o.Clock = func() time.Time { return now } })
		c.AddObserver(rec)
		if _, err := c.IDByIndex(t.Context(), 0); err != nil {
			t.Fatal(err)
		}
		if _, err := tbl.Insert(map[string]any{"name": "late"}); err != nil {
			t.Fatal(err)
		}
		if got := mustSize(t, c); got != 5 {
			t.Errorf("Size() = %d, want cached 5", got)
		}
		now = now.Add(11 * time.Second)
		if got := mustSize(t, c); got != 6 {
			t.Errorf("Size() = %d, want 6", got)
		}
		if rec.sets != 1 {
			t.Errorf("item set changed %d times, want 1", rec.sets)
		}
		if c.index.length != 0 {
			t.Error("a changed count should discard the window")
		}
	})

	t.Run("source that cannot filter or sort", func(t *testing.T) {
		tbl := newPeople(t, 8, func(o *memtable.Options) { o.NoFiltering, o.NoSorting = true, true })
		c := newCache(t, tbl, nil)
		if err := c.AddFilter(table.Equals("name", "p01")); err != nil {
			t.Fatalf("AddFilter() = %v", err)
		}
		if err := c.Sort(table.Sort{Column: "name", Direction: table.SortDesc}); err != nil {
			t.Fatalf("Sort() = %v", err)
		}
		if got := mustSize(t, c); got != 8 {
			t.Errorf("Size() = %d, want unfiltered 8", got)
		}
		if _, err := c.AddItem(t.Context()); err != nil {
			t.Fatal(err)
		}
		if got := mustSize(t, c); got != 8 {
			t.Errorf("Size() = %d, buffered rows must still be filtered", got)
		}
		if id, _ := c.FirstID(t.Context()); id != table.PersistentID(1) {
			t.Errorf("FirstID() = %v, want source order", id)
		}
	})
}

func TestItem(t *testing.T) {
	t.Run("lookup", func(t *testing.T) {
		tbl := newPeople(t, 60, nil)
		c := newCache(t, tbl, nil)
		it := mustItem(t, c, table.PersistentID(55))
		if it.Get("name") != "p54" {
			t.Errorf("name = %v, want p54", it.Get("name"))
		}
		if _, err := c.Item(t.Context(), table.PersistentID(99)); !errors.Is(err, table.ErrNotFound) {
			t.Errorf("Item(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("buffered insert must pass filters", func(t *testing.T) {
		c := newCache(t, newPeople(t, 3, nil), nil)
		tmp, err := c.AddItem(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if err := c.AddFilter(table.Filter{Column: "name", Operator: table.FilterOpIsNotEmpty}); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Item(t.Context(), tmp); !errors.Is(err, table.ErrNotFound) {
			t.Errorf("Item(filtered) = %v, want ErrNotFound", err)
		}
	})

	t.Run("Set validation", func(t *testing.T) {
		c := newCache(t, newPeople(t, 1, nil), nil)
		it := mustItem(t, c, table.PersistentID(1))
		tests := []struct {
			name   string
			column string
			value  any
			check  func(error) bool
		}{
			{"read-only", "version", 3, func(err error) bool { return errors.Is(err, table.ErrReadOnly) }},
			{"stored key", "id", 7, func(err error) bool { return errors.Is(err, table.ErrReadOnly) }},
			{"nil not nullable", "name", nil, isConfig},
			{"unknown column", "nope", 1, isConfig},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := it.Set(t.Context(), tt.column, tt.value); !tt.check(err) {
					t.Errorf("Set(%q) = %v", tt.column, err)
				}
			})
		}
		if c.IsModified() || it.IsDirty() {
			t.Error("rejected writes must not modify the cache")
		}
	})
}

func TestQuery(t *testing.T) {
	t.Run("unknown columns are rejected", func(t *testing.T) {
		c := newCache(t, newPeople(t, 3, nil), nil)
		if err := c.Sort(table.Sort{Column: "name"}); err != nil {
			t.Fatal(err)
		}
		rec := &recorder{}
		c.AddObserver(rec)
		if err := c.Sort(table.Sort{Column: "nope"}); !isConfig(err) {
			t.Errorf("Sort(nope) = %v, want ConfigurationError", err)
		}
		if err := c.Sort(table.Sort{Column: "name", Direction: "sideways"}); !isConfig(err) {
			t.Errorf("Sort(sideways) = %v, want ConfigurationError", err)
		}
		if s := c.Sorts(); len(s) != 1 || s[0].Column != "name" {
			t.Errorf("Sorts() = %v, want unchanged", s)
		}
		if err := c.AddFilter(table.Filter{Or: []table.Filter{table.Equals("nope", 1)}}); !isConfig(err) {
			t.Errorf("AddFilter(nope) = %v, want ConfigurationError", err)
		}
		if len(c.Filters()) != 0 {
			t.Error("Filters() should be empty")
		}
		if rec.sets != 0 {
			t.Error("rejected changes must not refresh")
		}
	})

	t.Run("filter lifecycle", func(t *testing.T) {
		c := newCache(t, newPeople(t, 10, nil), nil)
		rec := &recorder{}
		c.AddObserver(rec)
		f := table.Filter{Column: "n", Operator: table.FilterOpLessThan, Value: 4}
		if err := c.AddFilter(f); err != nil {
			t.Fatal(err)
		}
		if got := mustSize(t, c); got != 4 {
			t.Errorf("Size() = %d, want 4", got)
		}
		if !c.RemoveFilter(table.Filter{Column: "n", Operator: table.FilterOpLessThan, Value: int64(4)}) {
			t.Error("RemoveFilter() = false")
		}
		if c.RemoveFilter(f) {
			t.Error("second RemoveFilter() = true")
		}
		if got := mustSize(t, c); got != 10 {
			t.Errorf("Size() = %d, want 10", got)
		}
		if err := c.Sort(table.Sort{Column: "n", Direction: table.SortDesc}); err != nil {
			t.Fatal(err)
		}
		if id, _ := c.FirstID(t.Context()); id != table.PersistentID(10) {
			t.Errorf("FirstID() = %v, want [10]", id)
		}
		if err := c.Sort(); err != nil {
			t.Fatal(err)
		}
		if id, _ := c.FirstID(t.Context()); id != table.PersistentID(1) {
			t.Errorf("FirstID() after clearing sort = %v, want [1]", id)
		}
		if rec.sets != 4 {
			t.Errorf("item set changed %d times, want 4", rec.sets)
		}
	})
}

func TestNavigation(t *testing.T) {
	c := newCache(t, newPeople(t, 3, nil), nil)
	ctx := t.Context()
	id1, id2, id3 := table.PersistentID(1), table.PersistentID(2), table.PersistentID(3)
	if got, _ := c.FirstID(ctx); got != id1 {
		t.Errorf("FirstID() = %v", got)
	}
	if got, _ := c.LastID(ctx); got != id3 {
		t.Errorf("LastID() = %v", got)
	}
	if got, _ := c.NextID(ctx, id1); got != id2 {
		t.Errorf("NextID(1) = %v", got)
	}
	if got, _ := c.PrevID(ctx, id3); got != id2 {
		t.Errorf("PrevID(3) = %v", got)
	}
	if _, err := c.PrevID(ctx, id1); !errors.Is(err, table.ErrNotFound) {
		t.Errorf("PrevID(first) = %v, want ErrNotFound", err)
	}
	if _, err := c.NextID(ctx, id3); !errors.Is(err, table.ErrNotFound) {
		t.Errorf("NextID(last) = %v, want ErrNotFound", err)
	}
	if ok, _ := c.IsFirstID(ctx, id1); !ok {
		t.Error("IsFirstID(1) = false")
	}
	if ok, _ := c.IsLastID(ctx, id1); ok {
		t.Error("IsLastID(1) = true")
	}
	if ok, err := c.RemoveItem(ctx, id2); !ok || err != nil {
		t.Fatal(err)
	}
	tmp, err := c.AddItem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := c.IDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != id1 || ids[1] != id3 || ids[2] != tmp {
		t.Errorf("IDs() = %v, want [1] [3] %v", ids, tmp)
	}

	empty := newCache(t, newPeople(t, 0, nil), nil)
	if _, err := empty.FirstID(ctx); !errors.Is(err, table.ErrNotFound) {
		t.Errorf("FirstID() on empty = %v, want ErrNotFound", err)
	}
}

func TestContainsID(t *testing.T) {
	c := newCache(t, newPeople(t, 5, nil), nil)
	id := table.PersistentID(2)
	if ok, err := c.ContainsID(t.Context(), id); !ok || err != nil {
		t.Fatalf("ContainsID() = %v, %v", ok, err)
	}
	if ok, err := c.RemoveItem(t.Context(), id); !ok || err != nil {
		t.Fatalf("RemoveItem() = %v, %v", ok, err)
	}
	if ok, _ := c.ContainsID(t.Context(), id); ok {
		t.Error("ContainsID() after RemoveItem = true")
	}
	if ok, _ := c.RemoveItem(t.Context(), id); ok {
		t.Error("removing twice should report false")
	}
	c.Rollback()
	if ok, _ := c.ContainsID(t.Context(), id); !ok {
		t.Error("ContainsID() after Rollback = false")
	}
	if ok, _ := c.ContainsID(t.Context(), table.PersistentID(42)); ok {
		t.Error("ContainsID(unknown) = true")
	}
	if ok, _ := c.RemoveItem(t.Context(), table.PersistentID(42)); ok {
		t.Error("RemoveItem(unknown) = true")
	}
}

func TestPositionalSource(t *testing.T) {
	tbl, err := memtable.New(memtable.Options{Name: "log", Columns: []table.Column{{Name: "line", Type: table.ColumnTypeText}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Load([]*table.Row{{Values: map[string]any{"line": "a"}}, {Values: map[string]any{"line": "b"}}}); err != nil {
		t.Fatal(err)
	}
	c := newCache(t, tbl, nil)
	id, err := c.IDByIndex(t.Context(), 1)
	if err != nil || id != table.PositionID(2) {
		t.Fatalf("IDByIndex(1) = %v, %v; want #2", id, err)
	}
	if mustItem(t, c, id).Get("line") != "b" {
		t.Error("wrong row")
	}
	if _, err := c.AddItem(t.Context()); !isConfig(err) {
		t.Errorf("AddItem() on keyless source = %v, want ConfigurationError", err)
	}
}

func isConfig(err error) bool {
	var ce *table.ConfigurationError
	return errors.As(err, &ce)
}

// brokenCursor returns rows that fail after the first one.
type brokenCursor struct {
	*memtable.Table
	err error
}

func (b *brokenCursor) Results(ctx context.Context, offset, limit int) (table.Rows, error) {
	rows, err := b.Table.Results(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	return &failingRows{Rows: rows, err: b.err}, nil
}

type failingRows struct {
	table.Rows
	n   int
	err error
}

func (f *failingRows) Next() bool {
	if f.n == 1 {
		return false
	}
	f.n++
	return f.Rows.Next()
}

func (f *failingRows) Err() error {
	return f.err
}
