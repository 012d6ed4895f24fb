// Provides the cache, its window management and its read operations.

package tabcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/maruel/tablecache/internal/table"
)

// Cache is a paginated read-through cache over a table.Gateway.
type Cache struct {
	gw       table.Gateway
	name     string
	log      *slog.Logger
	now      func() time.Time
	registry *Registry

	columns    []table.Column
	colIndex   map[string]int
	keyColumns []string

	pageLength   int
	cacheRatio   int
	overlap      int
	sizeValidity time.Duration
	autoCommit   bool
	notify       bool
	// fullLoad is set once the source is found to ignore paging. pageLength
	// is then the size of the whole result.
	fullLoad bool

	page  *pageCache
	index indexMap
	pend  pending

	filters    []table.Filter
	sorts      []table.Sort
	queryDirty bool
	warnFilter rate.Sometimes
	warnSort   rate.Sometimes

	count     int
	haveCount bool
	countAt   time.Time

	refs      []*Reference
	inLookup  bool
	observers []Observer

	// stale is set by the registry from any goroutine.
	stale atomic.Bool
}

// New returns a cache over gw.
func New(ctx context.Context, gw table.Gateway, opts Options) (*Cache, error) {
	if gw == nil {
		return nil, table.Configf("gateway is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := opts.withDefaults()
	cols, err := gw.Columns(ctx)
	if err != nil {
		return nil, &table.TransportError{Op: "columns", Err: err}
	}
	c := &Cache{
		gw:           gw,
		name:         gw.Name(),
		log:          o.Logger.With("source", gw.Name()),
		now:          o.Clock,
		registry:     o.Registry,
		columns:      slices.Clone(cols),
		colIndex:     make(map[string]int, len(cols)),
		keyColumns:   gw.PrimaryKeyColumns(),
		pageLength:   o.PageLength,
		cacheRatio:   o.CacheRatio,
		overlap:      o.Overlap,
		sizeValidity: o.SizeValidity,
		autoCommit:   o.AutoCommit,
		notify:       o.Notifications,
		pend:         newPending(),
		queryDirty:   true,
		warnFilter:   rate.Sometimes{First: 1, Interval: time.Minute},
		warnSort:     rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for i, col := range c.columns {
		c.colIndex[col.Name] = i
	}
	for _, k := range c.keyColumns {
		if _, ok := c.colIndex[k]; !ok {
			return nil, table.Configf("key column %q is not a column of %s", k, c.name)
		}
	}
	c.page = newPageCache(c.windowLength())
	c.index.reset(0)
	if c.notify {
		c.registry.Register(c)
	}
	return c, nil
}

// Close unregisters the cache from its registry. Pending changes are
// discarded.
func (c *Cache) Close() {
	if c.notify {
		c.registry.Unregister(c)
	}
	c.pend.clear()
	c.invalidate(true)
}

// Name returns the source name.
func (c *Cache) Name() string {
	return c.name
}

// Columns returns the column descriptors.
func (c *Cache) Columns() []table.Column {
	return slices.Clone(c.columns)
}

// IsModified reports whether there are buffered changes.
func (c *Cache) IsModified() bool {
	return c.pend.isModified()
}

// PageLength returns the current page length.
func (c *Cache) PageLength() int {
	return c.pageLength
}

// SetPageLength changes the page length and discards the window. It also
// re-enables paging if the source was found to ignore it.
func (c *Cache) SetPageLength(n int) error {
	if n <= 0 {
		return table.Configf("page length must be positive, got %d", n)
	}
	c.sync()
	c.pageLength = n
	c.fullLoad = false
	c.page.setLimit(c.windowLength())
	c.invalidate(false)
	return nil
}

// AutoCommit reports whether mutations are written through immediately.
func (c *Cache) AutoCommit() bool {
	return c.autoCommit
}

// SetAutoCommit switches between write-through and buffered mode. Enabling
// write-through requires no buffered changes.
func (c *Cache) SetAutoCommit(on bool) error {
	if on && c.pend.isModified() {
		return table.Configf("cannot enable auto-commit with uncommitted changes")
	}
	c.autoCommit = on
	return nil
}

// Refresh discards the materialized window and marks the row count stale.
// Buffered changes are kept.
func (c *Cache) Refresh() {
	c.stale.Store(false)
	c.invalidate(true)
	c.fireItemSetChanged()
}

// Invalidate marks the cache stale. The refresh happens at the start of the
// next operation. Safe for concurrent use.
func (c *Cache) Invalidate() {
	c.stale.Store(true)
}

// sync applies a pending invalidation.
func (c *Cache) sync() {
	if c.stale.CompareAndSwap(true, false) {
		c.log.Debug("Refreshing after external change")
		c.invalidate(true)
		c.fireItemSetChanged()
	}
}

// invalidate drops the window and the count. If positions is set, the server
// positions of removed rows are forgotten too.
func (c *Cache) invalidate(positions bool) {
	c.page.clear()
	c.index.reset(0)
	c.haveCount = false
	if positions {
		clear(c.pend.removedAt)
	}
}

func (c *Cache) windowLength() int {
	return c.pageLength*c.cacheRatio + c.overlap
}

func (c *Cache) column(name string) (*table.Column, error) {
	i, ok := c.colIndex[name]
	if !ok {
		return nil, table.Configf("unknown column %q", name)
	}
	return &c.columns[i], nil
}

// pushQuery sends filters and sorts to the source if they changed.
func (c *Cache) pushQuery(ctx context.Context) error {
	if !c.queryDirty {
		return nil
	}
	if err := c.gw.SetFilters(c.filters); err != nil {
		if !errors.Is(err, table.ErrUnsupported) {
			return &table.TransportError{Op: "set filters", Err: err}
		}
		if len(c.filters) > 0 {
			c.warnFilter.Do(func() {
				c.log.WarnContext(ctx, "Source cannot filter; results are unfiltered")
			})
		}
	}
	if err := c.gw.SetOrderBy(c.sorts); err != nil {
		if !errors.Is(err, table.ErrUnsupported) {
			return &table.TransportError{Op: "set order", Err: err}
		}
		if len(c.sorts) > 0 {
			c.warnSort.Do(func() {
				c.log.WarnContext(ctx, "Source cannot sort; results are unsorted")
			})
		}
	}
	c.queryDirty = false
	return nil
}

// updateCount refreshes the server row count if stale. A changed count
// discards the window.
func (c *Cache) updateCount(ctx context.Context) error {
	if c.haveCount && c.now().Sub(c.countAt) < c.sizeValidity {
		return nil
	}
	if err := c.pushQuery(ctx); err != nil {
		return err
	}
	n, err := c.gw.Count(ctx)
	if err != nil {
		return &table.TransportError{Op: "count", Err: err}
	}
	changed := n != c.count && c.index.length > 0
	c.count = n
	c.haveCount = true
	c.countAt = c.now()
	if changed {
		c.log.DebugContext(ctx, "Row count changed", "count", n)
		c.invalidate(true)
		c.haveCount = true
		c.fireItemSetChanged()
	}
	return nil
}

// loadWindow replaces the window with rows read from offset. On failure the
// window is left empty.
func (c *Cache) loadWindow(ctx context.Context, offset int) error {
	if err := c.pushQuery(ctx); err != nil {
		return err
	}
	full := !c.gw.RespectsPagingLimits()
	length := c.windowLength()
	if full {
		offset, length = 0, 0
		c.page.setLimit(0)
	}
	c.page.clear()
	c.index.reset(offset)
	rows, err := c.gw.Results(ctx, offset, length)
	if err != nil {
		return &table.TransportError{Op: "results", Err: err}
	}
	n, err := c.readWindow(rows, offset, length)
	if cerr := rows.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		c.page.clear()
		c.index.reset(offset)
		return &table.TransportError{Op: "results", Err: err}
	}
	c.index.length = n
	if full {
		if !c.fullLoad {
			c.log.WarnContext(ctx, "Source ignores paging; loading every row", "rows", n)
		}
		c.fullLoad = true
		c.pageLength = max(n, 1)
		c.page.setLimit(c.windowLength())
	}
	c.log.DebugContext(ctx, "Loaded window", "offset", offset, "rows", n)
	return nil
}

func (c *Cache) readWindow(rows table.Rows, offset, length int) (int, error) {
	n := 0
	for rows.Next() {
		if length > 0 && n >= length {
			break
		}
		r := rows.Row()
		pos := offset + n
		n++
		if r.ID.IsZero() {
			r.ID = table.IdentityFor(r.Values, c.keyColumns, int64(pos+1))
		}
		if c.pend.isRemoved(r.ID) {
			c.pend.removedAt[r.ID] = pos
			continue
		}
		it := c.pend.modifiedItem(r.ID)
		switch {
		case it == nil:
			it = newItem(c, r)
		case c.pend.rebase[r.ID]:
			it.rebase(r)
			delete(c.pend.rebase, r.ID)
		}
		c.index.set(pos, r.ID)
		c.page.put(r.ID, it)
	}
	return n, rows.Err()
}

// loadAround loads the window holding server position pos.
func (c *Cache) loadAround(ctx context.Context, pos int) error {
	offset := max(0, (pos/c.pageLength)*c.pageLength-c.overlap)
	return c.loadWindow(ctx, offset)
}

// checkRemoved finds out which removed rows are still in the source result
// without reading it.
func (c *Cache) checkRemoved(ctx context.Context) error {
	ids := c.pend.unchecked()
	if len(ids) == 0 {
		return nil
	}
	if err := c.pushQuery(ctx); err != nil {
		return err
	}
	for _, id := range ids {
		switch id.Kind() {
		case table.KindPersistent:
			ok, err := c.gw.ContainsRowWithKey(ctx, id.Values()...)
			if err != nil {
				return &table.TransportError{Op: "contains", Err: err}
			}
			if ok {
				c.pend.removedAt[id] = posUnplaced
			} else {
				c.pend.removedAt[id] = posAbsent
			}
		case table.KindPosition:
			if pos := int(id.Position()) - 1; pos >= 0 && pos < c.count {
				c.pend.removedAt[id] = pos
			} else {
				c.pend.removedAt[id] = posAbsent
			}
		default:
			c.pend.removedAt[id] = posAbsent
		}
	}
	return nil
}

// placeRemoved finds the server positions of removed rows that are present
// at an unknown position. It reads the source window by window until every
// such row is found.
func (c *Cache) placeRemoved(ctx context.Context) error {
	if !c.pend.unplaced() {
		return nil
	}
	total := c.count
	for offset := 0; offset < total && c.pend.unplaced(); {
		if err := c.loadWindow(ctx, offset); err != nil {
			return err
		}
		if c.index.length == 0 {
			break
		}
		offset = c.index.offset + c.index.length
	}
	for pair := c.pend.removed.Oldest(); pair != nil; pair = pair.Next() {
		if pos, ok := c.pend.removedAt[pair.Key]; !ok || pos == posUnplaced {
			c.pend.removedAt[pair.Key] = posAbsent
		}
	}
	return nil
}

// serverVisible is the number of source rows not buffered for removal.
func (c *Cache) serverVisible() int {
	return max(0, c.count-c.pend.present())
}

// toServer maps a logical index below serverVisible to a server position.
func (c *Cache) toServer(logical int) int {
	pos := logical
	for _, r := range c.pend.removedPositions() {
		if r > pos {
			break
		}
		pos++
	}
	return pos
}

// toLogical maps a server position to a logical index.
func (c *Cache) toLogical(pos int) int {
	n := 0
	for _, r := range c.pend.removedPositions() {
		if r >= pos {
			break
		}
		n++
	}
	return pos - n
}

// visibleAdded returns the buffered inserts matching the filters, in sort
// order.
func (c *Cache) visibleAdded() []*Item {
	var out []*Item
	for _, it := range c.pend.added {
		if table.Match(it.row.Values, c.filters) {
			out = append(out, it)
		}
	}
	if len(c.sorts) > 0 {
		slices.SortStableFunc(out, func(a, b *Item) int {
			return table.CompareValues(a.row.Values, b.row.Values, c.sorts)
		})
	}
	return out
}

func visibleIndex(items []*Item, id table.ID) int {
	return slices.IndexFunc(items, func(it *Item) bool { return it.row.ID == id })
}

// refreshSize brings the count and the presence of removed rows up to date.
func (c *Cache) refreshSize(ctx context.Context) error {
	if err := c.updateCount(ctx); err != nil {
		return err
	}
	return c.checkRemoved(ctx)
}

// Size returns the number of rows visible through the cache: rows of the
// source minus buffered removals plus buffered inserts matching the filters.
func (c *Cache) Size(ctx context.Context) (int, error) {
	c.sync()
	if err := c.refreshSize(ctx); err != nil {
		return 0, err
	}
	return c.serverVisible() + len(c.visibleAdded()), nil
}

// Item returns the row identified by id.
func (c *Cache) Item(ctx context.Context, id table.ID) (*Item, error) {
	c.sync()
	if it, ok := c.page.get(id); ok {
		return it, nil
	}
	if i := c.pend.addedIndex(id); i >= 0 {
		it := c.pend.added[i]
		if !table.Match(it.row.Values, c.filters) {
			return nil, fmt.Errorf("%w: %s", table.ErrNotFound, id)
		}
		return it, nil
	}
	if c.pend.isRemoved(id) || id.IsTemporary() || id.IsZero() {
		return nil, fmt.Errorf("%w: %s", table.ErrNotFound, id)
	}
	idx, err := c.IndexOfID(ctx, id)
	if err != nil {
		return nil, err
	}
	if it, ok := c.page.get(id); ok {
		return it, nil
	}
	if err := c.loadAround(ctx, c.toServer(idx)); err != nil {
		return nil, err
	}
	if it, ok := c.page.get(id); ok {
		return it, nil
	}
	return nil, fmt.Errorf("%w: %s", table.ErrNotFound, id)
}

// IDByIndex returns the identity at the logical index. Indexes past the rows
// of the source resolve to buffered inserts.
func (c *Cache) IDByIndex(ctx context.Context, index int) (table.ID, error) {
	size, err := c.Size(ctx)
	if err != nil {
		return table.ID{}, err
	}
	if index < 0 || index >= size {
		return table.ID{}, fmt.Errorf("%w: %d not in [0, %d)", table.ErrIndexOutOfRange, index, size)
	}
	sv := c.serverVisible()
	if index >= sv {
		return c.visibleAdded()[index-sv].row.ID, nil
	}
	if err := c.placeRemoved(ctx); err != nil {
		return table.ID{}, err
	}
	pos := c.toServer(index)
	if !c.index.contains(pos) {
		if err := c.loadAround(ctx, pos); err != nil {
			return table.ID{}, err
		}
	}
	if id, ok := c.index.id(pos); ok {
		return id, nil
	}
	// The source shrank since it was counted.
	c.haveCount = false
	return table.ID{}, fmt.Errorf("%w: %d", table.ErrIndexOutOfRange, index)
}

// IndexOfID returns the logical index of id.
//
// Rows outside the loaded window are searched for window by window, starting
// after the current one and wrapping around. The scan covers at most the
// number of source rows counted when it started.
func (c *Cache) IndexOfID(ctx context.Context, id table.ID) (int, error) {
	if err := c.refreshSizeSynced(ctx); err != nil {
		return 0, err
	}
	if i := visibleIndex(c.visibleAdded(), id); i >= 0 {
		return c.serverVisible() + i, nil
	}
	if c.pend.isRemoved(id) || id.IsTemporary() || id.IsZero() {
		return 0, fmt.Errorf("%w: %s", table.ErrNotFound, id)
	}
	if err := c.placeRemoved(ctx); err != nil {
		return 0, err
	}
	if pos, ok := c.index.pos(id); ok {
		return c.toLogical(pos), nil
	}
	pos, err := c.scanFor(ctx, id)
	if err != nil {
		return 0, err
	}
	return c.toLogical(pos), nil
}

func (c *Cache) refreshSizeSynced(ctx context.Context) error {
	c.sync()
	return c.refreshSize(ctx)
}

func (c *Cache) scanFor(ctx context.Context, id table.ID) (int, error) {
	total := c.count
	step := c.windowLength()
	offset := 0
	if c.index.length > 0 {
		offset = c.index.offset + step
	}
	visited := 0
	for visited < total {
		if offset >= total {
			offset = 0
		}
		if err := c.loadWindow(ctx, offset); err != nil {
			return 0, err
		}
		if pos, ok := c.index.pos(id); ok {
			return pos, nil
		}
		if c.index.length == 0 {
			if offset == 0 {
				break
			}
			offset = 0
			continue
		}
		visited += c.index.length
		offset = c.index.offset + step
	}
	return 0, fmt.Errorf("%w: %s", table.ErrNotFound, id)
}

// ContainsID reports whether id is part of the logical result.
func (c *Cache) ContainsID(ctx context.Context, id table.ID) (bool, error) {
	c.sync()
	if _, ok := c.page.get(id); ok {
		return true, nil
	}
	if visibleIndex(c.visibleAdded(), id) >= 0 {
		return true, nil
	}
	if c.pend.isRemoved(id) {
		return false, nil
	}
	switch id.Kind() {
	case table.KindPersistent:
		if err := c.pushQuery(ctx); err != nil {
			return false, err
		}
		ok, err := c.gw.ContainsRowWithKey(ctx, id.Values()...)
		if err != nil {
			return false, &table.TransportError{Op: "contains", Err: err}
		}
		return ok, nil
	case table.KindPosition:
		if err := c.updateCount(ctx); err != nil {
			return false, err
		}
		return id.Position() >= 1 && id.Position() <= int64(c.count), nil
	default:
		return false, nil
	}
}

// IDs returns every identity of the logical result in order.
func (c *Cache) IDs(ctx context.Context) ([]table.ID, error) {
	var out []table.ID
	err := c.walk(ctx, func(_ int, it *Item) {
		out = append(out, it.row.ID)
	})
	if err != nil {
		return nil, err
	}
	for _, it := range c.visibleAdded() {
		out = append(out, it.row.ID)
	}
	return out, nil
}

// walk calls fn for every source row not buffered for removal, in order.
func (c *Cache) walk(ctx context.Context, fn func(pos int, it *Item)) error {
	c.sync()
	if err := c.updateCount(ctx); err != nil {
		return err
	}
	total := c.count
	for offset := 0; offset < total; {
		if err := c.loadWindow(ctx, offset); err != nil {
			return err
		}
		if c.index.length == 0 {
			break
		}
		end := c.index.offset + c.index.length
		for pos := c.index.offset; pos < end; pos++ {
			id, ok := c.index.id(pos)
			if !ok {
				continue
			}
			if it, ok := c.page.get(id); ok {
				fn(pos, it)
			}
		}
		offset = end
	}
	return nil
}

// FirstID returns the first identity, or ErrNotFound if the result is empty.
func (c *Cache) FirstID(ctx context.Context) (table.ID, error) {
	return c.idAt(ctx, func(int) int { return 0 })
}

// LastID returns the last identity, or ErrNotFound if the result is empty.
func (c *Cache) LastID(ctx context.Context) (table.ID, error) {
	return c.idAt(ctx, func(size int) int { return size - 1 })
}

// NextID returns the identity following id, or ErrNotFound if id is last.
func (c *Cache) NextID(ctx context.Context, id table.ID) (table.ID, error) {
	i, err := c.IndexOfID(ctx, id)
	if err != nil {
		return table.ID{}, err
	}
	return c.idAt(ctx, func(int) int { return i + 1 })
}

// PrevID returns the identity preceding id, or ErrNotFound if id is first.
func (c *Cache) PrevID(ctx context.Context, id table.ID) (table.ID, error) {
	i, err := c.IndexOfID(ctx, id)
	if err != nil {
		return table.ID{}, err
	}
	return c.idAt(ctx, func(int) int { return i - 1 })
}

// IsFirstID reports whether id is the first identity.
func (c *Cache) IsFirstID(ctx context.Context, id table.ID) (bool, error) {
	first, err := c.FirstID(ctx)
	if errors.Is(err, table.ErrNotFound) {
		return false, nil
	}
	return first == id, err
}

// IsLastID reports whether id is the last identity.
func (c *Cache) IsLastID(ctx context.Context, id table.ID) (bool, error) {
	last, err := c.LastID(ctx)
	if errors.Is(err, table.ErrNotFound) {
		return false, nil
	}
	return last == id, err
}

func (c *Cache) idAt(ctx context.Context, index func(size int) int) (table.ID, error) {
	size, err := c.Size(ctx)
	if err != nil {
		return table.ID{}, err
	}
	i := index(size)
	if i < 0 || i >= size {
		return table.ID{}, table.ErrNotFound
	}
	return c.IDByIndex(ctx, i)
}
