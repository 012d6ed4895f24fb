// Provides cross-cache invalidation.

package tabcache

import (
	"sync"
	"weak"

	"github.com/cespare/xxhash/v2"
)

// DefaultRegistry is the process-wide registry.
var DefaultRegistry = NewRegistry()

// Registry tracks caches that opted into notifications, without keeping them
// alive, and invalidates the caches over a source after another cache
// committed changes to it.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	buckets map[uint64][]weak.Pointer[Cache]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[uint64][]weak.Pointer[Cache])}
}

// Register adds c. Entries of collected caches are purged.
func (r *Registry) Register(c *Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked()
	h := xxhash.Sum64String(c.Name())
	r.buckets[h] = append(r.buckets[h], weak.Make(c))
}

// Unregister removes c.
func (r *Registry) Unregister(c *Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := xxhash.Sum64String(c.Name())
	w := weak.Make(c)
	live := r.buckets[h][:0]
	for _, p := range r.buckets[h] {
		if p != w && p.Value() != nil {
			live = append(live, p)
		}
	}
	r.setLocked(h, live)
}

// Notify invalidates every registered cache other than source that reads
// the same source name. It returns the number of caches invalidated.
func (r *Registry) Notify(source *Cache) int {
	return r.invalidate(source.Name(), source)
}

// NotifyName invalidates every registered cache reading the source name.
func (r *Registry) NotifyName(name string) int {
	return r.invalidate(name, nil)
}

// Len returns the number of registered caches still alive.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ptrs := range r.buckets {
		for _, p := range ptrs {
			if p.Value() != nil {
				n++
			}
		}
	}
	return n
}

func (r *Registry) invalidate(name string, except *Cache) int {
	r.mu.Lock()
	var targets []*Cache
	for _, p := range r.buckets[xxhash.Sum64String(name)] {
		if c := p.Value(); c != nil && c != except && c.Name() == name {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		c.Invalidate()
	}
	return len(targets)
}

func (r *Registry) purgeLocked() {
	for h, ptrs := range r.buckets {
		live := ptrs[:0]
		for _, p := range ptrs {
			if p.Value() != nil {
				live = append(live, p)
			}
		}
		r.setLocked(h, live)
	}
}

func (r *Registry) setLocked(h uint64, ptrs []weak.Pointer[Cache]) {
	if len(ptrs) == 0 {
		delete(r.buckets, h)
		return
	}
	r.buckets[h] = ptrs
}
