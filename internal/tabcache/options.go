// Configuration of a Cache.

package tabcache

import (
	"log/slog"
	"time"

	"github.com/maruel/tablecache/internal/table"
)

// Default values applied by DefaultOptions.
const (
	DefaultPageLength   = 100
	DefaultCacheRatio   = 2
	DefaultSizeValidity = 10 * time.Second
)

// Options configures a Cache.
type Options struct {
	// PageLength is the number of rows per page.
	PageLength int
	// CacheRatio is the number of pages materialized per window.
	CacheRatio int
	// Overlap is the number of rows loaded before the requested page.
	Overlap int
	// SizeValidity is how long a row count fetched from the source is
	// trusted.
	SizeValidity time.Duration
	// AutoCommit writes every mutation through to the source immediately.
	AutoCommit bool
	// Notifications registers the cache with Registry so that commits on
	// caches over the same source invalidate each other.
	Notifications bool
	// Registry defaults to DefaultRegistry.
	Registry *Registry
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		PageLength:   DefaultPageLength,
		CacheRatio:   DefaultCacheRatio,
		Overlap:      DefaultPageLength,
		SizeValidity: DefaultSizeValidity,
	}
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.PageLength <= 0 {
		return table.Configf("page length must be positive, got %d", o.PageLength)
	}
	if o.CacheRatio <= 0 {
		return table.Configf("cache ratio must be positive, got %d", o.CacheRatio)
	}
	if o.Overlap < 0 {
		return table.Configf("overlap must not be negative, got %d", o.Overlap)
	}
	if o.SizeValidity < 0 {
		return table.Configf("size validity must not be negative, got %s", o.SizeValidity)
	}
	return nil
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Registry == nil {
		out.Registry = DefaultRegistry
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}
