// Package tabcache implements a paginated read-through cache over a
// table.Gateway with buffered write-back and optimistic concurrency.
//
// A Cache materializes a bounded window of the filtered, sorted result of its
// source and serves index and identity lookups from it, loading a new window
// on a miss. Inserts, updates and deletes are either written through
// immediately (auto-commit) or buffered until Commit drains them through the
// source inside one transaction.
//
// A Cache is not safe for concurrent use. Caches over the same source name
// that opt into notifications invalidate each other through a Registry, which
// is safe for concurrent use.
package tabcache
