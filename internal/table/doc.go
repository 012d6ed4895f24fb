// Package table defines the vocabulary shared by the row cache and the data
// sources it reads from.
//
// # Identities
//
// [ID] identifies a row. It is one of three variants: a persistent key made
// of the primary-key column values, a temporary placeholder assigned to a row
// that was never stored, or a 1-based position used when the source declares
// no key. IDs are comparable and can be used as map keys; two IDs of
// different variants are never equal.
//
// # Sources
//
// [Gateway] is the contract a tabular data source implements: paged reads,
// counting, keyed writes inside a transaction, and optional push-down of
// [Filter] and [Sort]. A source that cannot filter or sort returns
// [ErrUnsupported]; callers treat it as a capability downgrade, not a
// failure.
//
// # Errors
//
// [TransportError], [ConcurrentModificationError], [OptimisticLockError] and
// [ConfigurationError] form the error taxonomy surfaced to callers.
package table
