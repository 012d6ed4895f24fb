package table

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by a source that cannot honor a filter or
	// sort request, or a write on a read-only source.
	ErrUnsupported = errors.New("not supported by the source")
	// ErrNotFound is returned when a row is not part of the current result.
	ErrNotFound = errors.New("row not found")
	// ErrIndexOutOfRange is returned for an index outside [0, size).
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrReadOnly is returned when writing a read-only column.
	ErrReadOnly = errors.New("column is read-only")
	// ErrReentrantLookup is returned when a reference lookup is started on a
	// cache that is already serving one.
	ErrReentrantLookup = errors.New("reference lookup already in progress")
)

// TransportError wraps a failure of a source call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the source error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConcurrentModificationError reports that a write affected no row because
// the row changed or disappeared since it was read.
type ConcurrentModificationError struct {
	ID ID
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("row %s was modified concurrently", e.ID)
}

// OptimisticLockError reports a version column mismatch on a source that
// tracks row versions.
type OptimisticLockError struct {
	ID      ID
	Version any
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("row %s changed externally (expected version %v)", e.ID, e.Version)
}

// ConfigurationError reports an invalid request detected before any state
// was changed.
type ConfigurationError struct {
	Reason string
	Err    error
}

// Configf returns a ConfigurationError with a formatted reason.
func Configf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %v", e.Reason, e.Err)
	}
	return "invalid configuration: " + e.Reason
}

// Unwrap returns the underlying error if any.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is a ConcurrentModificationError or an
// OptimisticLockError.
func IsConflict(err error) bool {
	var cm *ConcurrentModificationError
	var ol *OptimisticLockError
	return errors.As(err, &cm) || errors.As(err, &ol)
}
