// Package storage defines the persistence contract consumed by the tracking
// core and provides a bbolt-backed implementation plus an in-memory one for
// tests and embedded use.
package storage

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks backend read/write failures. Callers match it with
// errors.Is to distinguish transient storage trouble from programming errors.
var ErrUnavailable = errors.New("storage unavailable")

// Namespaces used by the tracking core. Backends accept arbitrary namespace
// names; these are the ones the core reads and writes.
const (
	NamespaceSession = "session"
	NamespaceCounter = "counter"
	NamespaceAttempt = "attempt"
	NamespaceMeta    = "meta"
)

// Record is one persisted entry within a namespace.
type Record struct {
	ID    string
	Value []byte
}

// Store is the single persistence abstraction behind sessions, counters,
// attempt streaks and the reset-cycle clock. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value stored under id, or (nil, nil) when absent.
	Get(id, namespace string) ([]byte, error)

	// GetAll enumerates every record in the namespace.
	GetAll(namespace string) ([]Record, error)

	Save(id string, value []byte, namespace string) error
	Delete(id, namespace string) error

	// Rebuild drops every record in the given namespaces. With no arguments
	// it drops every namespace the store holds.
	Rebuild(namespaces ...string) error

	// IncrWindow atomically increments the windowed counter stored under id
	// in a single read-modify-write. When the stored window differs from
	// windowStart the counter restarts at zero before incrementing. Returns
	// the count after the increment.
	IncrWindow(id, namespace string, windowStart int64) (int64, error)

	// DBPath returns the filesystem path of the database file ("" for
	// in-memory stores).
	DBPath() string

	Close() error
}

// counterRecord is the JSON shape of a windowed counter at rest.
type counterRecord struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"window_start"`
}

// fail wraps a backend error so it matches ErrUnavailable.
func fail(op string, err error) error {
	return fmt.Errorf("storage: %s: %w", op, errors.Join(ErrUnavailable, err))
}
