// Package store provides the persistence layer for credential pool state:
// a PostgreSQL-backed primary store, a single-JSON-document fallback store,
// and a Resilient decorator that fails traffic over between the two.
package store

import (
	"errors"

	"github.com/arlojensen/aigateway/internal/keypool"
)

// ErrNotInitialized marks an operation attempted before Init. None of the
// stores in this package return it.
var ErrNotInitialized = errors.New("store: not initialized")

// ErrUnavailable wraps the underlying cause when a store cannot currently
// serve a request (connection down, file locked, etc).
type ErrUnavailable struct {
	Backend string
	Cause   error
}

func (e *ErrUnavailable) Error() string {
	return "store: " + e.Backend + " unavailable: " + e.Cause.Error()
}

func (e *ErrUnavailable) Unwrap() error { return e.Cause }

// maxRetainedMetrics bounds the fallback document's metrics history so the
// single JSON file doesn't grow unbounded.
const maxRetainedMetrics = 1000

var _ keypool.Store = (*PostgresStore)(nil)
var _ keypool.Store = (*FileStore)(nil)
var _ keypool.Store = (*ResilientStore)(nil)
