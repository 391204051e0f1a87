// Package provider defines the byte store behind the spill tier, where
// evicted entries wait to be restored.
//
// The keyspace "spill:<ns>:" is owned by syncache. Foreign writes under it
// fail frame validation and are deleted on the next restore attempt.
package provider

import (
	"context"
	"time"
)

// Provider is a byte store with TTLs, safe for concurrent use.
//
// Values are opaque frames: Get must return exactly the bytes passed to
// Set for the key, with no added metadata or transcoding.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for ttl. cost may be ignored. ok=false means the
	// store declined the write; the entry is then refetched when observed.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
