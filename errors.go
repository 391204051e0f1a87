package syncache

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFetcher is returned by New when Options.Fetcher is nil.
	ErrNoFetcher = errors.New("syncache: fetcher is required")
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("syncache: store closed")
	// ErrInvalidLayer is returned when adding the root id or an id already in the chain.
	ErrInvalidLayer = errors.New("syncache: invalid layer id")
	// ErrUnknownKey is returned for keys not minted by this Store.
	ErrUnknownKey = errors.New("syncache: key not owned by this store")
	// ErrSpillConfig wraps malformed SpillOptions.
	ErrSpillConfig = errors.New("syncache: invalid spill config")
)

// FetchError is the error recorded in an Entry when its fetch failed.
// Every caller that joined the failed fetch receives the same *FetchError.
type FetchError struct {
	Key *CacheKey
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
