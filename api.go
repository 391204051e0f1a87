package syncache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Options configure a Store. Only Fetcher is required; others have
// sensible defaults.
type Options struct {
	// Required
	Fetcher Fetcher

	Logger Logger          // if nil, NopLogger is used
	Hooks  Hooks           // if nil, NopHooks is used
	Clock  clockwork.Clock // nil => real clock

	GCAfter        time.Duration // grace period after the last release; 0 => 60s, <0 => next sweep
	SweepInterval  time.Duration // 0 => 1s; <0 disables the background sweeper
	DedupeInterval time.Duration // default for Observe; 0 => revalidate on every observe

	// Spill keeps evicted entries in a byte store so a later Observe can
	// show them while revalidating. nil disables spilling.
	Spill *SpillOptions
}

// ObserveOptions tune one Observe call. Zero values fall back to the
// Store defaults.
type ObserveOptions struct {
	DedupeInterval time.Duration
	// PageSize is sent with list requests. Applies when the call creates
	// the list query.
	PageSize int
	// AutoFetchMore keeps fetching pages until a list holds at least this
	// many items or runs out of pages. Applies when the call creates the
	// list query.
	AutoFetchMore int
}

// Snapshot is what subscribers receive: the visible entry of a key.
type Snapshot struct {
	Key         *CacheKey
	Status      Status
	Value       any // nil while absent or deleted
	LastUpdated time.Time
	Err         error
	// IsOptimistic is true when an overlay hides the root entry.
	IsOptimistic bool
}

// Query is the per-key controller behind an observed key.
// *ObjectQuery, *ListQuery, *AggregationQuery and *ObjectAggregationQuery
// implement it.
type Query interface {
	Key() *CacheKey
	// Revalidate refetches the key and blocks until the shared fetch settles
	// or ctx is done. A non-forced call joins a pending fetch; force cancels
	// it and starts over. Cancelled fetches resolve with nil.
	Revalidate(ctx context.Context, force bool) error
	Retain()
	// Release drops a reference; the key becomes evictable gcAfter after the
	// count reaches zero.
	Release(gcAfter time.Duration)
}

// Subscription is returned by Observe.
type Subscription struct {
	s    *Store
	sub  *subscriber
	q    Query
	once sync.Once
}

// Unsubscribe stops deliveries and releases the key. Safe to call more
// than once and from inside the callback.
func (u *Subscription) Unsubscribe() {
	u.once.Do(func() {
		u.sub.active.Store(false)
		u.s.unsubscribe(u.sub)
	})
}

// Query returns the controller of the observed key.
func (u *Subscription) Query() Query { return u.q }

type subscriber struct {
	id     uint64
	key    *CacheKey
	fn     func(Snapshot)
	active atomic.Bool
}

type delivery struct {
	sub  *subscriber
	snap Snapshot
}

func snapshotOf(top *Layer, k *CacheKey) Snapshot {
	e := top.Get(k)
	if e == nil {
		return Snapshot{Key: k, Status: StatusInit}
	}
	return Snapshot{
		Key:          k,
		Status:       e.Status,
		Value:        e.Value,
		LastUpdated:  e.LastUpdated,
		Err:          e.Err,
		IsOptimistic: e != top.Root().Local(k),
	}
}
