package syncache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultGCAfter       = time.Minute
	defaultSweepInterval = time.Second
)

// Store owns the layer chain, the live queries and the subscribers.
// All methods are safe for concurrent use.
type Store struct {
	fetcher        Fetcher
	log            Logger
	hooks          Hooks
	clock          clockwork.Clock
	gcAfter        time.Duration
	sweepInterval  time.Duration
	dedupeInterval time.Duration

	keys    *keyRegistry
	flights singleflight.Group
	spill   *spillTier // nil when disabled
	rev     atomic.Uint64

	// top is the published chain; readers load it without locking.
	top atomic.Pointer[Layer]

	// mu guards everything below and serializes commits.
	mu      sync.Mutex
	queries map[*CacheKey]*query
	refs    map[*CacheKey]*refState
	subs    map[*CacheKey][]*subscriber
	nextSub uint64
	closed  bool

	// outMu guards the delivery queue. Lock order: mu, then outMu.
	outMu    sync.Mutex
	outbox   []delivery
	draining bool

	ctx       context.Context // parent of every fetch; cancelled by Close
	cancel    context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Store. Malformed options fail here, not on first use.
func New(opts Options) (*Store, error) {
	if opts.Fetcher == nil {
		return nil, ErrNoFetcher
	}

	s := &Store{
		fetcher: opts.Fetcher,
		keys:    newKeyRegistry(),
		queries: make(map[*CacheKey]*query),
		refs:    make(map[*CacheKey]*refState),
		subs:    make(map[*CacheKey][]*subscriber),
	}

	// defaults
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.clock = coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())
	s.gcAfter = max(coalesce(opts.GCAfter, defaultGCAfter), 0)
	s.sweepInterval = coalesce(opts.SweepInterval, defaultSweepInterval)
	s.dedupeInterval = max(opts.DedupeInterval, 0)

	if opts.Spill != nil {
		t, err := newSpillTier(opts.Spill, s.log, s.hooks, s.clock)
		if err != nil {
			return nil, err
		}
		s.spill = t
	}

	s.top.Store(NewRootLayer())
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.sweepInterval > 0 {
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s, nil
}

// ObjectKey returns the key of one entity.
func (s *Store) ObjectKey(entityType string, pk any) *CacheKey {
	return s.keys.object(entityType, pk)
}

// ListKey returns the key of a filtered, ordered collection.
func (s *Store) ListKey(d ListDescriptor) *CacheKey {
	return s.keys.list(d)
}

// AggregationKey returns the key of an aggregate over a filtered set.
func (s *Store) AggregationKey(d AggregationDescriptor) *CacheKey {
	return s.keys.aggregation(KindAggregation, d)
}

// ObjectAggregationKey is like AggregationKey, but the query also
// revalidates whenever a durable batch changes an object of d.EntityType.
func (s *Store) ObjectAggregationKey(d AggregationDescriptor) *CacheKey {
	return s.keys.aggregation(KindObjectAggregation, d)
}

// Observe subscribes fn to k. The backing query is created or retained,
// a revalidation is triggered (staging StatusLoading) and the current
// snapshot is delivered before Observe returns. fn then runs once per
// commit that changes the visible entry of k.
func (s *Store) Observe(k *CacheKey, o ObserveOptions, fn func(Snapshot)) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("syncache: nil callback for %s", k)
	}
	if !s.keys.owns(k) {
		return nil, ErrUnknownKey
	}
	q, err := s.acquire(k, o)
	if err != nil {
		return nil, err
	}
	if s.spill != nil {
		s.restore(k)
	}

	l := q.start(false, s.dedupeFor(o), false)

	sub := &subscriber{key: k, fn: fn}
	sub.active.Store(true)
	s.mu.Lock()
	s.nextSub++
	sub.id = s.nextSub
	s.subs[k] = append(s.subs[k], sub)
	s.outMu.Lock()
	s.outbox = append(s.outbox, delivery{sub: sub, snap: snapshotOf(s.top.Load(), k)})
	s.outMu.Unlock()
	s.mu.Unlock()

	l.release()
	s.drain()
	return &Subscription{s: s, sub: sub, q: q.impl}, nil
}

// Get returns the visible snapshot of k. ok is false when no layer holds k.
func (s *Store) Get(k *CacheKey) (Snapshot, bool) {
	top := s.top.Load()
	return snapshotOf(top, k), top.Get(k) != nil
}

// Top returns the current layer chain.
func (s *Store) Top() *Layer { return s.top.Load() }

// Resolve returns the visible values of a list's items, skipping absent
// and deleted objects.
func (s *Store) Resolve(v ListValue) []any {
	top := s.top.Load()
	out := make([]any, 0, len(v.Items))
	for _, k := range v.Items {
		if e := top.Get(k); e != nil && !e.Tombstone && e.Value != nil {
			out = append(out, e.Value)
		}
	}
	return out
}

// AddLayer pushes an empty overlay named id on top of the chain.
func (s *Store) AddLayer(id LayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	top := s.top.Load()
	if id == RootLayer || top.Find(id) != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLayer, id)
	}
	s.top.Store(top.AddLayer(id))
	return nil
}

// RemoveLayer drops the overlay named id and notifies subscribers of the
// keys it was hiding. Unknown ids are a no-op.
func (s *Store) RemoveLayer(id LayerID) *Changes {
	b := s.Batch()
	b.RemoveLayer(id)
	return b.Commit()
}

// Invalidate force-revalidates k if it is live and drops its spilled copy.
func (s *Store) Invalidate(ctx context.Context, k *CacheKey) error {
	if s.spill != nil {
		s.spill.invalidate(ctx, k)
	}
	s.mu.Lock()
	q := s.queries[k]
	s.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.impl.Revalidate(ctx, true)
}

// InvalidateType force-revalidates every live query of entityType in
// parallel and drops spilled entries of that type. It returns the first
// fetch error.
func (s *Store) InvalidateType(ctx context.Context, entityType string) error {
	if s.spill != nil {
		s.spill.invalidateType(ctx, entityType)
	}
	s.mu.Lock()
	var qs []*query
	for k, q := range s.queries {
		if k.entityType == entityType {
			qs = append(qs, q)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range qs {
		g.Go(func() error { return q.impl.Revalidate(gctx, true) })
	}
	return g.Wait()
}

// Close cancels in-flight fetches, stops the sweeper and releases the spill
// tier. Later commits are discarded. Safe to call more than once.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		qs := make([]*query, 0, len(s.queries))
		for _, q := range s.queries {
			qs = append(qs, q)
		}
		s.mu.Unlock()

		s.cancel()
		for _, q := range qs {
			q.dispose()
		}
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
		}
		if s.spill != nil {
			err = s.spill.close(ctx)
		}
		s.log.Debug("store closed", Fields{"queries": len(qs)})
	})
	return err
}

func (s *Store) dedupeFor(o ObserveOptions) time.Duration {
	if o.DedupeInterval > 0 {
		return o.DedupeInterval
	}
	return s.dedupeInterval
}

func (s *Store) acquire(k *CacheKey, o ObserveOptions) (*query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	q := s.queries[k]
	if q == nil {
		q = s.newQuery(k, o)
		s.queries[k] = q
	}
	s.retainLocked(k)
	return q, nil
}

func (s *Store) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	subs := s.subs[sub.key]
	if i := slices.Index(subs, sub); i >= 0 {
		subs = slices.Delete(slices.Clone(subs), i, i+1)
	}
	if len(subs) == 0 {
		delete(s.subs, sub.key)
	} else {
		s.subs[sub.key] = subs
	}
	s.releaseLocked(sub.key, s.gcAfter)
	s.mu.Unlock()
}

// enqueueLocked queues the snapshot of k for each of its subscribers.
// Callers hold s.mu, so the queue order is the commit order.
func (s *Store) enqueueLocked(k *CacheKey, top *Layer) int {
	subs := s.subs[k]
	if len(subs) == 0 {
		return 0
	}
	snap := snapshotOf(top, k)
	s.outMu.Lock()
	for _, sub := range subs {
		s.outbox = append(s.outbox, delivery{sub: sub, snap: snap})
	}
	s.outMu.Unlock()
	return len(subs)
}

// drain delivers queued snapshots in FIFO order. Only one goroutine drains
// at a time; a nested or concurrent call returns at once and leaves its
// items to the active drainer.
func (s *Store) drain() {
	s.outMu.Lock()
	if s.draining {
		s.outMu.Unlock()
		return
	}
	s.draining = true
	for len(s.outbox) > 0 {
		d := s.outbox[0]
		s.outbox[0] = delivery{}
		s.outbox = s.outbox[1:]
		s.outMu.Unlock()
		s.deliver(d)
		s.outMu.Lock()
	}
	s.outbox = nil
	s.draining = false
	s.outMu.Unlock()
}

func (s *Store) deliver(d delivery) {
	if !d.sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked", Fields{"key": d.sub.key.String(), "panic": r})
			s.hooks.SubscriberPanicked(d.sub.key.String(), r)
		}
	}()
	d.sub.fn(d.snap)
}

type changeObserver interface {
	onChanges(ch *Changes)
}

// observersLocked returns the live queries that react to object changes.
func (s *Store) observersLocked(ch *Changes) []changeObserver {
	if len(ch.AddedObjects) == 0 && len(ch.ModifiedObjects) == 0 {
		return nil
	}
	var out []changeObserver
	for k, q := range s.queries {
		if !ch.TouchesType(k.entityType) {
			continue
		}
		if o, ok := q.impl.(changeObserver); ok {
			out = append(out, o)
		}
	}
	return out
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	t := s.clock.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.Chan():
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}
