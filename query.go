package syncache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// queryImpl is the capability set of a query variant. The shared state
// machine lives in query; variants only describe what to fetch and how to
// write the result.
type queryImpl interface {
	Query
	// preFetch builds the request for the next fetch.
	preFetch(more bool) Request
	// handleFetch stages the fetched result into b.
	handleFetch(b *Batch, req Request, resp Response) error
}

// detacher is implemented by variants holding store resources of their own.
type detacher interface {
	detach()
}

// flight is one fetch. Joiners share its result through the store's
// singleflight group under name.
type flight struct {
	name   string
	epoch  uint64
	more   bool
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	fn     func() (any, error)
}

// launch is the outcome of query.start.
type launch struct {
	ch      <-chan singleflight.Result // nil when no fetch is pending
	more    bool                       // mode of the flight ch belongs to
	release func()
}

func (l launch) wait(ctx context.Context) error {
	if l.ch == nil {
		return nil
	}
	select {
	case r := <-l.ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func noRelease() {}

// query is the state machine shared by all variants: idle -> fetching -> idle.
// At most one flight is pending at a time.
type query struct {
	s      *Store
	key    *CacheKey
	impl   queryImpl
	log    Logger
	dedupe time.Duration

	disposed atomic.Bool

	mu          sync.Mutex
	epoch       uint64
	inflight    *flight
	lastStarted time.Time
}

func (s *Store) newQuery(k *CacheKey, o ObserveOptions) *query {
	q := &query{
		s:      s,
		key:    k,
		dedupe: s.dedupeFor(o),
		log:    s.log.With(Fields{"key": k.String()}),
	}
	switch k.kind {
	case KindObject:
		q.impl = &ObjectQuery{query: q}
	case KindList:
		q.impl = newListQuery(q, o)
	case KindAggregation:
		q.impl = &AggregationQuery{query: q}
	case KindObjectAggregation:
		q.impl = &ObjectAggregationQuery{AggregationQuery{query: q}}
	default:
		panic(fmt.Sprintf("syncache: unknown key kind %d", k.kind))
	}
	return q
}

func (q *query) Key() *CacheKey { return q.key }

func (q *query) Retain() { q.s.retain(q.key) }

func (q *query) Release(gcAfter time.Duration) { q.s.release(q.key, gcAfter) }

func (q *query) Revalidate(ctx context.Context, force bool) error {
	l := q.start(force, q.dedupe, false)
	l.release()
	return l.wait(ctx)
}

// start is the non-blocking core of Revalidate and FetchMore. The returned
// release must be called once the caller is ready for the fetch to run; it
// lets Observe register its subscriber before any result can land.
func (q *query) start(force bool, dedupe time.Duration, more bool) launch {
	key := q.key.String()

	q.mu.Lock()
	if q.disposed.Load() {
		q.mu.Unlock()
		return launch{release: noRelease}
	}
	if f := q.inflight; f != nil {
		if !force {
			ch := q.s.flights.DoChan(f.name, f.fn)
			q.mu.Unlock()
			q.s.hooks.FetchDeduplicated(key, "inflight")
			return launch{ch: ch, more: f.more, release: noRelease}
		}
		f.cancel()
		q.inflight = nil
	}

	now := q.s.clock.Now()
	if !force && !more && dedupe > 0 && !q.lastStarted.IsZero() && now.Sub(q.lastStarted) < dedupe {
		q.mu.Unlock()
		q.s.hooks.FetchDeduplicated(key, "interval")
		return launch{release: noRelease}
	}

	q.epoch++
	ctx, cancel := context.WithCancel(q.s.ctx)
	f := &flight{
		name:   fmt.Sprintf("%d/%d", q.key.id, q.epoch),
		epoch:  q.epoch,
		more:   more,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	f.fn = func() (any, error) { return nil, q.run(f) }
	q.inflight = f
	q.lastStarted = now
	ch := q.s.flights.DoChan(f.name, f.fn)
	q.mu.Unlock()

	q.setStatus(StatusLoading)

	var once sync.Once
	return launch{ch: ch, more: more, release: func() { once.Do(func() { close(f.ready) }) }}
}

// run executes a flight. Cancelled flights resolve with nil and write
// nothing.
func (q *query) run(f *flight) error {
	<-f.ready
	defer f.cancel()
	key := q.key.String()

	if f.ctx.Err() != nil {
		q.finish(f)
		q.s.hooks.FetchCancelled(key)
		return nil
	}

	req := q.impl.preFetch(f.more)
	q.s.hooks.FetchStarted(key)
	q.log.Debug("fetch started", Fields{"epoch": f.epoch, "more": f.more})

	resp, err := q.s.fetcher.Fetch(f.ctx, req)

	// Clear the pending flight before committing so subscribers reacting
	// to this result start a new one instead of joining this.
	q.finish(f)
	if f.ctx.Err() != nil {
		q.log.Debug("fetch cancelled", Fields{"epoch": f.epoch})
		q.s.hooks.FetchCancelled(key)
		return nil
	}

	guard := func() bool { return f.ctx.Err() == nil && !q.disposed.Load() }
	b := q.s.guardedBatch(guard)
	if err == nil {
		err = q.impl.handleFetch(b, req, resp)
	}
	if err != nil {
		ferr := &FetchError{Key: q.key, Err: err}
		b = q.s.guardedBatch(guard)
		b.fail(q.key, ferr)
		b.Commit()
		q.log.Warn("fetch failed", Fields{"epoch": f.epoch, "err": err})
		q.s.hooks.FetchFailed(key, err)
		return ferr
	}
	b.Commit()
	return nil
}

func (q *query) finish(f *flight) {
	q.mu.Lock()
	if q.inflight == f {
		q.inflight = nil
	}
	q.mu.Unlock()
}

// setStatus stages a status-only write; no-op when the visible status
// already matches.
func (q *query) setStatus(st Status) {
	b := q.s.Batch()
	b.SetStatus(q.key, st)
	b.Commit()
}

// dispose cancels the pending fetch and detaches the query from the store.
func (q *query) dispose() {
	if q.disposed.Swap(true) {
		return
	}
	q.mu.Lock()
	if f := q.inflight; f != nil {
		f.cancel()
		q.inflight = nil
	}
	q.mu.Unlock()
	if d, ok := q.impl.(detacher); ok {
		d.detach()
	}
	q.log.Debug("query disposed", nil)
}
