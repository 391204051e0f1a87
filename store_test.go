package syncache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	pr "github.com/unkn0wn-root/syncache/provider"
)

// ==============================
// Fakes
// ==============================

type memProvider struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = value
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

// fakeFetcher records requests and answers them with fn.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []Request
	fn    func(ctx context.Context, req Request) (Response, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeFetcher) set(fn func(ctx context.Context, req Request) (Response, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) countKind(k Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.calls {
		if r.Kind == k {
			n++
		}
	}
	return n
}

func respondWith(v any) func(context.Context, Request) (Response, error) {
	return func(context.Context, Request) (Response, error) { return Response{Value: v}, nil }
}

// gated blocks every fetch until gate is closed or the fetch is cancelled.
func gated(gate <-chan struct{}, v any) func(context.Context, Request) (Response, error) {
	return func(ctx context.Context, _ Request) (Response, error) {
		select {
		case <-gate:
			return Response{Value: v}, nil
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

type countingHooks struct {
	NopHooks
	mu sync.Mutex
	n  map[string]int
}

func newCountingHooks() *countingHooks { return &countingHooks{n: make(map[string]int)} }

func (h *countingHooks) inc(ev string) {
	h.mu.Lock()
	h.n[ev]++
	h.mu.Unlock()
}

func (h *countingHooks) get(ev string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n[ev]
}

func (h *countingHooks) FetchStarted(string)                  { h.inc("started") }
func (h *countingHooks) FetchDeduplicated(_, reason string)   { h.inc("dedup:" + reason) }
func (h *countingHooks) FetchCancelled(string)                { h.inc("cancelled") }
func (h *countingHooks) SubscriberPanicked(string, any)       { h.inc("panic") }
func (h *countingHooks) KeyEvicted(string)                    { h.inc("evicted") }
func (h *countingHooks) SpillRejected(_, reason string)       { h.inc("spill:" + reason) }
func (h *countingHooks) BatchCommitted(keys, subscribers int) { h.inc("batch") }

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) fn(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) len() int { return len(r.all()) }

func newTestStore(t *testing.T, f Fetcher, mutate func(*Options)) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	opts := Options{
		Fetcher:       f,
		Clock:         clk,
		SweepInterval: -1, // tests sweep by hand
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, clk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func statusIs(s *Store, k *CacheKey, st Status) func() bool {
	return func() bool {
		snap, _ := s.Get(k)
		return snap.Status == st
	}
}

// ==============================
// Construction and contract errors
// ==============================

func TestNewRequiresFetcher(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoFetcher) {
		t.Fatalf("err=%v want ErrNoFetcher", err)
	}
}

func TestNewRejectsMalformedSpill(t *testing.T) {
	f := &fakeFetcher{fn: respondWith(nil)}
	_, err := New(Options{Fetcher: f, Spill: &SpillOptions{Namespace: "x"}})
	if !errors.Is(err, ErrSpillConfig) {
		t.Fatalf("err=%v want ErrSpillConfig", err)
	}
}

func TestObserveContractErrors(t *testing.T) {
	f := &fakeFetcher{fn: respondWith(map[string]any{"id": 1})}
	s, _ := newTestStore(t, f, nil)
	other, _ := newTestStore(t, f, nil)

	if _, err := s.Observe(other.ObjectKey("user", 1), ObserveOptions{}, func(Snapshot) {}); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("foreign key: err=%v want ErrUnknownKey", err)
	}
	if _, err := s.Observe(s.ObjectKey("user", 1), ObserveOptions{}, nil); err == nil {
		t.Fatalf("nil callback should fail")
	}

	if err := s.AddLayer(RootLayer); !errors.Is(err, ErrInvalidLayer) {
		t.Fatalf("root id: err=%v", err)
	}
	if err := s.AddLayer("a"); err != nil {
		t.Fatalf("AddLayer: %v", err)
	}
	if err := s.AddLayer("a"); !errors.Is(err, ErrInvalidLayer) {
		t.Fatalf("duplicate id: err=%v", err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Observe(s.ObjectKey("user", 1), ObserveOptions{}, func(Snapshot) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close: err=%v want ErrClosed", err)
	}
}

func TestKeysAreInterned(t *testing.T) {
	s, _ := newTestStore(t, &fakeFetcher{fn: respondWith(nil)}, nil)

	if s.ObjectKey("user", 1) != s.ObjectKey("user", int64(1)) {
		t.Fatalf("equal primary keys must share a key")
	}
	if s.ObjectKey("user", 1) == s.ObjectKey("team", 1) {
		t.Fatalf("entity type must be part of identity")
	}
	a := s.ListKey(ListDescriptor{EntityType: "user", Where: map[string]any{"age": 1, "name": "bob"}})
	b := s.ListKey(ListDescriptor{EntityType: "user", Where: map[string]any{"name": "bob", "age": map[string]any{"$eq": 1}}})
	if a != b {
		t.Fatalf("equivalent filters must share a key: %s vs %s", a, b)
	}
	agg := AggregationDescriptor{EntityType: "user", Aggregate: map[string]any{"count": "*"}}
	if s.AggregationKey(agg) == s.ObjectAggregationKey(agg) {
		t.Fatalf("aggregation kinds must not share a key")
	}
	if KindOf(a.String()) != "list" || KindOf("nonsense") != "unknown" {
		t.Fatalf("KindOf(%q)=%q", a.String(), KindOf(a.String()))
	}
}

// ==============================
// Observe, fetch and notification
// ==============================

func TestObserveEndToEnd(t *testing.T) {
	gate := make(chan struct{})
	bob := map[string]any{"id": 1, "name": "Bob"}
	f := &fakeFetcher{fn: gated(gate, bob)}
	s, clk := newTestStore(t, f, nil)
	k := s.ObjectKey("Employee", 1)

	var rec recorder
	sub, err := s.Observe(k, ObserveOptions{DedupeInterval: 2 * time.Second}, rec.fn)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer sub.Unsubscribe()

	snaps := rec.all()
	if len(snaps) != 1 || snaps[0].Status != StatusLoading || snaps[0].Value != nil {
		t.Fatalf("initial snapshots=%+v want one loading without value", snaps)
	}

	close(gate)
	waitFor(t, "loaded delivery", func() bool { return rec.len() == 2 })
	snaps = rec.all()
	if snaps[1].Status != StatusLoaded || !reflect.DeepEqual(snaps[1].Value, bob) {
		t.Fatalf("second snapshot=%+v", snaps[1])
	}
	if !snaps[1].LastUpdated.Equal(clk.Now()) {
		t.Fatalf("LastUpdated=%v want %v", snaps[1].LastUpdated, clk.Now())
	}

	clk.Advance(100 * time.Millisecond)
	var rec2 recorder
	sub2, err := s.Observe(k, ObserveOptions{DedupeInterval: 2 * time.Second}, rec2.fn)
	if err != nil {
		t.Fatalf("second Observe: %v", err)
	}
	defer sub2.Unsubscribe()

	if n := f.count(); n != 1 {
		t.Fatalf("fetches=%d want 1", n)
	}
	if got := rec2.all(); len(got) != 1 || got[0].Status != StatusLoaded {
		t.Fatalf("second observer got %+v", got)
	}
	if rec.len() != 2 {
		t.Fatalf("first observer called again: %+v", rec.all())
	}
}

func TestBatchNotifiesOnlyTouchedKeysOnce(t *testing.T) {
	gate := make(chan struct{}) // never closed: fetches stay pending
	f := &fakeFetcher{fn: gated(gate, nil)}
	s, _ := newTestStore(t, f, nil)
	k1, k2, k3 := s.ObjectKey("user", 1), s.ObjectKey("user", 2), s.ObjectKey("user", 3)

	recs := map[*CacheKey]*recorder{k1: {}, k2: {}, k3: {}}
	for k, r := range recs {
		sub, err := s.Observe(k, ObserveOptions{}, r.fn)
		if err != nil {
			t.Fatalf("Observe: %v", err)
		}
		defer sub.Unsubscribe()
	}

	b := s.Batch()
	b.Write(k1, map[string]any{"a": 1}, StatusLoaded)
	b.Write(k1, map[string]any{"a": 2}, StatusLoaded)
	b.Write(k3, map[string]any{"b": 1}, StatusLoaded)
	ch := b.Commit()

	if recs[k1].len() != 2 || recs[k3].len() != 2 {
		t.Fatalf("k1=%d k3=%d deliveries, want 2 each", recs[k1].len(), recs[k3].len())
	}
	if recs[k2].len() != 1 {
		t.Fatalf("k2 notified: %+v", recs[k2].all())
	}
	last := recs[k1].all()[1]
	if !reflect.DeepEqual(last.Value, map[string]any{"a": 2}) || last.Status != StatusLoaded {
		t.Fatalf("k1 snapshot=%+v", last)
	}
	if !ch.Has(k1) || !ch.Has(k3) || ch.Has(k2) {
		t.Fatalf("changes=%s", ch)
	}
	if got := ch.Keys(); len(got) != 2 || got[0] != k1 || got[1] != k3 {
		t.Fatalf("Keys=%v", got)
	}
	if len(ch.Objects("user")) != 2 {
		t.Fatalf("object changes=%v", ch.Objects("user"))
	}
}

func TestWriteMergesAndReplaceOverwrites(t *testing.T) {
	s, _ := newTestStore(t, &fakeFetcher{fn: respondWith(nil)}, nil)
	k := s.ObjectKey("user", 1)

	b := s.Batch()
	b.Write(k, map[string]any{"name": "bob", "age": 30}, StatusLoaded)
	b.Write(k, map[string]any{"age": 31}, StatusLoaded)
	b.Commit()
	if snap, _ := s.Get(k); !reflect.DeepEqual(snap.Value, map[string]any{"name": "bob", "age": 31}) {
		t.Fatalf("merged=%v", snap.Value)
	}

	b = s.Batch()
	b.Replace(k, map[string]any{"age": 32}, StatusLoaded)
	b.Commit()
	if snap, _ := s.Get(k); !reflect.DeepEqual(snap.Value, map[string]any{"age": 32}) {
		t.Fatalf("replaced=%v", snap.Value)
	}

	// an equal value only refreshes status; no object change is reported
	b = s.Batch()
	b.Write(k, map[string]any{"age": 32}, StatusLoaded)
	if ch := b.Commit(); len(ch.Objects("user")) != 0 {
		t.Fatalf("unchanged value reported as object change: %s", ch)
	}

	b = s.Batch()
	b.Delete(k)
	b.Commit()
	snap, ok := s.Get(k)
	if !ok || snap.Value != nil || snap.Status != StatusLoaded {
		t.Fatalf("after delete: ok=%v snap=%+v", ok, snap)
	}
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	hooks := newCountingHooks()
	f := &fakeFetcher{fn: respondWith(map[string]any{"id": 1})}
	s, _ := newTestStore(t, f, func(o *Options) {
		o.Hooks = hooks
		o.DedupeInterval = time.Hour
	})
	k := s.ObjectKey("user", 1)

	bad, err := s.Observe(k, ObserveOptions{}, func(Snapshot) { panic("boom") })
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer bad.Unsubscribe()

	var rec recorder
	good, err := s.Observe(k, ObserveOptions{}, rec.fn)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer good.Unsubscribe()
	waitFor(t, "loaded delivery", func() bool {
		snaps := rec.all()
		return len(snaps) > 0 && snaps[len(snaps)-1].Status == StatusLoaded
	})

	before := rec.len()
	b := s.Batch()
	b.Write(k, map[string]any{"id": 1, "name": "x"}, StatusLoaded)
	b.Commit()

	if rec.len() != before+1 {
		t.Fatalf("healthy subscriber missed a delivery")
	}
	if hooks.get("panic") < 2 {
		t.Fatalf("panics reported=%d want >= 2", hooks.get("panic"))
	}
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	s, _ := newTestStore(t, &fakeFetcher{fn: respondWith(map[string]any{"id": 1})}, nil)
	k := s.ObjectKey("user", 1)

	var rec recorder
	sub, err := s.Observe(k, ObserveOptions{}, rec.fn)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	waitFor(t, "loaded", statusIs(s, k, StatusLoaded))
	waitFor(t, "loaded delivery", func() bool { return rec.len() == 2 })
	sub.Unsubscribe()
	sub.Unsubscribe()

	b := s.Batch()
	b.Write(k, map[string]any{"id": 2}, StatusLoaded)
	b.Commit()
	if rec.len() != 2 {
		t.Fatalf("delivered after unsubscribe: %+v", rec.all())
	}
}

// ==============================
// Query state machine
// ==============================

func TestConcurrentRevalidateSharesOneFetch(t *testing.T) {
	const n = 8
	gate := make(chan struct{})
	boom := errors.New("boom")
	f := &fakeFetcher{fn: func(ctx context.Context, _ Request) (Response, error) {
		select {
		case <-gate:
			return Response{}, boom
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}}
	hooks := newCountingHooks()
	s, _ := newTestStore(t, f, func(o *Options) { o.Hooks = hooks })
	k := s.ObjectKey("user", 1)

	sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer sub.Unsubscribe()
	q := sub.Query()

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = q.Revalidate(context.Background(), false)
		}()
	}
	waitFor(t, "callers to join", func() bool { return hooks.get("dedup:inflight") == n })
	close(gate)
	wg.Wait()

	if c := f.count(); c != 1 {
		t.Fatalf("fetches=%d want 1", c)
	}
	var fe *FetchError
	for i, err := range errs {
		if !errors.Is(err, boom) || !errors.As(err, &fe) || fe.Key != k {
			t.Fatalf("caller %d: err=%v", i, err)
		}
		if err != errs[0] {
			t.Fatalf("callers received different errors")
		}
	}
	snap, _ := s.Get(k)
	if snap.Status != StatusError || !errors.Is(snap.Err, boom) {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestDedupeInterval(t *testing.T) {
	f := &fakeFetcher{fn: respondWith(map[string]any{"id": 1})}
	hooks := newCountingHooks()
	s, clk := newTestStore(t, f, func(o *Options) {
		o.DedupeInterval = 2 * time.Second
		o.Hooks = hooks
	})
	k := s.ObjectKey("user", 1)

	sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer sub.Unsubscribe()
	waitFor(t, "loaded", statusIs(s, k, StatusLoaded))
	q := sub.Query()
	ctx := context.Background()

	clk.Advance(time.Second)
	if err := q.Revalidate(ctx, false); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if c := f.count(); c != 1 {
		t.Fatalf("fetches=%d within interval, want 1", c)
	}
	if hooks.get("dedup:interval") != 1 {
		t.Fatalf("interval dedupe not reported")
	}

	clk.Advance(2 * time.Second)
	if err := q.Revalidate(ctx, false); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if c := f.count(); c != 2 {
		t.Fatalf("fetches=%d after interval, want 2", c)
	}

	// force ignores the interval
	if err := q.Revalidate(ctx, true); err != nil {
		t.Fatalf("forced Revalidate: %v", err)
	}
	if c := f.count(); c != 3 {
		t.Fatalf("fetches=%d after force, want 3", c)
	}
}

func TestForceCancelsPendingFetch(t *testing.T) {
	hooks := newCountingHooks()
	var calls int
	var mu sync.Mutex
	f := &fakeFetcher{fn: func(ctx context.Context, _ Request) (Response, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-ctx.Done()
			// a late result must be discarded
			return Response{Value: map[string]any{"v": "stale"}}, nil
		}
		return Response{Value: map[string]any{"v": "fresh"}}, nil
	}}
	s, _ := newTestStore(t, f, func(o *Options) { o.Hooks = hooks })
	k := s.ObjectKey("user", 1)

	sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer sub.Unsubscribe()
	q := sub.Query()

	joined := make(chan error, 1)
	go func() { joined <- q.Revalidate(context.Background(), false) }()
	waitFor(t, "caller to join", func() bool { return hooks.get("dedup:inflight") == 1 })

	if err := q.Revalidate(context.Background(), true); err != nil {
		t.Fatalf("forced Revalidate: %v", err)
	}
	if err := <-joined; err != nil {
		t.Fatalf("cancelled fetch should resolve with nil, got %v", err)
	}
	waitFor(t, "cancellation", func() bool { return hooks.get("cancelled") == 1 })

	snap, _ := s.Get(k)
	if snap.Status != StatusLoaded || !reflect.DeepEqual(snap.Value, map[string]any{"v": "fresh"}) {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestInvalidate(t *testing.T) {
	f := &fakeFetcher{fn: respondWith(map[string]any{"id": 1})}
	s, _ := newTestStore(t, f, func(o *Options) { o.DedupeInterval = time.Hour })
	k1, k2 := s.ObjectKey("user", 1), s.ObjectKey("user", 2)
	other := s.ObjectKey("team", 1)

	for _, k := range []*CacheKey{k1, k2, other} {
		sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
		if err != nil {
			t.Fatalf("Observe: %v", err)
		}
		defer sub.Unsubscribe()
		waitFor(t, "loaded", statusIs(s, k, StatusLoaded))
	}
	ctx := context.Background()

	if err := s.Invalidate(ctx, k1); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if c := f.count(); c != 4 {
		t.Fatalf("fetches=%d want 4", c)
	}
	if err := s.InvalidateType(ctx, "user"); err != nil {
		t.Fatalf("InvalidateType: %v", err)
	}
	if c := f.count(); c != 6 {
		t.Fatalf("fetches=%d want 6", c)
	}
	// keys without a live query are a no-op
	if err := s.Invalidate(ctx, s.ObjectKey("user", 99)); err != nil {
		t.Fatalf("Invalidate idle key: %v", err)
	}
}

// ==============================
// Reference counting and eviction
// ==============================

func TestRetainReleaseEviction(t *testing.T) {
	hooks := newCountingHooks()
	f := &fakeFetcher{fn: respondWith(map[string]any{"id": 1})}
	s, clk := newTestStore(t, f, func(o *Options) { o.Hooks = hooks })
	k := s.ObjectKey("user", 1)

	sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	waitFor(t, "loaded", statusIs(s, k, StatusLoaded))
	q := sub.Query()

	q.Retain()
	sub.Unsubscribe()
	if s.Evictable(k) {
		t.Fatalf("retained key reported evictable")
	}

	q.Release(0)
	if !s.Evictable(k) {
		t.Fatalf("release(0) should make the key evictable")
	}

	// an intervening retain prevents eviction
	q.Retain()
	q.Release(10 * time.Second)
	clk.Advance(5 * time.Second)
	q.Retain()
	clk.Advance(10 * time.Second)
	if s.Evictable(k) || s.Sweep() != 0 {
		t.Fatalf("re-retained key evicted")
	}

	q.Release(10 * time.Second)
	clk.Advance(9 * time.Second)
	if s.Evictable(k) {
		t.Fatalf("evictable before the grace period elapsed")
	}
	clk.Advance(time.Second)
	if !s.Evictable(k) {
		t.Fatalf("not evictable after the grace period")
	}
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep=%d want 1", n)
	}
	if _, ok := s.Get(k); ok {
		t.Fatalf("evicted entry still visible")
	}
	if hooks.get("evicted") != 1 {
		t.Fatalf("eviction not reported")
	}
}

func TestSweepKeepsKeysHeldByOverlay(t *testing.T) {
	f := &fakeFetcher{fn: respondWith(map[string]any{"id": 1})}
	s, _ := newTestStore(t, f, func(o *Options) { o.GCAfter = -1 })
	k := s.ObjectKey("user", 1)

	sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	waitFor(t, "loaded", statusIs(s, k, StatusLoaded))

	b := s.Batch(OnLayer("opt"))
	b.Write(k, map[string]any{"name": "pending"}, StatusLoaded)
	b.Commit()
	sub.Unsubscribe()

	if n := s.Sweep(); n != 0 {
		t.Fatalf("Sweep=%d while an overlay holds the key", n)
	}
	s.RemoveLayer("opt")
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep=%d after overlay removal, want 1", n)
	}
}

func TestSweeperRunsOnClockTicks(t *testing.T) {
	f := &fakeFetcher{fn: respondWith(map[string]any{"id": 1})}
	s, clk := newTestStore(t, f, func(o *Options) {
		o.GCAfter = -1
		o.SweepInterval = time.Second
	})
	k := s.ObjectKey("user", 1)

	sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	waitFor(t, "loaded", statusIs(s, k, StatusLoaded))
	sub.Unsubscribe()

	if err := clk.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "background sweep", func() bool {
		clk.Advance(time.Second)
		_, ok := s.Get(k)
		return !ok
	})
}
