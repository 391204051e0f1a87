package syncache

import (
	"context"
	"testing"

	"github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/internal/wire"
)

func newSpillStore(t *testing.T, f *fakeFetcher, mp *memProvider, hooks Hooks) *Store {
	t.Helper()
	s, _ := newTestStore(t, f, func(o *Options) {
		o.GCAfter = -1
		o.Hooks = hooks
		o.Spill = &SpillOptions{
			Namespace: "test",
			Provider:  mp,
			Codec:     codec.MustCBOR[any](true),
		}
	})
	return s
}

// evict observes k until loaded, then drops every reference and sweeps.
func evict(t *testing.T, s *Store, k *CacheKey) {
	t.Helper()
	sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	waitFor(t, "loaded", statusIs(s, k, StatusLoaded))
	sub.Unsubscribe()
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep=%d want 1", n)
	}
}

func TestSpillRestoresEvictedEntry(t *testing.T) {
	mp := newMemProvider()
	f := &fakeFetcher{fn: respondWith(map[string]any{"name": "Bob"})}
	s := newSpillStore(t, f, mp, nil)
	k := s.ObjectKey("user", 1)

	evict(t, s, k)
	loadedAt := s.clock.Now()
	sk := "spill:test:" + k.String()
	if _, ok, _ := mp.Get(context.Background(), sk); !ok {
		t.Fatalf("evicted entry not spilled under %q", sk)
	}

	gate := make(chan struct{})
	f.set(gated(gate, map[string]any{"name": "Bob"}))
	var rec recorder
	sub, err := s.Observe(k, ObserveOptions{}, rec.fn)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer sub.Unsubscribe()

	first := rec.all()[0]
	m, _ := first.Value.(map[string]any)
	if first.Status != StatusLoading || m["name"] != "Bob" {
		t.Fatalf("restored snapshot=%+v", first)
	}
	if !first.LastUpdated.Equal(loadedAt) {
		t.Fatalf("LastUpdated=%v want %v", first.LastUpdated, loadedAt)
	}
	if _, ok, _ := mp.Get(context.Background(), sk); ok {
		t.Fatalf("restored frame should be consumed")
	}
	close(gate)
	waitFor(t, "revalidated", statusIs(s, k, StatusLoaded))
}

func TestSpillSkipsLists(t *testing.T) {
	mp := newMemProvider()
	f := &fakeFetcher{fn: pagedUsers(3)}
	s := newSpillStore(t, f, mp, nil)
	k := s.ListKey(adults)

	sub, err := s.Observe(k, ObserveOptions{}, func(Snapshot) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	waitFor(t, "loaded", statusIs(s, k, StatusLoaded))
	sub.Unsubscribe()
	s.Sweep() // list first; its members become idle with it
	s.Sweep()

	mp.mu.Lock()
	defer mp.mu.Unlock()
	if _, ok := mp.m["spill:test:"+k.String()]; ok {
		t.Fatalf("list entries must not be spilled")
	}
	if _, ok := mp.m["spill:test:"+s.ObjectKey("user", 3).String()]; !ok {
		t.Fatalf("list member not spilled: %v", mp.m)
	}
}

func TestSpillSelfHeals(t *testing.T) {
	cases := []struct {
		name   string
		reason string
		prep   func(t *testing.T, s *Store, mp *memProvider, k *CacheKey)
	}{
		{
			name:   "corrupt",
			reason: "corrupt",
			prep: func(t *testing.T, s *Store, mp *memProvider, k *CacheKey) {
				_, _ = mp.Set(context.Background(), "spill:test:"+k.String(), []byte("not-wire-format"), 1, 0)
			},
		},
		{
			name:   "type invalidated",
			reason: "gen_mismatch",
			prep: func(t *testing.T, s *Store, mp *memProvider, k *CacheKey) {
				evict(t, s, k)
				if err := s.InvalidateType(context.Background(), k.EntityType()); err != nil {
					t.Fatalf("InvalidateType: %v", err)
				}
			},
		},
		{
			name:   "foreign generation",
			reason: "gen_mismatch",
			prep: func(t *testing.T, s *Store, mp *memProvider, k *CacheKey) {
				payload, _ := codec.MustCBOR[any](true).Encode(map[string]any{"name": "Old"})
				raw := wire.Encode(wire.Frame{Gen: 7, Status: uint8(StatusLoaded), Payload: payload})
				_, _ = mp.Set(context.Background(), "spill:test:"+k.String(), raw, 1, 0)
			},
		},
		{
			name:   "not an object",
			reason: "value_decode",
			prep: func(t *testing.T, s *Store, mp *memProvider, k *CacheKey) {
				payload, _ := codec.MustCBOR[any](true).Encode("scalar")
				raw := wire.Encode(wire.Frame{Status: uint8(StatusLoaded), Payload: payload})
				_, _ = mp.Set(context.Background(), "spill:test:"+k.String(), raw, 1, 0)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mp := newMemProvider()
			hooks := newCountingHooks()
			f := &fakeFetcher{fn: respondWith(map[string]any{"name": "Bob"})}
			s := newSpillStore(t, f, mp, hooks)
			k := s.ObjectKey("user", 1)
			tc.prep(t, s, mp, k)

			gate := make(chan struct{})
			defer close(gate)
			f.set(gated(gate, map[string]any{"name": "Bob"}))
			var rec recorder
			sub, err := s.Observe(k, ObserveOptions{}, rec.fn)
			if err != nil {
				t.Fatalf("Observe: %v", err)
			}
			defer sub.Unsubscribe()

			if first := rec.all()[0]; first.Value != nil {
				t.Fatalf("stale frame restored: %+v", first)
			}
			if hooks.get("spill:"+tc.reason) != 1 {
				t.Fatalf("reason %q not reported: %v", tc.reason, hooks.n)
			}
			if _, ok, _ := mp.Get(context.Background(), "spill:test:"+k.String()); ok {
				t.Fatalf("bad frame not deleted")
			}
		})
	}
}

func TestInvalidateDropsSpilledEntry(t *testing.T) {
	mp := newMemProvider()
	f := &fakeFetcher{fn: respondWith(map[string]any{"name": "Bob"})}
	s := newSpillStore(t, f, mp, nil)
	k := s.ObjectKey("user", 1)

	evict(t, s, k)
	if err := s.Invalidate(context.Background(), k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := mp.Get(context.Background(), "spill:test:"+k.String()); ok {
		t.Fatalf("invalidated entry still spilled")
	}
}
