package syncache

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/genstore"
	"github.com/unkn0wn-root/syncache/internal/wire"
	"github.com/unkn0wn-root/syncache/provider"
)

const defaultSpillTTL = 10 * time.Minute

// SpillOptions configure the spill tier. Evicted object and aggregation
// entries are written to Provider and restored by the next Observe of the
// same key, unless the key or its type was invalidated in between.
type SpillOptions struct {
	// Required
	Namespace string
	Provider  provider.Provider
	Codec     codec.Codec[any] // must decode objects as map[string]any

	GenStore genstore.GenStore // nil => in-process LocalGenStore owned by the store
	TTL      time.Duration     // 0 => 10m

	// ComputeCost returns the provider cost of a frame; nil => 1.
	ComputeCost func(key string, raw []byte) int64
}

type spillTier struct {
	ns       string
	provider provider.Provider
	codec    codec.Codec[any]
	gens     genstore.GenStore
	ownGens  bool
	ttl      time.Duration
	cost     func(string, []byte) int64

	log   Logger
	hooks Hooks
}

func newSpillTier(o *SpillOptions, log Logger, hooks Hooks, clock clockwork.Clock) (*spillTier, error) {
	if o.Namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", ErrSpillConfig)
	}
	if o.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrSpillConfig)
	}
	if o.Codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrSpillConfig)
	}
	if o.TTL < 0 {
		return nil, fmt.Errorf("%w: negative ttl %s", ErrSpillConfig, o.TTL)
	}

	t := &spillTier{
		ns:       o.Namespace,
		provider: o.Provider,
		codec:    o.Codec,
		gens:     o.GenStore,
		ttl:      coalesce(o.TTL, defaultSpillTTL),
		cost:     o.ComputeCost,
		log:      log.With(Fields{"spill": o.Namespace}),
		hooks:    hooks,
	}
	if t.gens == nil {
		t.gens = genstore.NewLocalGenStore(0, 0, genstore.WithClock(clock))
		t.ownGens = true
	}
	if t.cost == nil {
		t.cost = func(string, []byte) int64 { return 1 }
	}
	return t, nil
}

func (t *spillTier) storageKey(k *CacheKey) string {
	return "spill:" + t.ns + ":" + k.String()
}

func keyGenName(k *CacheKey) string { return "k:" + k.String() }

func typeGenName(entityType string) string { return "t:" + entityType }

// gen is the validity stamp of k: the sum of its own generation and its
// type's. Either bump makes earlier frames stale.
func (t *spillTier) gen(ctx context.Context, k *CacheKey) (uint64, error) {
	kg, tg := keyGenName(k), typeGenName(k.entityType)
	m, err := t.gens.SnapshotMany(ctx, []string{kg, tg})
	if err != nil {
		return 0, err
	}
	return m[kg] + m[tg], nil
}

func spillable(k *CacheKey, e *Entry) bool {
	return k.kind != KindList && e != nil && e.Status == StatusLoaded && !e.Tombstone && e.Value != nil
}

// put writes an evicted entry. Failures are reported, never returned;
// the entry is simply refetched later.
func (t *spillTier) put(ctx context.Context, k *CacheKey, e *Entry) {
	if !spillable(k, e) {
		return
	}
	key := k.String()

	g, err := t.gen(ctx, k)
	if err != nil {
		t.reject(key, "gen_error", err)
		return
	}
	payload, err := t.codec.Encode(e.Value)
	if err != nil {
		t.reject(key, "encode", err)
		return
	}
	var updated int64
	if !e.LastUpdated.IsZero() {
		updated = e.LastUpdated.UnixNano()
	}
	raw := wire.Encode(wire.Frame{Gen: g, Status: uint8(e.Status), Updated: updated, Payload: payload})

	sk := t.storageKey(k)
	ok, err := t.provider.Set(ctx, sk, raw, t.cost(sk, raw), t.ttl)
	switch {
	case err != nil:
		t.reject(key, "provider_error", err)
	case !ok:
		t.reject(key, "provider_rejected", nil)
	}
}

// take reads and removes the spilled entry of k. Frames that fail
// validation are deleted (self-heal) and reported as misses.
func (t *spillTier) take(ctx context.Context, k *CacheKey) (*Entry, bool) {
	if k.kind == KindList {
		return nil, false
	}
	key, sk := k.String(), t.storageKey(k)

	raw, ok, err := t.provider.Get(ctx, sk)
	if err != nil {
		t.reject(key, "provider_error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	// one restore per frame; the next eviction writes a fresh one
	defer func() { _ = t.provider.Del(ctx, sk) }()

	f, err := wire.Decode(raw)
	if err != nil {
		t.reject(key, "corrupt", err)
		return nil, false
	}
	g, err := t.gen(ctx, k)
	if err != nil {
		t.reject(key, "gen_error", err)
		return nil, false
	}
	if f.Gen != g {
		t.reject(key, "gen_mismatch", nil)
		return nil, false
	}
	v, err := t.codec.Decode(f.Payload)
	if err != nil {
		t.reject(key, "value_decode", err)
		return nil, false
	}
	if k.kind == KindObject {
		obj, ok := asObject(v)
		if !ok {
			t.reject(key, "value_decode", fmt.Errorf("decoded %T, want object", v))
			return nil, false
		}
		v = obj
	}

	e := &Entry{Key: k, Value: v, Status: Status(f.Status)}
	if f.Updated != 0 {
		e.LastUpdated = time.Unix(0, f.Updated)
	}
	return e, true
}

func (t *spillTier) invalidate(ctx context.Context, k *CacheKey) {
	if _, err := t.gens.Bump(ctx, keyGenName(k)); err != nil {
		t.log.Warn("spill gen bump failed", Fields{"key": k.String(), "err": err})
	}
	_ = t.provider.Del(ctx, t.storageKey(k))
}

func (t *spillTier) invalidateType(ctx context.Context, entityType string) {
	if _, err := t.gens.Bump(ctx, typeGenName(entityType)); err != nil {
		t.log.Warn("spill gen bump failed", Fields{"type": entityType, "err": err})
	}
}

func (t *spillTier) close(ctx context.Context) error {
	if t.ownGens {
		_ = t.gens.Close(ctx)
	}
	return t.provider.Close(ctx)
}

func (t *spillTier) reject(key, reason string, err error) {
	t.log.Debug("spill rejected", Fields{"key": key, "reason": reason, "err": err})
	t.hooks.SpillRejected(key, reason)
}

// restore seeds the root layer with the spilled entry of k when the root
// holds nothing for it.
func (s *Store) restore(k *CacheKey) {
	if s.top.Load().Root().Local(k) != nil {
		return
	}
	e, ok := s.spill.take(s.ctx, k)
	if !ok {
		return
	}
	b := s.Batch()
	b.restore(k, e)
	b.Commit()
	s.log.Debug("restored spilled entry", Fields{"key": k.String()})
}
