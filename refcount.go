package syncache

import (
	"context"
	"time"
)

// refState tracks liveness of one key. A key is evictable once count is
// zero and gcAfter has elapsed since releasedAt.
type refState struct {
	count      int
	releasedAt time.Time
	gcAfter    time.Duration
}

func (s *Store) retain(k *CacheKey) {
	s.mu.Lock()
	s.retainLocked(k)
	s.mu.Unlock()
}

func (s *Store) release(k *CacheKey, gcAfter time.Duration) {
	s.mu.Lock()
	s.releaseLocked(k, gcAfter)
	s.mu.Unlock()
}

func (s *Store) retainLocked(k *CacheKey) {
	r := s.refs[k]
	if r == nil {
		r = &refState{}
		s.refs[k] = r
	}
	r.count++
}

func (s *Store) releaseLocked(k *CacheKey, gcAfter time.Duration) {
	r := s.refs[k]
	if r == nil || r.count == 0 {
		return
	}
	r.count--
	if r.count == 0 {
		r.releasedAt = s.clock.Now()
		r.gcAfter = max(gcAfter, 0)
	}
}

// trackLocked starts the grace period of root entries nothing retains,
// such as related objects of a fetch or unobserved writes. Rewriting such
// an entry restarts its grace period.
func (s *Store) trackLocked(keys []*CacheKey, old, next *Layer, now time.Time) {
	before, after := old.Root(), next.Root()
	for _, k := range keys {
		e := after.Local(k)
		if e == nil || e == before.Local(k) {
			continue
		}
		switch r := s.refs[k]; {
		case r == nil:
			s.refs[k] = &refState{releasedAt: now, gcAfter: s.gcAfter}
		case r.count == 0:
			r.releasedAt = now
		}
	}
}

// Evictable reports whether k has no references and its grace period has
// elapsed.
func (s *Store) Evictable(k *CacheKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictableLocked(k, s.clock.Now())
}

func (s *Store) evictableLocked(k *CacheKey, now time.Time) bool {
	r := s.refs[k]
	return r != nil && r.count == 0 && now.Sub(r.releasedAt) >= r.gcAfter
}

type victim struct {
	key   *CacheKey
	entry *Entry
	q     *query
}

// Sweep evicts every evictable key: its root entry is dropped (and spilled
// when configured) and its query is disposed. Entries written with no
// reference count as released at write time. Keys an overlay still holds
// are kept until the overlay is gone. It returns the number of evicted keys.
func (s *Store) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	top := s.top.Load()
	var victims []victim
	for k := range s.refs {
		if !s.evictableLocked(k, now) || heldByOverlay(top, k) {
			continue
		}
		victims = append(victims, victim{key: k, entry: top.Root().Local(k), q: s.queries[k]})
		delete(s.refs, k)
		delete(s.queries, k)
		top, _ = top.replace(RootLayer, func(l *Layer) *Layer { return l.Set(k, nil) })
	}
	s.top.Store(top)
	s.mu.Unlock()

	for _, v := range victims {
		if v.q != nil {
			v.q.dispose()
		}
		if v.entry != nil && s.spill != nil {
			s.spill.put(context.Background(), v.key, v.entry)
		}
		s.hooks.KeyEvicted(v.key.String())
	}
	if len(victims) > 0 {
		s.log.Debug("swept idle keys", Fields{"evicted": len(victims)})
	}
	return len(victims)
}

func heldByOverlay(top *Layer, k *CacheKey) bool {
	for l := top; l.parent != nil; l = l.parent {
		if l.Local(k) != nil {
			return true
		}
	}
	return false
}
