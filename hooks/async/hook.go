// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    DedupEvery: 10, // sample logs: ~every 10th deduplicated fetch
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, _ := syncache.New(syncache.Options{
//	    Fetcher: fetcher,
//	    Hooks:   hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/syncache"
)

type Hooks struct {
	inner syncache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once

	mu     sync.RWMutex
	closed bool
}

var _ syncache.Hooks = (*Hooks)(nil)

func New(inner syncache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events fired after
// Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) FetchStarted(k string)         { h.try(func() { h.inner.FetchStarted(k) }) }
func (h *Hooks) FetchCancelled(k string)       { h.try(func() { h.inner.FetchCancelled(k) }) }
func (h *Hooks) KeyEvicted(k string)           { h.try(func() { h.inner.KeyEvicted(k) }) }
func (h *Hooks) FetchDeduplicated(k, r string) { h.try(func() { h.inner.FetchDeduplicated(k, r) }) }
func (h *Hooks) SpillRejected(k, r string)     { h.try(func() { h.inner.SpillRejected(k, r) }) }
func (h *Hooks) FetchFailed(k string, err error) {
	h.try(func() { h.inner.FetchFailed(k, err) })
}
func (h *Hooks) BatchCommitted(keys, subs int) {
	h.try(func() { h.inner.BatchCommitted(keys, subs) })
}
func (h *Hooks) SubscriberPanicked(k string, r any) {
	h.try(func() { h.inner.SubscriberPanicked(k, r) })
}
