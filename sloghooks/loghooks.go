package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/syncache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DedupEvery uint64
	SpillEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	dedupCtr atomic.Uint64
	spillCtr atomic.Uint64
}

var _ syncache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchStarted(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("syncache.fetch_started", "key", h.redact(key))
}

func (h *Hooks) FetchDeduplicated(key, reason string) {
	if h.l == nil || !sample(h.opts.DedupEvery, &h.dedupCtr) {
		return
	}
	h.l.Debug("syncache.fetch_deduplicated",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) FetchFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncache.fetch_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) FetchCancelled(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("syncache.fetch_cancelled", "key", h.redact(key))
}

func (h *Hooks) BatchCommitted(keys, subscribers int) {
	if h.l == nil {
		return
	}
	h.l.Debug("syncache.batch_committed",
		"keys", keys,
		"subscribers", subscribers)
}

func (h *Hooks) SubscriberPanicked(key string, recovered any) {
	if h.l == nil {
		return
	}
	h.l.Error("syncache.subscriber_panicked",
		"key", h.redact(key),
		"panic", recovered)
}

func (h *Hooks) KeyEvicted(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("syncache.key_evicted", "key", h.redact(key))
}

func (h *Hooks) SpillRejected(key, reason string) {
	if h.l == nil || !sample(h.opts.SpillEvery, &h.spillCtr) {
		return
	}
	h.l.Info("syncache.spill_rejected",
		"key", h.redact(key),
		"reason", reason)
}
