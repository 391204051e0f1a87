// Package promhooks exports store events as Prometheus counters.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/syncache"
)

// Hooks counts events per key kind. Keys are reduced to their kind so
// label cardinality stays fixed.
type Hooks struct {
	fetches      *prometheus.CounterVec // kind, outcome
	dedups       *prometheus.CounterVec // kind, reason
	batches      prometheus.Counter
	deliveries   prometheus.Counter
	panics       prometheus.Counter
	evictions    *prometheus.CounterVec // kind
	spillRejects *prometheus.CounterVec // reason
}

var _ syncache.Hooks = (*Hooks)(nil)

// New registers the collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) (*Hooks, error) {
	h := &Hooks{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Fetches by key kind and outcome.",
		}, []string{"kind", "outcome"}),
		dedups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_dedup_total",
			Help:      "Revalidations served without a new fetch.",
		}, []string{"kind", "reason"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_committed_total",
			Help:      "Batch commits that changed at least one entry.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Snapshots queued for subscribers.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_panics_total",
			Help:      "Recovered subscriber panics.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Idle keys evicted by the sweeper.",
		}, []string{"kind"}),
		spillRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spill_rejected_total",
			Help:      "Spilled entries not written or dropped on restore.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{
		h.fetches, h.dedups, h.batches, h.deliveries, h.panics, h.evictions, h.spillRejects,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) FetchStarted(key string) {
	h.fetches.WithLabelValues(syncache.KindOf(key), "started").Inc()
}

func (h *Hooks) FetchDeduplicated(key, reason string) {
	h.dedups.WithLabelValues(syncache.KindOf(key), reason).Inc()
}

func (h *Hooks) FetchFailed(key string, _ error) {
	h.fetches.WithLabelValues(syncache.KindOf(key), "failed").Inc()
}

func (h *Hooks) FetchCancelled(key string) {
	h.fetches.WithLabelValues(syncache.KindOf(key), "cancelled").Inc()
}

func (h *Hooks) BatchCommitted(_, subscribers int) {
	h.batches.Inc()
	h.deliveries.Add(float64(subscribers))
}

func (h *Hooks) SubscriberPanicked(string, any) { h.panics.Inc() }

func (h *Hooks) KeyEvicted(key string) {
	h.evictions.WithLabelValues(syncache.KindOf(key)).Inc()
}

func (h *Hooks) SpillRejected(_, reason string) {
	h.spillRejects.WithLabelValues(reason).Inc()
}
