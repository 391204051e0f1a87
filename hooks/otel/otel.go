// Package otelhooks records store events as OpenTelemetry metrics.
package otelhooks

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/syncache"
)

// Hooks records events on counters of one meter. Hooks carry no context,
// so measurements use context.Background.
type Hooks struct {
	fetches      metric.Int64Counter
	dedups       metric.Int64Counter
	batches      metric.Int64Counter
	deliveries   metric.Int64Counter
	panics       metric.Int64Counter
	evictions    metric.Int64Counter
	spillRejects metric.Int64Counter
}

var _ syncache.Hooks = (*Hooks)(nil)

// New creates the instruments on meter.
func New(meter metric.Meter) (*Hooks, error) {
	var (
		h   Hooks
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&h.fetches, "syncache.fetch.total", "Fetches by key kind and outcome", "{fetch}"},
		{&h.dedups, "syncache.fetch.dedup", "Revalidations served without a new fetch", "{call}"},
		{&h.batches, "syncache.batch.committed", "Batch commits that changed entries", "{batch}"},
		{&h.deliveries, "syncache.delivery.total", "Snapshots queued for subscribers", "{delivery}"},
		{&h.panics, "syncache.subscriber.panics", "Recovered subscriber panics", "{panic}"},
		{&h.evictions, "syncache.evictions", "Idle keys evicted by the sweeper", "{key}"},
		{&h.spillRejects, "syncache.spill.rejected", "Spilled entries not written or dropped on restore", "{entry}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}
	return &h, nil
}

func kind(key string) attribute.KeyValue {
	return attribute.String("syncache.kind", syncache.KindOf(key))
}

func (h *Hooks) fetch(key, outcome string) {
	h.fetches.Add(context.Background(), 1,
		metric.WithAttributes(kind(key), attribute.String("syncache.outcome", outcome)))
}

func (h *Hooks) FetchStarted(key string)         { h.fetch(key, "started") }
func (h *Hooks) FetchFailed(key string, _ error) { h.fetch(key, "failed") }
func (h *Hooks) FetchCancelled(key string)       { h.fetch(key, "cancelled") }

func (h *Hooks) FetchDeduplicated(key, reason string) {
	h.dedups.Add(context.Background(), 1,
		metric.WithAttributes(kind(key), attribute.String("syncache.reason", reason)))
}

func (h *Hooks) BatchCommitted(_, subscribers int) {
	ctx := context.Background()
	h.batches.Add(ctx, 1)
	h.deliveries.Add(ctx, int64(subscribers))
}

func (h *Hooks) SubscriberPanicked(string, any) {
	h.panics.Add(context.Background(), 1)
}

func (h *Hooks) KeyEvicted(key string) {
	h.evictions.Add(context.Background(), 1, metric.WithAttributes(kind(key)))
}

func (h *Hooks) SpillRejected(_, reason string) {
	h.spillRejects.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("syncache.reason", reason)))
}
