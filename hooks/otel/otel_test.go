package otelhooks

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestRecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	h, err := New(mp.Meter("syncache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h.FetchStarted("object:user:a")
	h.FetchStarted("list:user:b")
	h.FetchCancelled("list:user:b")
	h.FetchDeduplicated("object:user:a", "inflight")
	h.BatchCommitted(2, 3)
	h.SubscriberPanicked("object:user:a", "boom")
	h.KeyEvicted("object:user:a")
	h.SpillRejected("object:user:a", "corrupt")

	got := collect(t, reader)
	want := map[string]int64{
		"syncache.fetch.total":       3,
		"syncache.fetch.dedup":       1,
		"syncache.batch.committed":   1,
		"syncache.delivery.total":    3,
		"syncache.subscriber.panics": 1,
		"syncache.evictions":         1,
		"syncache.spill.rejected":    1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s=%d want %d (all=%v)", name, got[name], v, got)
		}
	}
}
