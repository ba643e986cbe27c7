package engine

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{labelEngine: "rank0"}
	metrics.DriverStarted(base)
	metrics.DriverStopped(base)

	moduleAttrs := map[string]string{
		labelEngine: "rank0",
		labelModule: "nic0",
	}
	metrics.ProgressError("progress_error", errors.New("boom"), moduleAttrs)
	metrics.EndpointConnected(moduleAttrs)
	metrics.MessageSent(moduleAttrs)
	metrics.MessageQueued(moduleAttrs)
	metrics.MessageFailed(errors.New("fail"), moduleAttrs)
	metrics.MessageReceived(moduleAttrs)
	metrics.MessageReceived(moduleAttrs)
	metrics.HandleExhausted(moduleAttrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"btl.engine.driver.started":  1,
		"btl.engine.driver.stopped":  1,
		"btl.engine.progress.errors": 1,
		"btl.endpoint.connected":     1,
		"btl.smsg.sent":              1,
		"btl.smsg.queued":            1,
		"btl.smsg.failed":            1,
		"btl.smsg.received":          2,
		"btl.rdma.handle_retries":    1,
	}

	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
