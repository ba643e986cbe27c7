package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	driverStarted     metric.Int64Counter
	driverStopped     metric.Int64Counter
	progressErrors    metric.Int64Counter
	endpointConnected metric.Int64Counter
	messageSent       metric.Int64Counter
	messageQueued     metric.Int64Counter
	messageFailed     metric.Int64Counter
	messageReceived   metric.Int64Counter
	handleExhausted   metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/btl-go/engine"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.driverStarted, "btl.engine.driver.started"},
		{&o.driverStopped, "btl.engine.driver.stopped"},
		{&o.progressErrors, "btl.engine.progress.errors"},
		{&o.endpointConnected, "btl.endpoint.connected"},
		{&o.messageSent, "btl.smsg.sent"},
		{&o.messageQueued, "btl.smsg.queued"},
		{&o.messageFailed, "btl.smsg.failed"},
		{&o.messageReceived, "btl.smsg.received"},
		{&o.handleExhausted, "btl.rdma.handle_retries"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// DriverStarted records that the progress loop has started executing.
func (o *OTelMetrics) DriverStarted(attrs map[string]string) {
	o.driverStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DriverStopped records that the progress loop has exited.
func (o *OTelMetrics) DriverStopped(attrs map[string]string) {
	o.driverStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ProgressError counts errors surfaced by module progress.
func (o *OTelMetrics) ProgressError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.progressErrors.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// EndpointConnected records a completed handshake.
func (o *OTelMetrics) EndpointConnected(attrs map[string]string) {
	o.endpointConnected.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// MessageSent records a short message handed to the fabric.
func (o *OTelMetrics) MessageSent(attrs map[string]string) {
	o.messageSent.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// MessageQueued records a short message that waited for credits or a connection.
func (o *OTelMetrics) MessageQueued(attrs map[string]string) {
	o.messageQueued.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// MessageFailed records a short message that failed.
func (o *OTelMetrics) MessageFailed(_ error, attrs map[string]string) {
	o.messageFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// MessageReceived records an incoming short message.
func (o *OTelMetrics) MessageReceived(attrs map[string]string) {
	o.messageReceived.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// HandleExhausted records a retried RDMA handle acquisition.
func (o *OTelMetrics) HandleExhausted(attrs map[string]string) {
	o.handleExhausted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelEngine, attrs[labelEngine]),
	}
	if v := attrs[labelModule]; v != "" {
		kvs = append(kvs, attribute.String(labelModule, v))
	}
	return kvs
}
