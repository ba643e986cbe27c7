package engine

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	driverStarted     *prometheus.CounterVec
	driverStopped     *prometheus.CounterVec
	progressErrors    *prometheus.CounterVec
	endpointConnected *prometheus.CounterVec
	messageSent       *prometheus.CounterVec
	messageQueued     *prometheus.CounterVec
	messageFailed     *prometheus.CounterVec
	messageReceived   *prometheus.CounterVec
	handleExhausted   *prometheus.CounterVec
}

var (
	driverLabelKeys = []string{labelEngine}
	errorLabelKeys  = []string{labelEngine, labelModule, labelKind}
	moduleLabelKeys = []string{labelEngine, labelModule}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered on the registerer are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		driverStarted:     counter("btl_engine_driver_started_total", "Number of times the progress loop started", driverLabelKeys),
		driverStopped:     counter("btl_engine_driver_stopped_total", "Number of times the progress loop stopped", driverLabelKeys),
		progressErrors:    counter("btl_engine_progress_errors_total", "Number of errors surfaced by module progress", errorLabelKeys),
		endpointConnected: counter("btl_endpoint_connected_total", "Number of completed endpoint handshakes", moduleLabelKeys),
		messageSent:       counter("btl_smsg_sent_total", "Number of short messages handed to the fabric", moduleLabelKeys),
		messageQueued:     counter("btl_smsg_queued_total", "Number of short messages queued for credits or connection", moduleLabelKeys),
		messageFailed:     counter("btl_smsg_failed_total", "Number of short messages that failed", moduleLabelKeys),
		messageReceived:   counter("btl_smsg_received_total", "Number of short messages received", moduleLabelKeys),
		handleExhausted:   counter("btl_rdma_handle_retries_total", "Number of RDMA handle acquisitions retried on exhaustion or bind failure", moduleLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.driverStarted,
		&p.driverStopped,
		&p.progressErrors,
		&p.endpointConnected,
		&p.messageSent,
		&p.messageQueued,
		&p.messageFailed,
		&p.messageReceived,
		&p.handleExhausted,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) DriverStarted(attrs map[string]string) {
	p.driverStarted.With(labels(attrs, driverLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DriverStopped(attrs map[string]string) {
	p.driverStopped.With(labels(attrs, driverLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProgressError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, errorLabelKeys...)
	labs[labelKind] = kind
	p.progressErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) EndpointConnected(attrs map[string]string) {
	p.endpointConnected.With(labels(attrs, moduleLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MessageSent(attrs map[string]string) {
	p.messageSent.With(labels(attrs, moduleLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MessageQueued(attrs map[string]string) {
	p.messageQueued.With(labels(attrs, moduleLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MessageFailed(_ error, attrs map[string]string) {
	p.messageFailed.With(labels(attrs, moduleLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MessageReceived(attrs map[string]string) {
	p.messageReceived.With(labels(attrs, moduleLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandleExhausted(attrs map[string]string) {
	p.handleExhausted.With(labels(attrs, moduleLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
