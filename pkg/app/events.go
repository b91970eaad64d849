package app

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// LogEventSink writes every lifecycle event to a logger at debug level,
// failures at error level.
type LogEventSink struct {
	logger common.LoggerInterface
}

// NewLogEventSink creates a LogEventSink
func NewLogEventSink(logger common.LoggerInterface) *LogEventSink {
	return &LogEventSink{logger: logger}
}

// Emit implements common.EventSink
func (s *LogEventSink) Emit(_ context.Context, event common.Event) {
	args := []interface{}{"run_id", event.RunID, "zone", event.Zone, "domain", event.Domain}
	for k, v := range event.Detail {
		args = append(args, k, v)
	}
	if event.Err != nil {
		args = append(args, "error", event.Err)
		s.logger.Error(string(event.Kind), args...)
		return
	}
	s.logger.Debug(string(event.Kind), args...)
}

// MultiSink fans events out to several sinks
type MultiSink []common.EventSink

// Emit implements common.EventSink
func (m MultiSink) Emit(ctx context.Context, event common.Event) {
	for _, sink := range m {
		sink.Emit(ctx, event)
	}
}

const metricsNamespace = "acme_keyvault_renewer"

// MetricsSink counts lifecycle events and run outcomes in its own registry
type MetricsSink struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	domains        *prometheus.CounterVec
	certExpiry     *prometheus.GaugeVec
	lastRun        prometheus.Gauge
	lastRunSuccess prometheus.Gauge
	lastRunSeconds prometheus.Gauge
}

// NewMetricsSink creates a MetricsSink with freshly registered collectors
func NewMetricsSink() *MetricsSink {
	m := &MetricsSink{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Renewal lifecycle events by kind.",
		}, []string{"kind"}),
		domains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "domains_total",
			Help:      "Processed domains by outcome.",
		}, []string{"outcome"}),
		certExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "certificate_not_after_seconds",
			Help:      "Expiry of the newest known certificate per domain, in unix seconds.",
		}, []string{"domain"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Time the last renewal run finished.",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_success",
			Help:      "1 if the last renewal run had no failed domains.",
		}),
		lastRunSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the last renewal run.",
		}),
	}
	m.registry.MustRegister(m.events, m.domains, m.certExpiry, m.lastRun, m.lastRunSuccess, m.lastRunSeconds)
	return m
}

// Registry returns the registry holding the renewal metrics
func (m *MetricsSink) Registry() *prometheus.Registry {
	return m.registry
}

// Emit implements common.EventSink
func (m *MetricsSink) Emit(_ context.Context, event common.Event) {
	m.events.WithLabelValues(string(event.Kind)).Inc()

	switch event.Kind {
	case common.EventCertificateStored, common.EventRenewalSkipped:
		key := "not_after"
		if event.Kind == common.EventRenewalSkipped {
			key = "expires"
		}
		if ts, err := time.Parse(time.RFC3339, event.Detail[key]); err == nil && event.Domain != "" {
			m.certExpiry.WithLabelValues(event.Domain).Set(float64(ts.Unix()))
		}
	}
}

// ObserveRun records the outcome of a finished run
func (m *MetricsSink) ObserveRun(summary RunSummary) {
	for _, res := range summary.Results {
		m.domains.WithLabelValues(string(res.Outcome)).Inc()
	}
	m.lastRun.Set(float64(summary.Finished.Unix()))
	m.lastRunSeconds.Set(summary.Finished.Sub(summary.Started).Seconds())
	if summary.Failed == 0 {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
}

// Publish writes the metrics to the node exporter textfile and pushes them
// to the Pushgateway, whichever are configured.
func (m *MetricsSink) Publish(ctx context.Context, cfg manager.MetricsConfig) error {
	if cfg.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Textfile, m.registry); err != nil {
			return common.NewStorageError(err, "write metrics textfile",
				"Failed to write metrics textfile").WithResource(cfg.Textfile)
		}
	}

	if cfg.PushgatewayURL != "" {
		job := cfg.Job
		if job == "" {
			job = manager.DefaultMetricsJob
		}
		pusher := push.New(cfg.PushgatewayURL, job).Gatherer(m.registry)
		if host, err := os.Hostname(); err == nil {
			pusher = pusher.Grouping("instance", host)
		}
		if err := pusher.PushContext(ctx); err != nil {
			return common.NewNetworkError(err, "push metrics",
				"Failed to push metrics to the Pushgateway").WithResource(cfg.PushgatewayURL)
		}
	}
	return nil
}
