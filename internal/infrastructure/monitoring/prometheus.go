package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
)

// Metrics is the Prometheus observation sink plus the backend-state
// collector. One instance per process.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	upstreamSeconds *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
}

var _ pipeline.Sink = (*Metrics)(nil)

// NewMetrics registers the gateway metric families on a fresh registry.
func NewMetrics(backends *routing.Registry) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests received, by category.",
		}, []string{"category"}),
		upstreamSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream call duration.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"pipeline"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Token usage reported by upstreams.",
		}, []string{"pipeline", "direction"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Request failures, by error kind.",
		}, []string{"kind"}),
		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_attempts_total",
			Help: "Backend selections, including failover retries.",
		}, []string{"pipeline"}),
	}

	if backends != nil {
		reg.MustRegister(&backendCollector{backends: backends})
	}
	return m
}

func (m *Metrics) Name() string { return "prometheus" }

// Consume folds one observation event into the metric families.
func (m *Metrics) Consume(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventCategoryChosen:
		m.requestsTotal.WithLabelValues(string(ev.Category)).Inc()
	case pipeline.EventBackendSelected:
		m.attemptsTotal.WithLabelValues(ev.Pipeline).Inc()
	case pipeline.EventUpstreamEnd:
		if ev.LatencyMs > 0 {
			m.upstreamSeconds.WithLabelValues(ev.Pipeline).Observe(ev.LatencyMs / 1000)
		}
		if ev.InputTokens > 0 {
			m.tokensTotal.WithLabelValues(ev.Pipeline, "input").Add(float64(ev.InputTokens))
		}
		if ev.OutputTokens > 0 {
			m.tokensTotal.WithLabelValues(ev.Pipeline, "output").Add(float64(ev.OutputTokens))
		}
	case pipeline.EventError:
		m.errorsTotal.WithLabelValues(ev.ErrorKind).Inc()
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// backendCollector exposes live backend state as gauges, read from the
// registry snapshot at scrape time.
type backendCollector struct {
	backends *routing.Registry
}

var (
	inFlightDesc = prometheus.NewDesc(
		"gateway_backend_in_flight",
		"In-flight requests per backend.",
		[]string{"pipeline"}, nil)
	ewmaDesc = prometheus.NewDesc(
		"gateway_backend_latency_ewma_ms",
		"Smoothed backend latency in milliseconds.",
		[]string{"pipeline"}, nil)
	successRateDesc = prometheus.NewDesc(
		"gateway_backend_success_rate",
		"Success rate over the recent outcome window.",
		[]string{"pipeline"}, nil)
	healthyDesc = prometheus.NewDesc(
		"gateway_backend_healthy",
		"1 when the backend is healthy, 0 otherwise.",
		[]string{"pipeline"}, nil)
)

func (c *backendCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- inFlightDesc
	ch <- ewmaDesc
	ch <- successRateDesc
	ch <- healthyDesc
}

func (c *backendCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.backends.Snapshot() {
		ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue,
			float64(b.InFlight), b.PipelineID)
		ch <- prometheus.MustNewConstMetric(ewmaDesc, prometheus.GaugeValue,
			b.EWMALatencyMs, b.PipelineID)
		ch <- prometheus.MustNewConstMetric(successRateDesc, prometheus.GaugeValue,
			b.SuccessRate, b.PipelineID)
		healthy := 0.0
		if b.Status == routing.StatusHealthy {
			healthy = 1
		}
		ch <- prometheus.MustNewConstMetric(healthyDesc, prometheus.GaugeValue,
			healthy, b.PipelineID)
	}
}
