package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instruments exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	ProviderRequests   *prometheus.CounterVec
	ProviderTokens     *prometheus.CounterVec
	ToolExecutions     *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	CostUSD            *prometheus.CounterVec
	StreamBufferDrops  prometheus.Counter
}

// NewMetrics builds a metrics set on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "End-to-end run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider round-trips by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		ProviderTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Token usage by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Hosted tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_cache_lookups_total",
			Help:      "Run cache lookups by result.",
		}, []string{"result"}),
		CostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Accumulated run cost in USD by provider and model.",
		}, []string{"provider", "model"}),
		StreamBufferDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_buffer_drops_total",
			Help:      "Times the streaming accumulator dropped its prefix past the high-water mark.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for the underlying registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
