// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Conductor.
type Metrics struct {
	// Message metrics
	MessagesTotal   *prometheus.CounterVec
	MessageDuration *prometheus.HistogramVec
	LoopIterations  prometheus.Histogram

	// Model metrics
	ModelCalls    *prometheus.CounterVec
	ModelLatency  *prometheus.HistogramVec
	ModelTokens   *prometheus.CounterVec
	ModelFallback *prometheus.CounterVec

	// Tool metrics
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	// Registry metrics
	ManifestRefreshes *prometheus.CounterVec
	ModulesDiscovered prometheus.Gauge

	// Budget metrics
	BudgetDenials prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration
// against the default registry happens once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			MessagesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_messages_total",
					Help: "Total number of incoming messages processed",
				},
				[]string{"platform", "outcome"},
			),
			MessageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conductor_message_duration_seconds",
					Help:    "End-to-end time to handle an incoming message",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
				},
				[]string{"platform"},
			),
			LoopIterations: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conductor_loop_iterations",
					Help:    "Number of model iterations taken per message",
					Buckets: prometheus.LinearBuckets(1, 1, 10),
				},
			),

			ModelCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_model_calls_total",
					Help: "Total number of model calls by model and result",
				},
				[]string{"model", "result"},
			),
			ModelLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conductor_model_latency_seconds",
					Help:    "Latency of individual model calls",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to 128s
				},
				[]string{"model"},
			),
			ModelTokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_model_tokens_total",
					Help: "Total tokens consumed by model calls",
				},
				[]string{"model", "direction"},
			),
			ModelFallback: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_model_fallbacks_total",
					Help: "Times a request was served by a fallback model",
				},
				[]string{"requested", "served"},
			),

			ToolCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_tool_calls_total",
					Help: "Total number of tool executions by module and outcome",
				},
				[]string{"module", "outcome"},
			),
			ToolDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conductor_tool_duration_seconds",
					Help:    "Duration of tool executions",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~102s
				},
				[]string{"module"},
			),

			ManifestRefreshes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_manifest_refreshes_total",
					Help: "Manifest discovery attempts by module and result",
				},
				[]string{"module", "result"},
			),
			ModulesDiscovered: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_modules_discovered",
					Help: "Number of modules with a usable manifest",
				},
			),

			BudgetDenials: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "conductor_budget_denials_total",
					Help: "Messages rejected because the user exhausted their token budget",
				},
			),

			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_http_requests_total",
					Help: "Total HTTP requests by path and status code",
				},
				[]string{"path", "code"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conductor_http_request_duration_seconds",
					Help:    "HTTP request latency",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"path"},
			),
		}
	})

	return sharedMetrics
}
