// Package metrics exposes Prometheus counters and histograms for the assistant.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskpilot"

// Collector owns a private registry so tests and multiple servers never share state.
type Collector struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	completions      *prometheus.CounterVec
	completionTime   *prometheus.HistogramVec
	promptTokens     *prometheus.CounterVec
	completionTokens *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	connectionTests  *prometheus.CounterVec
}

// New registers every metric on a fresh registry, along with the Go runtime
// and process collectors.
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "completions_total",
			Help:      "Completions served per provider and model",
		}, []string{"provider", "model", "stream"}),
		completionTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "completion_duration_seconds",
			Help:      "Provider completion latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "stream"}),
		promptTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "tokens_prompt_total",
			Help:      "Total prompt tokens consumed",
		}, []string{"provider", "model"}),
		completionTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "tokens_completion_total",
			Help:      "Total completion tokens generated",
		}, []string{"provider", "model"}),
		providerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "provider_errors_total",
			Help:      "Provider call failures by error kind",
		}, []string{"provider", "error_type"}),
		connectionTests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "connection_tests_total",
			Help:      "Credential connectivity probes by outcome",
		}, []string{"provider", "result"}),
	}
}

// ObserveHTTP records one served HTTP request.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveCompletion records a finished completion and its token usage.
func (c *Collector) ObserveCompletion(provider, model string, stream bool, elapsed time.Duration, promptTokens, completionTokens int) {
	streamLabel := strconv.FormatBool(stream)
	c.completions.WithLabelValues(provider, model, streamLabel).Inc()
	c.completionTime.WithLabelValues(provider, streamLabel).Observe(elapsed.Seconds())
	if promptTokens > 0 {
		c.promptTokens.WithLabelValues(provider, model).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.completionTokens.WithLabelValues(provider, model).Add(float64(completionTokens))
	}
}

// ObserveProviderError counts a failed provider call.
func (c *Collector) ObserveProviderError(provider, kind string) {
	c.providerErrors.WithLabelValues(provider, kind).Inc()
}

// ObserveConnectionTest counts a connectivity probe.
func (c *Collector) ObserveConnectionTest(provider string, success bool) {
	result := "failed"
	if success {
		result = "success"
	}
	c.connectionTests.WithLabelValues(provider, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
