// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Forward pass phases.
const (
	PhasePrompt = "prompt"
	PhaseDecode = "decode"
)

// Metrics groups the collectors of one engine. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	tokensGenerated prometheus.Counter
	promptTokens    prometheus.Counter
	forwardSeconds  *prometheus.HistogramVec
	generations     *prometheus.CounterVec
	kvPositions     prometheus.Gauge
	inflight        prometheus.Gauge
}

// New registers the strata collectors on reg, or on a fresh registry when reg
// is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		tokensGenerated: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_tokens_generated_total",
			Help: "Tokens sampled and delivered to callers.",
		}),
		promptTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_prompt_tokens_total",
			Help: "Prompt tokens evaluated.",
		}),
		forwardSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_forward_seconds",
			Help:    "Duration of one forward pass.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"phase"}),
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_generations_total",
			Help: "Finished generations by stop reason.",
		}, []string{"stop_reason"}),
		kvPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "strata_kv_cache_positions",
			Help: "Cache positions in use by the most recently evaluated session.",
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "strata_generations_inflight",
			Help: "Generations currently holding an engine slot.",
		}),
	}
}

// WithRuntime adds the Go runtime and process collectors.
func (m *Metrics) WithRuntime() *Metrics {
	if m == nil {
		return nil
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveForward records one forward pass of n tokens that left the cache at
// pos positions.
func (m *Metrics) ObserveForward(phase string, n, pos int, d time.Duration) {
	if m == nil {
		return
	}
	m.forwardSeconds.WithLabelValues(phase).Observe(d.Seconds())
	if phase == PhasePrompt {
		m.promptTokens.Add(float64(n))
	}
	m.kvPositions.Set(float64(pos))
}

// ObserveGeneration records a finished generation.
func (m *Metrics) ObserveGeneration(stopReason string, generated int) {
	if m == nil {
		return
	}
	m.tokensGenerated.Add(float64(generated))
	m.generations.WithLabelValues(stopReason).Inc()
}

// Begin marks a generation as running until the returned func is called.
func (m *Metrics) Begin() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}
