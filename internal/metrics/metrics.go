package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds the orchestrator's Prometheus collectors.
type Pipeline struct {
	attemptsTotal  *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	hedgesTotal    *prometheus.CounterVec
	chunksTotal    *prometheus.CounterVec
	turnsTotal     *prometheus.CounterVec
	degradedTotal  *prometheus.CounterVec
}

// NewPipeline builds and registers pipeline collectors. A nil registerer uses
// the default registry.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Pipeline{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceloop",
			Name:      "stage_attempts_total",
			Help:      "Provider attempts by stage, provider, and outcome.",
		}, []string{"stage", "provider", "outcome"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voiceloop",
			Name:      "stage_attempt_seconds",
			Help:      "Provider attempt latency by stage and provider.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1, 2.5, 5},
		}, []string{"stage", "provider"}),
		hedgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceloop",
			Name:      "stage_hedges_total",
			Help:      "Speculative fallback attempts started, by stage.",
		}, []string{"stage"}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceloop",
			Name:      "stage_chunks_total",
			Help:      "Chunks forwarded to the transport, by stage.",
		}, []string{"stage"}),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceloop",
			Name:      "turns_total",
			Help:      "Completed turns by terminal status.",
		}, []string{"status"}),
		degradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceloop",
			Name:      "stage_degraded_total",
			Help:      "Degraded-default substitutions by stage.",
		}, []string{"stage"}),
	}
	reg.MustRegister(p.attemptsTotal, p.attemptLatency, p.hedgesTotal, p.chunksTotal, p.turnsTotal, p.degradedTotal)
	return p
}

// ObserveAttempt records one terminal provider attempt. Nil receiver is a
// no-op so call sites do not guard.
func (p *Pipeline) ObserveAttempt(stage, provider, outcome string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.attemptsTotal.WithLabelValues(stage, provider, outcome).Inc()
	p.attemptLatency.WithLabelValues(stage, provider).Observe(elapsed.Seconds())
}

// ObserveHedge records one speculative fallback start.
func (p *Pipeline) ObserveHedge(stage string) {
	if p == nil {
		return
	}
	p.hedgesTotal.WithLabelValues(stage).Inc()
}

// ObserveChunk records one chunk forwarded to the transport.
func (p *Pipeline) ObserveChunk(stage string) {
	if p == nil {
		return
	}
	p.chunksTotal.WithLabelValues(stage).Inc()
}

// ObserveTurn records one terminal turn status.
func (p *Pipeline) ObserveTurn(status string) {
	if p == nil {
		return
	}
	p.turnsTotal.WithLabelValues(status).Inc()
}

// ObserveDegraded records one degraded-default substitution.
func (p *Pipeline) ObserveDegraded(stage string) {
	if p == nil {
		return
	}
	p.degradedTotal.WithLabelValues(stage).Inc()
}
