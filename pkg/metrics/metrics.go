// Package metrics exposes Prometheus instrumentation for the dispatch
// pipeline. A nil *Recorder is valid and records nothing, so components
// can run uninstrumented in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcome labels.
const (
	OutcomeDispatched = "dispatched"
	OutcomeQueued     = "queued"
	OutcomeLocal      = "local"
	OutcomeFailed     = "failed"
	OutcomeNoAgent    = "no_agent"
)

// Recorder holds the master's metrics.
type Recorder struct {
	dispatchesTotal    *prometheus.CounterVec
	dispatchDuration   prometheus.Histogram
	queueDepth         prometheus.Gauge
	deadLettersTotal   prometheus.Counter
	orphanRequeues     prometheus.Counter
	agentsOffline      prometheus.Counter
	breakerTransitions *prometheus.CounterVec
}

// NewRecorder registers the master's metrics with reg. Pass
// prometheus.DefaultRegisterer to serve them from the default handler.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		dispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_dispatches_total",
				Help: "Dispatch decisions by outcome",
			},
			[]string{"outcome"},
		),
		dispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "steward_dispatch_duration_seconds",
				Help:    "Duration of dispatch HTTP calls to agents",
				Buckets: prometheus.DefBuckets,
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "steward_queue_pending_depth",
				Help: "Pending builds in the durable queue",
			},
		),
		deadLettersTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "steward_dead_letters_total",
				Help: "Builds moved to the dead letter queue",
			},
		),
		orphanRequeues: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "steward_orphan_requeues_total",
				Help: "Builds requeued after their agent went offline",
			},
		),
		agentsOffline: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "steward_agents_offlined_total",
				Help: "Agents marked offline by health checks",
			},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),
	}
}

// ObserveDispatch records one dispatch decision. Duration is only
// observed when an HTTP call actually happened.
func (r *Recorder) ObserveDispatch(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.dispatchesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		r.dispatchDuration.Observe(duration.Seconds())
	}
}

// SetQueueDepth updates the pending depth gauge.
func (r *Recorder) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// AddDeadLetter counts one build reaching the dead letter queue.
func (r *Recorder) AddDeadLetter() {
	if r == nil {
		return
	}
	r.deadLettersTotal.Inc()
}

// AddOrphanRequeues counts builds recovered from an offline agent.
func (r *Recorder) AddOrphanRequeues(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.orphanRequeues.Add(float64(n))
}

// AddAgentsOffline counts agents a health check marked offline.
func (r *Recorder) AddAgentsOffline(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.agentsOffline.Add(float64(n))
}

// BreakerTransition counts one circuit breaker state change.
func (r *Recorder) BreakerTransition(from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(from, to).Inc()
}
