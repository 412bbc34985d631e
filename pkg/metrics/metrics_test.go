package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.ObserveDispatch(OutcomeDispatched, 120*time.Millisecond)
	r.ObserveDispatch(OutcomeDispatched, 80*time.Millisecond)
	r.ObserveDispatch(OutcomeNoAgent, 0)
	r.SetQueueDepth(7)
	r.AddDeadLetter()
	r.AddOrphanRequeues(3)
	r.AddOrphanRequeues(0)
	r.AddAgentsOffline(2)
	r.BreakerTransition("closed", "open")

	assert.Equal(t, float64(2),
		testutil.ToFloat64(r.dispatchesTotal.WithLabelValues(OutcomeDispatched)))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(r.dispatchesTotal.WithLabelValues(OutcomeNoAgent)))
	assert.Equal(t, float64(7), testutil.ToFloat64(r.queueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.deadLettersTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.orphanRequeues))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.agentsOffline))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(r.breakerTransitions.WithLabelValues("closed", "open")))
}

func TestRecorderRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	// Vecs only gather once a child exists.
	r.ObserveDispatch(OutcomeQueued, 0)
	r.BreakerTransition("open", "half-open")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.ElementsMatch(t, []string{
		"steward_dispatches_total",
		"steward_dispatch_duration_seconds",
		"steward_queue_pending_depth",
		"steward_dead_letters_total",
		"steward_orphan_requeues_total",
		"steward_agents_offlined_total",
		"steward_breaker_transitions_total",
	}, names)
}

func TestNilRecorderRecordsNothing(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveDispatch(OutcomeFailed, time.Second)
		r.SetQueueDepth(1)
		r.AddDeadLetter()
		r.AddOrphanRequeues(1)
		r.AddAgentsOffline(1)
		r.BreakerTransition("half-open", "closed")
	})
}
