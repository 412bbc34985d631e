package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownAgentPermitted(t *testing.T) {
	r := New(Config{Threshold: 3, ResetWindow: time.Second}, nil)

	assert.Equal(t, StateClosed, r.State("never-seen"))
	assert.True(t, r.AllowRequest("agent-a"))
	r.RecordSuccess("agent-a")
	assert.Equal(t, StateClosed, r.State("agent-a"))
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	r := New(Config{Threshold: 3, ResetWindow: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}

	assert.Equal(t, StateOpen, r.State("agent-a"))
	assert.False(t, r.AllowRequest("agent-a"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r := New(Config{Threshold: 3, ResetWindow: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}
	require.True(t, r.AllowRequest("agent-a"))
	r.RecordSuccess("agent-a")

	// Two more failures stay below the threshold after the reset.
	for i := 0; i < 2; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}
	assert.Equal(t, StateClosed, r.State("agent-a"))
	assert.True(t, r.AllowRequest("agent-a"))
}

func TestHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	r := New(Config{Threshold: 3, ResetWindow: 100 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}
	require.Equal(t, StateOpen, r.State("agent-a"))
	require.False(t, r.AllowRequest("agent-a"))

	time.Sleep(150 * time.Millisecond)

	// Many concurrent callers race for the probe slot; exactly one wins.
	const callers = 50
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.AllowRequest("agent-a") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load(), "half-open must admit exactly one probe")
	assert.Equal(t, StateHalfOpen, r.State("agent-a"))
}

func TestProbeSuccessCloses(t *testing.T) {
	r := New(Config{Threshold: 3, ResetWindow: 100 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}

	time.Sleep(150 * time.Millisecond)

	require.True(t, r.AllowRequest("agent-a"))
	r.RecordSuccess("agent-a")

	assert.Equal(t, StateClosed, r.State("agent-a"))
	assert.True(t, r.AllowRequest("agent-a"))
}

func TestProbeFailureReopens(t *testing.T) {
	r := New(Config{Threshold: 3, ResetWindow: 100 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}

	time.Sleep(150 * time.Millisecond)

	require.True(t, r.AllowRequest("agent-a"))
	r.RecordFailure("agent-a")

	assert.Equal(t, StateOpen, r.State("agent-a"))
	assert.False(t, r.AllowRequest("agent-a"))
}

func TestCircuitsAreIndependent(t *testing.T) {
	r := New(Config{Threshold: 2, ResetWindow: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}

	assert.Equal(t, StateOpen, r.State("agent-a"))
	assert.Equal(t, StateClosed, r.State("agent-b"))
	assert.True(t, r.AllowRequest("agent-b"))
}

func TestConcurrentOutcomesMatchAdmissions(t *testing.T) {
	// Interleaved admissions and outcomes from many goroutines must not
	// deadlock or corrupt the pending queue.
	r := New(Config{Threshold: 100, ResetWindow: time.Minute}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if r.AllowRequest("agent-a") {
					if (n+j)%2 == 0 {
						r.RecordSuccess("agent-a")
					} else {
						r.RecordFailure("agent-a")
					}
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, r.State("agent-a"))
}

func TestRecordWithoutAdmission(t *testing.T) {
	r := New(Config{Threshold: 2, ResetWindow: time.Minute}, nil)

	// Failures reported without a prior AllowRequest still count.
	r.RecordFailure("agent-a")
	r.RecordFailure("agent-a")
	assert.Equal(t, StateOpen, r.State("agent-a"))

	// Reports against an open circuit are dropped, not queued.
	r.RecordSuccess("agent-a")
	assert.Equal(t, StateOpen, r.State("agent-a"))
}

func TestCleanup(t *testing.T) {
	r := New(Config{Threshold: 1, ResetWindow: time.Minute}, nil)

	require.True(t, r.AllowRequest("agent-a"))
	r.RecordFailure("agent-a")
	require.True(t, r.AllowRequest("agent-b"))
	r.RecordSuccess("agent-b")

	removed := r.Cleanup([]string{"agent-b"})
	assert.Equal(t, 1, removed)

	// The vanished agent's open circuit is gone; a fresh circuit permits.
	assert.Equal(t, StateClosed, r.State("agent-a"))
	assert.True(t, r.AllowRequest("agent-a"))
}

func TestSnapshots(t *testing.T) {
	r := New(Config{Threshold: 2, ResetWindow: time.Minute}, nil)

	require.True(t, r.AllowRequest("agent-b"))
	r.RecordSuccess("agent-b")
	for i := 0; i < 2; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)

	// Sorted by agent id.
	assert.Equal(t, "agent-a", snaps[0].AgentID)
	assert.Equal(t, StateOpen, snaps[0].State)
	assert.NotNil(t, snaps[0].LastFailureAt)
	assert.NotNil(t, snaps[0].OpenedAt)

	assert.Equal(t, "agent-b", snaps[1].AgentID)
	assert.Equal(t, StateClosed, snaps[1].State)
	assert.Nil(t, snaps[1].OpenedAt)
}

func TestSnapshotFailureCountSurvivesOpen(t *testing.T) {
	r := New(Config{Threshold: 2, ResetWindow: 100 * time.Millisecond}, nil)

	for i := 0; i < 2; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}

	// The count must not vanish when the circuit trips.
	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, StateOpen, snaps[0].State)
	assert.Equal(t, uint32(2), snaps[0].ConsecutiveFailures)

	// A failed probe keeps counting.
	time.Sleep(150 * time.Millisecond)
	require.True(t, r.AllowRequest("agent-a"))
	r.RecordFailure("agent-a")
	snaps = r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, StateOpen, snaps[0].State)
	assert.Equal(t, uint32(3), snaps[0].ConsecutiveFailures)

	// A probe success closes the circuit and resets the count.
	time.Sleep(150 * time.Millisecond)
	require.True(t, r.AllowRequest("agent-a"))
	r.RecordSuccess("agent-a")
	snaps = r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, StateClosed, snaps[0].State)
	assert.Zero(t, snaps[0].ConsecutiveFailures)
}

func TestTransitionHook(t *testing.T) {
	var mu sync.Mutex
	type transition struct{ from, to State }
	var seen []transition

	r := New(Config{Threshold: 2, ResetWindow: 100 * time.Millisecond}, func(agentID string, from, to State) {
		mu.Lock()
		seen = append(seen, transition{from, to})
		mu.Unlock()
	})

	for i := 0; i < 2; i++ {
		require.True(t, r.AllowRequest("agent-a"))
		r.RecordFailure("agent-a")
	}
	time.Sleep(150 * time.Millisecond)
	require.True(t, r.AllowRequest("agent-a"))
	r.RecordSuccess("agent-a")

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, transition{StateClosed, StateOpen}, seen[0])
	assert.Equal(t, transition{StateOpen, StateHalfOpen}, seen[1])
	assert.Equal(t, transition{StateHalfOpen, StateClosed}, seen[2])
}
