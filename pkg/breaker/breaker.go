// Package breaker gates dispatch to agents that keep failing. Each agent
// gets its own circuit: repeated dispatch failures open it, a reset window
// later exactly one probe is admitted, and a probe success closes it again.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State is the circuit state exposed on observability payloads.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Defaults applied when Config fields are zero.
const (
	DefaultThreshold   = 5
	DefaultResetWindow = 60 * time.Second
)

// Config tunes every per-agent circuit.
type Config struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int
	// ResetWindow is how long an open circuit waits before admitting a
	// single probe.
	ResetWindow time.Duration
}

// Snapshot is one agent's circuit state for introspection endpoints.
type Snapshot struct {
	AgentID             string     `json:"agent_id"`
	State               State      `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// TransitionFunc observes circuit state changes, for metrics.
type TransitionFunc func(agentID string, from, to State)

// Registry holds one circuit per agent, created lazily. Unknown agents
// are treated as closed and always permitted.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg          Config
	onTransition TransitionFunc
}

type entry struct {
	cb *gobreaker.TwoStepCircuitBreaker

	// pending holds the outcome callbacks of admitted requests, oldest
	// first. AllowRequest pushes; RecordSuccess/RecordFailure pop.
	mu      sync.Mutex
	pending []func(bool)

	// stateMu guards the snapshot fields. consecutiveFailures is tracked
	// here rather than read from gobreaker's Counts(), which resets on
	// every generation change and would report zero for an open circuit.
	stateMu             sync.Mutex
	consecutiveFailures uint32
	lastFailureAt       time.Time
	openedAt            time.Time
}

// New creates a breaker registry. onTransition may be nil.
func New(cfg Config, onTransition TransitionFunc) *Registry {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = DefaultResetWindow
	}
	return &Registry{
		entries:      make(map[string]*entry),
		cfg:          cfg,
		onTransition: onTransition,
	}
}

// AllowRequest reports whether a dispatch to the agent may proceed. Every
// true return must be paired with a later RecordSuccess or RecordFailure.
// In the half-open state at most one caller gets true per reset window.
func (r *Registry) AllowRequest(agentID string) bool {
	e := r.entryFor(agentID)

	done, err := e.cb.Allow()
	if err != nil {
		return false
	}

	e.mu.Lock()
	e.pending = append(e.pending, done)
	e.mu.Unlock()
	return true
}

// RecordSuccess reports a successful dispatch outcome for the agent.
func (r *Registry) RecordSuccess(agentID string) {
	r.record(agentID, true)
}

// RecordFailure reports a failed dispatch outcome for the agent.
func (r *Registry) RecordFailure(agentID string) {
	r.record(agentID, false)
}

func (r *Registry) record(agentID string, success bool) {
	e := r.entryFor(agentID)

	e.mu.Lock()
	var done func(bool)
	if len(e.pending) > 0 {
		done = e.pending[0]
		e.pending = e.pending[1:]
	}
	e.mu.Unlock()

	if done == nil {
		// Outcome reported without a prior admission. Acquire one now so
		// the circuit still sees it; an open circuit drops the report.
		var err error
		done, err = e.cb.Allow()
		if err != nil {
			return
		}
	}

	e.stateMu.Lock()
	if success {
		e.consecutiveFailures = 0
	} else {
		e.consecutiveFailures++
		e.lastFailureAt = time.Now()
	}
	e.stateMu.Unlock()

	// done must run outside e.mu: a resulting state change calls back
	// into the transition hook.
	done(success)
}

// State returns the agent's current circuit state. Unknown agents are
// closed.
func (r *Registry) State(agentID string) State {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return fromGobreaker(e.cb.State())
}

// Snapshots returns the state of every known circuit, sorted by agent id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	byID := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		ids = append(ids, id)
		byID[id] = e
	}
	r.mu.Unlock()

	sort.Strings(ids)

	snapshots := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		e := byID[id]
		snap := Snapshot{
			AgentID: id,
			State:   fromGobreaker(e.cb.State()),
		}
		e.stateMu.Lock()
		snap.ConsecutiveFailures = e.consecutiveFailures
		if !e.lastFailureAt.IsZero() {
			lf := e.lastFailureAt
			snap.LastFailureAt = &lf
		}
		if !e.openedAt.IsZero() {
			oa := e.openedAt
			snap.OpenedAt = &oa
		}
		e.stateMu.Unlock()
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// Cleanup drops circuits for agents no longer registered and returns how
// many were removed.
func (r *Registry) Cleanup(activeIDs []string) int {
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = struct{}{}
	}

	r.mu.Lock()
	removed := 0
	for id := range r.entries {
		if _, ok := active[id]; !ok {
			delete(r.entries, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		slog.Debug("Removed circuit breakers for vanished agents", "count", removed)
	}
	return removed
}

func (r *Registry) entryFor(agentID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[agentID]; ok {
		return e
	}

	e := &entry{}
	threshold := uint32(r.cfg.Threshold)
	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 1,
		Timeout:     r.cfg.ResetWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				e.stateMu.Lock()
				e.openedAt = time.Now()
				e.stateMu.Unlock()
			}
			slog.Info("Circuit breaker state changed",
				"agent_id", name,
				"from", string(fromGobreaker(from)),
				"to", string(fromGobreaker(to)))
			if r.onTransition != nil {
				r.onTransition(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	r.entries[agentID] = e
	return e
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
