package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/steward-ci/steward/pkg/breaker"
	"github.com/steward-ci/steward/pkg/metrics"
	"github.com/steward-ci/steward/pkg/models"
	"github.com/steward-ci/steward/pkg/registry"
)

// DefaultMonitorInterval is how often the orphan monitor scans.
const DefaultMonitorInterval = 120 * time.Second

// DefaultStuckClaimAge is how old a dispatching claim must be before the
// sweep returns it to pending. Well above the 30s dispatch ceiling so a
// live claim on another master is never stolen.
const DefaultStuckClaimAge = 5 * time.Minute

// MonitorConfig tunes the orphan monitor.
type MonitorConfig struct {
	Interval      time.Duration
	StuckClaimAge time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultMonitorInterval
	}
	if c.StuckClaimAge <= 0 {
		c.StuckClaimAge = DefaultStuckClaimAge
	}
	return c
}

// Monitor recovers builds stranded on dead agents. Each pass marks stale
// agents offline, requeues their dispatched builds, prunes breaker state
// for deregistered agents, and releases stuck claims. Runs only on the
// leader; all operations are idempotent.
type Monitor struct {
	store    *Store
	registry *registry.Registry
	breakers *breaker.Registry
	recorder *metrics.Recorder
	cfg      MonitorConfig

	wg sync.WaitGroup

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	lastScanAt     time.Time
	agentsOfflined int
	buildsRequeued int
}

// NewMonitor creates a stopped monitor.
func NewMonitor(store *Store, reg *registry.Registry, breakers *breaker.Registry, recorder *metrics.Recorder, cfg MonitorConfig) *Monitor {
	return &Monitor{
		store:    store,
		registry: reg,
		breakers: breakers,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the scan loop. Safe to call again after Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx, m.stopCh)

	slog.Info("Orphan monitor started", "interval", m.cfg.Interval)
}

// Stop signals the loop and waits for the current pass to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	m.mu.Unlock()

	close(stopCh)
	m.wg.Wait()
	slog.Info("Orphan monitor stopped")
}

// Health reports the monitor's counters.
func (m *Monitor) Health() MonitorHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorHealth{
		Running:        m.running,
		LastScanAt:     m.lastScanAt,
		AgentsOfflined: m.agentsOfflined,
		BuildsRequeued: m.buildsRequeued,
	}
}

func (m *Monitor) run(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	// Scan right away: after a leadership failover the new holder should
	// not leave orphans sitting for a full interval.
	m.scan(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan runs one recovery pass. Individual step failures are logged and
// never abort the pass or the loop.
func (m *Monitor) scan(ctx context.Context) {
	// Expire stale heartbeats first so the requeue below sees every
	// agent that just went dark.
	offlined := m.registry.CheckHealth()
	if offlined > 0 {
		m.recorder.AddAgentsOffline(offlined)
	}

	requeued := 0
	for _, agent := range m.registry.List("", true) {
		if agent.Status != models.AgentStatusOffline {
			continue
		}
		n, err := m.store.RequeueForAgent(ctx, agent.ID)
		if err != nil {
			slog.Error("Failed to requeue builds for offline agent",
				"agent_id", agent.ID, "error", err)
			continue
		}
		if n > 0 {
			slog.Warn("Requeued builds from offline agent",
				"agent_id", agent.ID, "count", n)
			requeued += n
		}
	}
	// Deregistered agents are gone from the registry but their dispatched
	// rows still name them; sweep those too so no build is stranded.
	holders, err := m.store.DispatchedAgentIDs(ctx)
	if err != nil {
		slog.Error("Failed to list dispatched build holders", "error", err)
	} else {
		for _, id := range holders {
			if _, ok := m.registry.Get(id); ok {
				continue
			}
			n, err := m.store.RequeueForAgent(ctx, id)
			if err != nil {
				slog.Error("Failed to requeue builds for deregistered agent",
					"agent_id", id, "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("Requeued builds from deregistered agent",
					"agent_id", id, "count", n)
				requeued += n
			}
		}
	}

	if requeued > 0 {
		m.recorder.AddOrphanRequeues(requeued)
	}

	if pruned := m.breakers.Cleanup(m.registry.IDs()); pruned > 0 {
		slog.Info("Pruned circuit breakers for removed agents", "count", pruned)
	}

	released, err := m.store.ReleaseStuckClaims(ctx, m.cfg.StuckClaimAge)
	if err != nil {
		slog.Error("Failed to release stuck claims", "error", err)
	} else if released > 0 {
		slog.Warn("Released stuck dispatch claims", "count", released)
	}

	if depth, err := m.store.DepthPending(ctx); err == nil {
		m.recorder.SetQueueDepth(depth)
	}

	m.mu.Lock()
	m.lastScanAt = time.Now()
	m.agentsOfflined += offlined
	m.buildsRequeued += requeued
	m.mu.Unlock()
}
