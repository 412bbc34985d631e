// Package registry maintains the in-memory table of build agents: who is
// registered, who is alive, and who has capacity for new work. The map is
// the authority for dispatch decisions; a write-through store keeps a
// durable copy so a restarted master can rehydrate.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steward-ci/steward/pkg/models"
)

// DefaultMaxBuilds is assigned when a registration omits max_builds.
const DefaultMaxBuilds = 2

// DefaultHeartbeatTimeout is how long an agent may go silent before the
// health check marks it offline.
const DefaultHeartbeatTimeout = 90 * time.Second

// persistTimeout bounds background writes to the store.
const persistTimeout = 5 * time.Second

// Store persists agent records behind the in-memory authority. A nil Store
// leaves the registry memory-only.
type Store interface {
	SaveAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	LoadAgents(ctx context.Context) ([]*models.Agent, error)
}

// Registration is the input to Register. Validation happens at the service
// boundary; the registry only applies defaults.
type Registration struct {
	Name       string
	URL        string
	Labels     []string
	MaxBuilds  int
	SystemInfo *models.SystemInfo
	OrgID      *string
	Region     string
}

// HeartbeatUpdate carries the optional fields an agent reports alongside
// its liveness signal.
type HeartbeatUpdate struct {
	CurrentBuilds *int
	SystemInfo    *models.SystemInfo
}

// Criteria scopes agent selection: required labels, tenant, and an
// optional resource request.
type Criteria struct {
	Labels    []string
	OrgID     string
	Resources *models.ResourceRequest
}

// Registry is the concurrent agent table. All returned agents are copies;
// callers never hold references into the map.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent

	store            Store
	scorer           *Scorer
	heartbeatTimeout time.Duration

	// now is swappable in tests to simulate heartbeat expiry.
	now func() time.Time
}

// New creates a Registry. store may be nil for memory-only operation;
// scorer may be nil to always rank by least-loaded.
func New(store Store, scorer *Scorer, heartbeatTimeout time.Duration) *Registry {
	if scorer == nil {
		scorer = NewScorer("", false)
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Registry{
		agents:           make(map[string]*models.Agent),
		store:            store,
		scorer:           scorer,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// Register adds a new agent and returns its record. Every call generates a
// fresh id; ids are never reused even for an agent re-registering under
// the same name.
func (r *Registry) Register(ctx context.Context, reg Registration) *models.Agent {
	maxBuilds := reg.MaxBuilds
	if maxBuilds <= 0 {
		maxBuilds = DefaultMaxBuilds
	}

	now := r.now()
	agent := &models.Agent{
		ID:            uuid.NewString(),
		Name:          reg.Name,
		URL:           reg.URL,
		Labels:        append([]string(nil), reg.Labels...),
		MaxBuilds:     maxBuilds,
		CurrentBuilds: 0,
		Status:        models.AgentStatusOnline,
		SystemInfo:    reg.SystemInfo,
		RegisteredAt:  now,
		LastHeartbeat: now,
		OrgID:         reg.OrgID,
		Region:        reg.Region,
	}

	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveAgent(ctx, agent.Clone()); err != nil {
			slog.Warn("Failed to persist registered agent",
				"agent_id", agent.ID, "agent_name", agent.Name, "error", err)
		}
	}

	slog.Info("Agent registered",
		"agent_id", agent.ID,
		"agent_name", agent.Name,
		"url", agent.URL,
		"labels", agent.Labels,
		"max_builds", agent.MaxBuilds)

	return agent.Clone()
}

// Heartbeat records liveness for an agent. Returns true iff the agent
// exists. An offline agent heartbeating comes back online; a draining
// agent stays draining so an in-progress drain cannot be undone by the
// agent itself.
func (r *Registry) Heartbeat(id string, update HeartbeatUpdate) bool {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	agent.LastHeartbeat = r.now()
	if agent.Status == models.AgentStatusOffline {
		agent.Status = models.AgentStatusOnline
		slog.Info("Agent back online", "agent_id", id, "agent_name", agent.Name)
	}
	if update.CurrentBuilds != nil {
		builds := *update.CurrentBuilds
		if builds < 0 {
			builds = 0
		}
		if builds > agent.MaxBuilds {
			builds = agent.MaxBuilds
		}
		agent.CurrentBuilds = builds
	}
	if update.SystemInfo != nil {
		si := *update.SystemInfo
		agent.SystemInfo = &si
	}
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.persistAsync(snapshot)
	return true
}

// Deregister removes an agent from memory and from the store. Returns
// true iff the agent existed.
func (r *Registry) Deregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if r.store != nil {
		if err := r.store.DeleteAgent(ctx, id); err != nil {
			slog.Warn("Failed to delete agent from store", "agent_id", id, "error", err)
		}
	}

	slog.Info("Agent deregistered", "agent_id", id, "agent_name", agent.Name)
	return true
}

// SetDraining marks an agent as draining: current builds finish, no new
// builds are dispatched to it. Returns true iff the agent exists.
func (r *Registry) SetDraining(id string) bool {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	agent.Status = models.AgentStatusDraining
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.persistAsync(snapshot)
	slog.Info("Agent draining", "agent_id", id, "agent_name", snapshot.Name)
	return true
}

// Get returns a copy of one agent.
func (r *Registry) Get(id string) (*models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return agent.Clone(), true
}

// FindAvailable returns the single best agent for the criteria, or nil
// when no agent qualifies.
func (r *Registry) FindAvailable(criteria Criteria) *models.Agent {
	candidates := r.Candidates(criteria)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// Candidates returns every eligible agent for the criteria, best first.
// Eligible means online, under capacity, recently heartbeating, carrying
// all required labels, and visible to the requesting org. The caller may
// apply further filters (circuit breaker) down the ranked list.
func (r *Registry) Candidates(criteria Criteria) []*models.Agent {
	now := r.now()

	r.mu.RLock()
	eligible := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if r.eligible(agent, criteria, now) {
			eligible = append(eligible, agent.Clone())
		}
	}
	r.mu.RUnlock()

	return r.scorer.Rank(eligible, criteria.Resources)
}

func (r *Registry) eligible(agent *models.Agent, criteria Criteria, now time.Time) bool {
	if agent.Status != models.AgentStatusOnline {
		return false
	}
	if !agent.HasCapacity() {
		return false
	}
	if now.Sub(agent.LastHeartbeat) >= r.heartbeatTimeout {
		return false
	}
	if !agent.HasLabels(criteria.Labels) {
		return false
	}
	if !agent.VisibleTo(criteria.OrgID) {
		return false
	}
	return true
}

// IncrementBuilds bumps an agent's build counter, never past max_builds.
// Returns true iff the agent exists.
func (r *Registry) IncrementBuilds(id string) bool {
	return r.adjustBuilds(id, +1)
}

// DecrementBuilds lowers an agent's build counter, never below zero.
// Returns true iff the agent exists.
func (r *Registry) DecrementBuilds(id string) bool {
	return r.adjustBuilds(id, -1)
}

func (r *Registry) adjustBuilds(id string, delta int) bool {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	builds := agent.CurrentBuilds + delta
	if builds < 0 {
		builds = 0
	}
	if builds > agent.MaxBuilds {
		builds = agent.MaxBuilds
	}
	agent.CurrentBuilds = builds
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.persistAsync(snapshot)
	return true
}

// CheckHealth marks agents whose heartbeat aged past the timeout as
// offline and returns how many newly transitioned.
func (r *Registry) CheckHealth() int {
	now := r.now()

	r.mu.Lock()
	var expired []*models.Agent
	for _, agent := range r.agents {
		if agent.Status == models.AgentStatusOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > r.heartbeatTimeout {
			agent.Status = models.AgentStatusOffline
			expired = append(expired, agent.Clone())
		}
	}
	r.mu.Unlock()

	for _, agent := range expired {
		slog.Warn("Agent went offline",
			"agent_id", agent.ID,
			"agent_name", agent.Name,
			"last_heartbeat", agent.LastHeartbeat)
		r.persistAsync(agent)
	}

	return len(expired)
}

// List returns copies of all agents visible to the org, every status
// included. An empty orgID lists shared agents plus nothing tenant-bound.
func (r *Registry) List(orgID string, includeAll bool) []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if includeAll || agent.VisibleTo(orgID) {
			agents = append(agents, agent.Clone())
		}
	}
	return agents
}

// IDs returns the ids of every registered agent, for breaker cleanup.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// Summary aggregates counts for observability.
func (r *Registry) Summary(orgID string, includeAll bool) models.AgentSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s models.AgentSummary
	for _, agent := range r.agents {
		if !includeAll && !agent.VisibleTo(orgID) {
			continue
		}
		s.Total++
		switch agent.Status {
		case models.AgentStatusOnline:
			s.Online++
		case models.AgentStatusDraining:
			s.Draining++
		case models.AgentStatusOffline:
			s.Offline++
		}
		s.TotalCapacity += agent.MaxBuilds
		s.ActiveBuilds += agent.CurrentBuilds
	}
	return s
}

// Rehydrate loads persisted agents into memory after a restart. Existing
// in-memory entries win over stored ones.
func (r *Registry) Rehydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	agents, err := r.store.LoadAgents(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	loaded := 0
	for _, agent := range agents {
		if _, exists := r.agents[agent.ID]; exists {
			continue
		}
		r.agents[agent.ID] = agent.Clone()
		loaded++
	}
	r.mu.Unlock()

	if loaded > 0 {
		slog.Info("Registry rehydrated from store", "agents", loaded)
	}
	return nil
}

func (r *Registry) persistAsync(agent *models.Agent) {
	if r.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.store.SaveAgent(ctx, agent); err != nil {
			slog.Warn("Failed to persist agent state", "agent_id", agent.ID, "error", err)
		}
	}()
}
