package services

import (
	"context"
	"fmt"
	"net/url"

	"github.com/steward-ci/steward/pkg/models"
	"github.com/steward-ci/steward/pkg/registry"
)

// RegisterAgentInput contains the domain-level data needed to register an
// agent. Transformed from the HTTP request by the handler.
type RegisterAgentInput struct {
	Name       string
	URL        string
	Labels     []string
	MaxBuilds  int
	SystemInfo *models.SystemInfo
	OrgID      *string
	Region     string
}

// HeartbeatInput carries the optional fields an agent reports alongside
// its liveness signal.
type HeartbeatInput struct {
	CurrentBuilds *int
	SystemInfo    *models.SystemInfo
}

// AgentService validates agent admin requests and applies them to the
// registry.
type AgentService struct {
	registry *registry.Registry
}

// NewAgentService creates a new AgentService.
func NewAgentService(reg *registry.Registry) *AgentService {
	if reg == nil {
		panic("NewAgentService: registry must not be nil")
	}
	return &AgentService{registry: reg}
}

// Register validates and registers a new agent. The name defaults to the
// endpoint host when omitted.
func (s *AgentService) Register(ctx context.Context, input RegisterAgentInput) (*models.Agent, error) {
	endpoint, err := url.Parse(input.URL)
	if err != nil || endpoint.Host == "" {
		return nil, NewValidationError("url", "must be an absolute URL")
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, NewValidationError("url", fmt.Sprintf("unsupported scheme '%s'", endpoint.Scheme))
	}
	if input.MaxBuilds < 0 {
		return nil, NewValidationError("max_builds", "must not be negative")
	}

	name := input.Name
	if name == "" {
		name = endpoint.Host
	}

	agent := s.registry.Register(ctx, registry.Registration{
		Name:       name,
		URL:        input.URL,
		Labels:     input.Labels,
		MaxBuilds:  input.MaxBuilds,
		SystemInfo: input.SystemInfo,
		OrgID:      input.OrgID,
		Region:     input.Region,
	})
	return agent, nil
}

// Heartbeat records liveness for an agent.
func (s *AgentService) Heartbeat(id string, input HeartbeatInput) error {
	if id == "" {
		return NewValidationError("id", "agent id is required")
	}
	if !s.registry.Heartbeat(id, registry.HeartbeatUpdate{
		CurrentBuilds: input.CurrentBuilds,
		SystemInfo:    input.SystemInfo,
	}) {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// Deregister removes an agent. Builds already dispatched to it are
// recovered by the orphan monitor.
func (s *AgentService) Deregister(ctx context.Context, id string) error {
	if !s.registry.Deregister(ctx, id) {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// Drain marks an agent as draining so it finishes current builds but
// receives no new ones.
func (s *AgentService) Drain(id string) error {
	if !s.registry.SetDraining(id) {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns one agent by id.
func (s *AgentService) Get(id string) (*models.Agent, error) {
	agent, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return agent, nil
}

// List returns agents visible to the given org. An empty org with
// includeAll lists the whole fleet.
func (s *AgentService) List(orgID string, includeAll bool) []*models.Agent {
	return s.registry.List(orgID, includeAll)
}

// Summary aggregates fleet counts for the given scope.
func (s *AgentService) Summary(orgID string, includeAll bool) models.AgentSummary {
	return s.registry.Summary(orgID, includeAll)
}
