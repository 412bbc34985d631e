package api

import "github.com/steward-ci/steward/pkg/models"

// RegisterAgentRequest is the HTTP request body for POST /api/v1/agents.
type RegisterAgentRequest struct {
	Name       string             `json:"name,omitempty"`
	URL        string             `json:"url"`
	Labels     []string           `json:"labels,omitempty"`
	MaxBuilds  int                `json:"max_builds,omitempty"`
	SystemInfo *models.SystemInfo `json:"system_info,omitempty"`
	OrgID      *string            `json:"org_id,omitempty"`
	Region     string             `json:"region,omitempty"`
}

// HeartbeatRequest is the HTTP request body for POST /api/v1/agents/:id/heartbeat.
type HeartbeatRequest struct {
	CurrentBuilds *int               `json:"current_builds,omitempty"`
	SystemInfo    *models.SystemInfo `json:"system_info,omitempty"`
}

// CompleteBuildRequest is the HTTP request body for
// POST /api/v1/builds/:build_id/complete.
type CompleteBuildRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}
