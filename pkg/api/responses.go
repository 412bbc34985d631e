package api

import (
	"github.com/steward-ci/steward/pkg/database"
	"github.com/steward-ci/steward/pkg/queue"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BuildResponse is returned by POST /api/v1/builds.
type BuildResponse struct {
	BuildID        string `json:"build_id"`
	Mode           string `json:"mode"`
	QueueID        string `json:"queue_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

// CompleteBuildResponse is returned by POST /api/v1/builds/:build_id/complete.
type CompleteBuildResponse struct {
	BuildID       string `json:"build_id"`
	CompletedRows int    `json:"completed_rows"`
}

// RequeueResponse is returned by POST /api/v1/queue/dead-letter/:id/requeue.
type RequeueResponse struct {
	QueueID string `json:"queue_id"`
	BuildID string `json:"build_id"`
	Status  string `json:"status"`
}

// HealthCheck is one component's state inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// ReadyResponse is returned by GET /ready. Processor and monitor report
// their leader-gated state; a follower master is still ready.
type ReadyResponse struct {
	Status    string                 `json:"status"`
	Database  *database.HealthStatus `json:"database"`
	Processor *queue.ProcessorHealth `json:"queue_processor,omitempty"`
	Monitor   *queue.MonitorHealth   `json:"orphan_monitor,omitempty"`
}
