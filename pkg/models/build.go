package models

import "encoding/json"

// ResourceRequest is the minimum hardware a build asks for. Used only
// when resource-aware scheduling is enabled.
type ResourceRequest struct {
	CPUCores int     `json:"cpu_cores,omitempty"`
	MemoryGB float64 `json:"memory_gb,omitempty"`
}

// BuildRequest is the unit of work submitted to the dispatch decision.
// Payload is opaque to the core and forwarded to the agent byte-for-byte,
// so fields the master does not understand survive the round trip.
type BuildRequest struct {
	BuildID    string           `json:"build_id"`
	JobID      string           `json:"job_id"`
	OrgID      string           `json:"org_id,omitempty"`
	Labels     []string         `json:"labels,omitempty"`
	Resources  *ResourceRequest `json:"resources,omitempty"`
	MaxRetries *int             `json:"max_retries,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}
