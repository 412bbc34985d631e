package models

import "time"

// AgentStatus is the lifecycle state of a registered build agent.
type AgentStatus string

const (
	// AgentStatusOnline means the agent heartbeats within the timeout and
	// may receive new builds.
	AgentStatusOnline AgentStatus = "online"

	// AgentStatusDraining means the agent finishes its current builds but
	// is excluded from selection for new work.
	AgentStatusDraining AgentStatus = "draining"

	// AgentStatusOffline means the agent missed its heartbeat window.
	AgentStatusOffline AgentStatus = "offline"
)

// SystemInfo describes an agent's hardware capacity as self-reported
// at registration or heartbeat time.
type SystemInfo struct {
	CPUCount int     `json:"cpu_count"`
	MemoryGB float64 `json:"memory_gb"`
}

// Agent is a registered remote worker that accepts build payloads.
// The registry owns these records; callers receive copies.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	URL           string      `json:"url"`
	Labels        []string    `json:"labels"`
	MaxBuilds     int         `json:"max_builds"`
	CurrentBuilds int         `json:"current_builds"`
	Status        AgentStatus `json:"status"`
	SystemInfo    *SystemInfo `json:"system_info,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	OrgID         *string     `json:"org_id,omitempty"`
	Region        string      `json:"region,omitempty"`
}

// Clone returns a deep copy safe to hand outside the registry.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Labels = append([]string(nil), a.Labels...)
	if a.SystemInfo != nil {
		si := *a.SystemInfo
		c.SystemInfo = &si
	}
	if a.OrgID != nil {
		org := *a.OrgID
		c.OrgID = &org
	}
	return &c
}

// HasLabels reports whether the agent carries every required label.
func (a *Agent) HasLabels(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// VisibleTo reports whether the agent is visible within the given org
// scope. Agents without an org are shared across all tenants.
func (a *Agent) VisibleTo(orgID string) bool {
	if a.OrgID == nil || *a.OrgID == "" {
		return true
	}
	return *a.OrgID == orgID
}

// HasCapacity reports whether the agent can accept another build.
func (a *Agent) HasCapacity() bool {
	return a.CurrentBuilds < a.MaxBuilds
}

// Load returns the agent's load as a fraction of capacity in [0, 1].
func (a *Agent) Load() float64 {
	if a.MaxBuilds <= 0 {
		return 1
	}
	return float64(a.CurrentBuilds) / float64(a.MaxBuilds)
}

// AgentSummary aggregates registry state for observability endpoints.
type AgentSummary struct {
	Total         int `json:"total"`
	Online        int `json:"online"`
	Draining      int `json:"draining"`
	Offline       int `json:"offline"`
	TotalCapacity int `json:"total_capacity"`
	ActiveBuilds  int `json:"active_builds"`
}
