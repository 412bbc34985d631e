package registry

import (
	"sort"

	"github.com/steward-ci/steward/pkg/models"
)

// Scoring weights and normalization ceilings for resource-aware ranking.
// CPU saturates at 16 cores and memory at 32 GB so oversized agents don't
// drown out the load term.
const (
	weightLoad   = 0.6
	weightCPU    = 0.2
	weightMemory = 0.2

	cpuCeiling    = 16.0
	memoryCeiling = 32.0

	// DefaultRegionBonus is added when the agent sits in the master's
	// region. The total score is capped so locality alone cannot dominate.
	DefaultRegionBonus = 0.3
	maxScore           = 1.5
)

// Scorer ranks eligible agents. With resource-aware scheduling off (or no
// resource request on the build) it falls back to least-loaded ordering.
type Scorer struct {
	masterRegion  string
	regionBonus   float64
	resourceAware bool
}

// NewScorer creates a Scorer. masterRegion may be blank, which disables
// the locality bonus entirely.
func NewScorer(masterRegion string, resourceAware bool) *Scorer {
	return &Scorer{
		masterRegion:  masterRegion,
		regionBonus:   DefaultRegionBonus,
		resourceAware: resourceAware,
	}
}

// Rank orders candidates best-first, filtering out agents that cannot
// satisfy the resource request. The input slice is reordered in place.
func (s *Scorer) Rank(candidates []*models.Agent, resources *models.ResourceRequest) []*models.Agent {
	if s.resourceAware && resources != nil {
		fit := candidates[:0]
		for _, agent := range candidates {
			if meetsResources(agent, resources) {
				fit = append(fit, agent)
			}
		}
		candidates = fit

		sort.SliceStable(candidates, func(i, j int) bool {
			return s.Score(candidates[i]) > s.Score(candidates[j])
		})
		return candidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CurrentBuilds < candidates[j].CurrentBuilds
	})
	return candidates
}

// Score computes the resource-aware rank for one agent:
// 0.6*(1-load) + 0.2*min(1, cpu/16) + 0.2*min(1, mem/32), plus the
// locality bonus, capped at 1.5. Agents without system info score on
// load alone.
func (s *Scorer) Score(agent *models.Agent) float64 {
	score := weightLoad * (1 - agent.Load())

	if agent.SystemInfo != nil {
		cpu := float64(agent.SystemInfo.CPUCount) / cpuCeiling
		if cpu > 1 {
			cpu = 1
		}
		mem := agent.SystemInfo.MemoryGB / memoryCeiling
		if mem > 1 {
			mem = 1
		}
		score += weightCPU*cpu + weightMemory*mem
	}

	score += s.localityBonus(agent.Region)

	if score > maxScore {
		score = maxScore
	}
	return score
}

// localityBonus returns the bonus for an agent in the master's region.
// Blank regions never match, on either side.
func (s *Scorer) localityBonus(agentRegion string) float64 {
	if s.masterRegion == "" || agentRegion == "" {
		return 0
	}
	if s.masterRegion != agentRegion {
		return 0
	}
	return s.regionBonus
}

// meetsResources reports whether the agent's reported hardware satisfies
// the request. Agents that never reported system info are excluded when a
// request is present.
func meetsResources(agent *models.Agent, req *models.ResourceRequest) bool {
	if agent.SystemInfo == nil {
		return false
	}
	if req.CPUCores > 0 && agent.SystemInfo.CPUCount < req.CPUCores {
		return false
	}
	if req.MemoryGB > 0 && agent.SystemInfo.MemoryGB < req.MemoryGB {
		return false
	}
	return true
}
