package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ci/steward/pkg/models"
)

func testAgent(id string, current, max int, si *models.SystemInfo, region string) *models.Agent {
	return &models.Agent{
		ID:            id,
		MaxBuilds:     max,
		CurrentBuilds: current,
		SystemInfo:    si,
		Region:        region,
	}
}

func TestRankLeastLoaded(t *testing.T) {
	s := NewScorer("", false)

	ranked := s.Rank([]*models.Agent{
		testAgent("busy", 3, 4, nil, ""),
		testAgent("idle", 0, 4, nil, ""),
		testAgent("half", 2, 4, nil, ""),
	}, nil)

	require.Len(t, ranked, 3)
	assert.Equal(t, "idle", ranked[0].ID)
	assert.Equal(t, "half", ranked[1].ID)
	assert.Equal(t, "busy", ranked[2].ID)
}

func TestRankIgnoresResourcesWhenDisabled(t *testing.T) {
	// With resource-aware scheduling off, a resource request neither
	// filters nor reorders; ranking stays least-loaded.
	s := NewScorer("", false)

	ranked := s.Rank([]*models.Agent{
		testAgent("small", 0, 2, &models.SystemInfo{CPUCount: 2, MemoryGB: 4}, ""),
		testAgent("big", 1, 2, &models.SystemInfo{CPUCount: 32, MemoryGB: 64}, ""),
	}, &models.ResourceRequest{CPUCores: 8})

	require.Len(t, ranked, 2)
	assert.Equal(t, "small", ranked[0].ID)
}

func TestRankExcludesUndersizedAgents(t *testing.T) {
	s := NewScorer("", true)

	ranked := s.Rank([]*models.Agent{
		testAgent("small", 0, 2, &models.SystemInfo{CPUCount: 2, MemoryGB: 4}, ""),
		testAgent("big", 0, 2, &models.SystemInfo{CPUCount: 16, MemoryGB: 32}, ""),
		testAgent("unknown", 0, 2, nil, ""),
	}, &models.ResourceRequest{CPUCores: 8, MemoryGB: 16})

	require.Len(t, ranked, 1)
	assert.Equal(t, "big", ranked[0].ID)
}

func TestRankPrefersHigherScore(t *testing.T) {
	s := NewScorer("", true)

	// Same hardware, different load: the idle agent wins.
	ranked := s.Rank([]*models.Agent{
		testAgent("loaded", 2, 2, &models.SystemInfo{CPUCount: 8, MemoryGB: 16}, ""),
		testAgent("idle", 0, 2, &models.SystemInfo{CPUCount: 8, MemoryGB: 16}, ""),
	}, &models.ResourceRequest{CPUCores: 4})

	require.Len(t, ranked, 2)
	assert.Equal(t, "idle", ranked[0].ID)

	// Same load, bigger hardware wins.
	ranked = s.Rank([]*models.Agent{
		testAgent("medium", 0, 2, &models.SystemInfo{CPUCount: 8, MemoryGB: 16}, ""),
		testAgent("large", 0, 2, &models.SystemInfo{CPUCount: 16, MemoryGB: 32}, ""),
	}, &models.ResourceRequest{CPUCores: 4})

	assert.Equal(t, "large", ranked[0].ID)
}

func TestScoreFormula(t *testing.T) {
	s := NewScorer("", true)

	// Idle agent at the normalization ceilings: 0.6 + 0.2 + 0.2 = 1.0.
	full := testAgent("a", 0, 2, &models.SystemInfo{CPUCount: 16, MemoryGB: 32}, "")
	assert.InDelta(t, 1.0, s.Score(full), 1e-9)

	// Half loaded, half the hardware: 0.6*0.5 + 0.2*0.5 + 0.2*0.5 = 0.5.
	half := testAgent("b", 1, 2, &models.SystemInfo{CPUCount: 8, MemoryGB: 16}, "")
	assert.InDelta(t, 0.5, s.Score(half), 1e-9)

	// CPU and memory terms saturate at the ceilings.
	huge := testAgent("c", 0, 2, &models.SystemInfo{CPUCount: 128, MemoryGB: 512}, "")
	assert.InDelta(t, 1.0, s.Score(huge), 1e-9)

	// No system info scores on load alone.
	bare := testAgent("d", 0, 2, nil, "")
	assert.InDelta(t, 0.6, s.Score(bare), 1e-9)
}

func TestRegionBonus(t *testing.T) {
	s := NewScorer("us-east-1", true)

	local := testAgent("local", 0, 2, &models.SystemInfo{CPUCount: 16, MemoryGB: 32}, "us-east-1")
	remote := testAgent("remote", 0, 2, &models.SystemInfo{CPUCount: 16, MemoryGB: 32}, "eu-west-1")

	assert.InDelta(t, 1.3, s.Score(local), 1e-9)
	assert.InDelta(t, 1.0, s.Score(remote), 1e-9)

	ranked := s.Rank([]*models.Agent{remote, local}, &models.ResourceRequest{CPUCores: 1})
	assert.Equal(t, "local", ranked[0].ID)
}

func TestRegionBonusBlankNeverMatches(t *testing.T) {
	blank := testAgent("blank", 0, 2, &models.SystemInfo{CPUCount: 16, MemoryGB: 32}, "")

	// Blank agent region never matches.
	s := NewScorer("us-east-1", true)
	assert.InDelta(t, 1.0, s.Score(blank), 1e-9)

	// Blank master region never matches either, even against blank.
	s = NewScorer("", true)
	assert.InDelta(t, 1.0, s.Score(blank), 1e-9)
}

func TestScoreCapped(t *testing.T) {
	s := NewScorer("us-east-1", true)
	s.regionBonus = 2.0

	agent := testAgent("a", 0, 2, &models.SystemInfo{CPUCount: 16, MemoryGB: 32}, "us-east-1")
	assert.InDelta(t, 1.5, s.Score(agent), 1e-9, "score must cap at 1.5")
}
