package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/steward-ci/steward/pkg/breaker"
	"github.com/steward-ci/steward/pkg/database"
	"github.com/steward-ci/steward/pkg/transport"
	"github.com/steward-ci/steward/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Minimal and unauthenticated: only the master's own dependencies are
// checked, so an orchestrator never restarts this process because some
// agent is unreachable.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.dbClient.DB, s.dbClient.Backend()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// readyHandler handles GET /ready. Ready means the database answers.
// The leader-gated loops are reported for visibility; a follower master
// with stopped loops is still ready.
func (s *Server) readyHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB, s.dbClient.Backend())
	resp := &ReadyResponse{Status: "ready", Database: dbHealth}
	if s.processor != nil {
		h := s.processor.Health()
		resp.Processor = &h
	}
	if s.monitor != nil {
		h := s.monitor.Health()
		resp.Monitor = &h
	}

	if err != nil {
		resp.Status = "not_ready"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// breakersHandler handles GET /api/v1/breakers.
func (s *Server) breakersHandler(c *gin.Context) {
	if s.breakers == nil {
		c.JSON(http.StatusOK, []breaker.Snapshot{})
		return
	}

	snapshots := s.breakers.Snapshots()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].AgentID < snapshots[j].AgentID
	})
	c.JSON(http.StatusOK, snapshots)
}

// transportStatsHandler handles GET /api/v1/transport/stats.
func (s *Server) transportStatsHandler(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusOK, []transport.ClientStats{})
		return
	}

	stats := s.pool.Stats()
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].AgentID < stats[j].AgentID
	})
	c.JSON(http.StatusOK, stats)
}
