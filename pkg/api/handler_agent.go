package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/steward-ci/steward/pkg/services"
)

// registerAgentHandler handles POST /api/v1/agents.
func (s *Server) registerAgentHandler(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	agent, err := s.agentService.Register(c.Request.Context(), services.RegisterAgentInput{
		Name:       req.Name,
		URL:        req.URL,
		Labels:     req.Labels,
		MaxBuilds:  req.MaxBuilds,
		SystemInfo: req.SystemInfo,
		OrgID:      req.OrgID,
		Region:     req.Region,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, agent)
}

// listAgentsHandler handles GET /api/v1/agents. `?org=` scopes the view
// to one tenant plus shared agents; without it the whole fleet is shown.
func (s *Server) listAgentsHandler(c *gin.Context) {
	orgID, includeAll := requestOrg(c)
	c.JSON(http.StatusOK, s.agentService.List(orgID, includeAll))
}

// agentSummaryHandler handles GET /api/v1/agents/summary.
func (s *Server) agentSummaryHandler(c *gin.Context) {
	orgID, includeAll := requestOrg(c)
	c.JSON(http.StatusOK, s.agentService.Summary(orgID, includeAll))
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *gin.Context) {
	agent, err := s.agentService.Get(c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// heartbeatHandler handles POST /api/v1/agents/:id/heartbeat. The body
// is optional; a bare POST is a pure liveness ping.
func (s *Server) heartbeatHandler(c *gin.Context) {
	var req HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
			return
		}
	}

	err := s.agentService.Heartbeat(c.Param("id"), services.HeartbeatInput{
		CurrentBuilds: req.CurrentBuilds,
		SystemInfo:    req.SystemInfo,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// drainAgentHandler handles POST /api/v1/agents/:id/drain.
func (s *Server) drainAgentHandler(c *gin.Context) {
	if err := s.agentService.Drain(c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "draining"})
}

// deregisterAgentHandler handles DELETE /api/v1/agents/:id.
func (s *Server) deregisterAgentHandler(c *gin.Context) {
	if err := s.agentService.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
