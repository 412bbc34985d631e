package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/steward-ci/steward/pkg/dispatch"
	"github.com/steward-ci/steward/pkg/models"
)

// submitBuildHandler handles POST /api/v1/builds. The response code
// follows the dispatch decision: 202 for queued, 200 for an immediate
// placement, 502 when dispatch failed and local fallback is off.
func (s *Server) submitBuildHandler(c *gin.Context) {
	var req models.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	result, err := s.buildService.Submit(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	status := http.StatusOK
	switch result.Mode {
	case dispatch.ModeQueued:
		status = http.StatusAccepted
	case dispatch.ModeFailed:
		status = http.StatusBadGateway
	}

	c.JSON(status, &BuildResponse{
		BuildID:        req.BuildID,
		Mode:           string(result.Mode),
		QueueID:        result.QueueID,
		AgentID:        result.AgentID,
		FallbackReason: result.FallbackReason,
		Error:          result.Error,
	})
}

// buildStatusHandler handles GET /api/v1/builds/:build_id.
func (s *Server) buildStatusHandler(c *gin.Context) {
	item, err := s.buildService.Status(c.Request.Context(), c.Param("build_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// completeBuildHandler handles POST /api/v1/builds/:build_id/complete.
// Agents report here when a build finishes; direct-dispatched builds
// have no queue row, so zero completed rows is still a success.
func (s *Server) completeBuildHandler(c *gin.Context) {
	var req CompleteBuildRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
			return
		}
	}

	buildID := c.Param("build_id")
	count, err := s.buildService.Complete(c.Request.Context(), buildID, req.AgentID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, &CompleteBuildResponse{
		BuildID:       buildID,
		CompletedRows: count,
	})
}
