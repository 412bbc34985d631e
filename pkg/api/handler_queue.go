package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// queueStatsHandler handles GET /api/v1/queue/stats.
func (s *Server) queueStatsHandler(c *gin.Context) {
	stats, err := s.buildService.QueueStats(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// deadLettersHandler handles GET /api/v1/queue/dead-letter. `?limit=`
// bounds the page (default 50).
func (s *Server) deadLettersHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	letters, err := s.buildService.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, letters)
}

// requeueDeadLetterHandler handles POST /api/v1/queue/dead-letter/:id/requeue.
func (s *Server) requeueDeadLetterHandler(c *gin.Context) {
	item, err := s.buildService.RequeueDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, &RequeueResponse{
		QueueID: item.ID,
		BuildID: item.BuildID,
		Status:  string(item.Status),
	})
}
