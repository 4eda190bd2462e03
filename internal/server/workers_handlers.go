package server

import (
	"net/http"

	"podsim/internal/model"

	"github.com/gin-gonic/gin"
)

// heartbeatHandler upserts one worker's liveness row. The server clock stamps
// the heartbeat; operator-managed fields on the row survive the merge.
func (s *Server) heartbeatHandler(c *gin.Context) {
	var info model.WorkerInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := s.wc.Heartbeat(c.Request.Context(), &info)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// listWorkersHandler returns the workers with a fresh heartbeat.
func (s *Server) listWorkersHandler(c *gin.Context) {
	workers, err := s.wc.ListWorkers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if workers == nil {
		workers = []*model.WorkerInfo{}
	}
	c.JSON(http.StatusOK, workers)
}
