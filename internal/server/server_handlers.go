package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) readyHandler(c *gin.Context) {
	dbErr := s.sc.DBHealth()
	brokerErr := s.sc.BrokerHealth()
	progressErr := s.sc.ProgressHealth()
	blobErr := s.sc.BlobHealth()

	res := gin.H{
		"database": dbErr == nil,
		"broker":   brokerErr == nil,
		"progress": progressErr == nil,
		"blobs":    blobErr == nil,
	}

	// Only the store is load-bearing. Without the broker workers poll, and
	// without the progress channel streams poll.
	if dbErr != nil {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) onlineHandler(c *gin.Context) {
	c.String(http.StatusOK, s.sc.Online())
}
