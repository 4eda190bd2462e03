package server

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// streamJobHandler pushes job snapshots over SSE until the job reaches a
// terminal status or the client disconnects. Job snapshots ride the default
// message event, the simulation list rides the named simulations event.
func (s *Server) streamJobHandler(c *gin.Context) {
	jobID := c.Param("id")

	// A 404 must go out before the event-stream headers do.
	if _, err := s.jc.GetJob(c.Request.Context(), jobID); err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	err := s.streamer.Stream(c.Request.Context(), jobID, func(name string, data interface{}) error {
		if err := c.Request.Context().Err(); err != nil {
			return err
		}
		c.SSEvent(name, data)
		c.Writer.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		// Headers are gone; all that is left is the log line.
		log.Warn().Err(err).Str("jobID", jobID).Msg("Job stream ended with error")
	}
}
