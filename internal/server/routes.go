package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.CORS.AllowedOrigins,
		AllowMethods:     s.config.CORS.AllowedMethods,
		AllowHeaders:     s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
	}))

	r.GET("/health", s.readyHandler)
	r.GET("/online", s.onlineHandler)

	users := r.Group("/", s.UserAuth())
	{
		users.POST("/jobs", s.createJobHandler)
		users.GET("/jobs", s.listJobsHandler)
		users.GET("/jobs/:id", s.getJobHandler)
		users.DELETE("/jobs/:id", s.cancelJobHandler)
		users.POST("/jobs/:id/retry", s.retryJobHandler)
		users.GET("/jobs/:id/simulations", s.listSimulationsHandler)
		users.GET("/jobs/:id/stream", s.streamJobHandler)
		users.GET("/workers", s.listWorkersHandler)
		users.GET("/ratings", s.listRatingsHandler)
	}

	workers := r.Group("/", s.WorkerAuth())
	{
		workers.PATCH("/jobs/:id", s.workerUpdateJobHandler)
		workers.PATCH("/jobs/:id/simulations/:simId", s.workerUpdateSimulationHandler)
		workers.POST("/jobs/:id/recover", s.recoverJobHandler)
		workers.POST("/workers/heartbeat", s.heartbeatHandler)
	}

	return r
}
