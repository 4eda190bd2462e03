package server

import (
	"errors"
	"net/http"

	"podsim/internal/auth"
	"podsim/internal/controller"
	"podsim/internal/database"
	"podsim/internal/decks"
	"podsim/internal/limits"
	"podsim/internal/model"

	"github.com/gin-gonic/gin"
)

// createJobRequest is the wire shape of a job submission. Exactly one of
// deckIds and decks must hold four entries; the controller enforces that.
type createJobRequest struct {
	DeckIDs        []string     `json:"deckIds"`
	Decks          []model.Deck `json:"decks"`
	Simulations    int          `json:"simulations" binding:"required"`
	Parallelism    int          `json:"parallelism"`
	IdempotencyKey string       `json:"idempotencyKey"`
}

// workerJobPatch is the body workers PATCH onto a job. Nil fields are left
// untouched.
type workerJobPatch struct {
	Status       *model.JobStatus `json:"status"`
	WorkerID     *string          `json:"workerId"`
	WorkerName   *string          `json:"workerName"`
	ErrorMessage *string          `json:"errorMessage"`
}

// workerSimPatch is the body workers PATCH onto a simulation.
type workerSimPatch struct {
	State        *model.SimulationState `json:"state"`
	WorkerID     *string                `json:"workerId"`
	WorkerName   *string                `json:"workerName"`
	DurationMs   *int64                 `json:"durationMs"`
	ErrorMessage *string                `json:"errorMessage"`
	Winner       *string                `json:"winner"`
	WinningTurn  *int                   `json:"winningTurn"`
	Winners      []string               `json:"winners"`
	WinningTurns []int                  `json:"winningTurns"`
}

func (s *Server) createJobHandler(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jc.CreateJob(c.Request.Context(), controller.CreateJobRequest{
		DeckIDs:        req.DeckIDs,
		Decks:          req.Decks,
		Simulations:    req.Simulations,
		Parallelism:    req.Parallelism,
		IdempotencyKey: req.IdempotencyKey,
		UserID:         getUserID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	// An idempotency replay returns the original job with the same status.
	c.JSON(http.StatusCreated, job)
}

func (s *Server) getJobHandler(c *gin.Context) {
	job, err := s.jc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listJobsHandler(c *gin.Context) {
	jobs, err := s.jc.ListJobs(c.Request.Context(), getUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) listSimulationsHandler(c *gin.Context) {
	sims, err := s.jc.GetSimulations(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sims == nil {
		sims = []*model.Simulation{}
	}
	c.JSON(http.StatusOK, sims)
}

func (s *Server) cancelJobHandler(c *gin.Context) {
	job, err := s.jc.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) retryJobHandler(c *gin.Context) {
	job, err := s.jc.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// workerUpdateJobHandler applies a worker's job state report. A rejected
// transition is a normal race outcome under at-least-once delivery and goes
// out as 200 with updated=false.
func (s *Server) workerUpdateJobHandler(c *gin.Context) {
	var req workerJobPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.jc.UpdateJobFromWorker(c.Request.Context(), c.Param("id"), controller.WorkerJobUpdate{
		Status:       req.Status,
		WorkerID:     req.WorkerID,
		WorkerName:   req.WorkerName,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) workerUpdateSimulationHandler(c *gin.Context) {
	var req workerSimPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.jc.UpdateSimulationFromWorker(c.Request.Context(), c.Param("id"), c.Param("simId"),
		controller.WorkerSimUpdate{
			State:        req.State,
			WorkerID:     req.WorkerID,
			WorkerName:   req.WorkerName,
			DurationMs:   req.DurationMs,
			ErrorMessage: req.ErrorMessage,
			Winner:       req.Winner,
			WinningTurn:  req.WinningTurn,
			Winners:      req.Winners,
			WinningTurns: req.WinningTurns,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// recoverJobHandler runs one recovery pass for a job on demand.
func (s *Server) recoverJobHandler(c *gin.Context) {
	if s.rec == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Recovery is not available"})
		return
	}
	if err := s.rec.RecoverJob(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": true})
}

// Helper functions

// respondError maps controller errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, controller.ErrValidation), errors.Is(err, decks.ErrUnknownDeck):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, limits.ErrLimitExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, controller.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// getUserID gets the user id from the context (set by UserAuth).
func getUserID(c *gin.Context) string {
	userID, exists := c.Get("userID")
	if !exists {
		return ""
	}
	return userID.(string)
}
