package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"podsim/internal/aggregate"
	"podsim/internal/broker"
	"podsim/internal/database"
	"podsim/internal/decks"
	"podsim/internal/limits"
	"podsim/internal/model"
	"podsim/internal/progress"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Request validation bounds. Parallelism defaults in the store when unset.
const (
	minSimulations = 4
	maxSimulations = 100
	minParallelism = 1
	maxParallelism = 16

	// publishConcurrency bounds the dispatch fanout of one create call.
	publishConcurrency = 8

	// listJobsLimit bounds listings to the newest jobs.
	listJobsLimit = 50
)

// ErrValidation marks requests the API maps to 400.
var ErrValidation = errors.New("invalid request")

// ErrConflict marks operations legal in shape but not in the job's current
// state, mapped to 409.
var ErrConflict = errors.New("conflict")

// CreateJobRequest carries a create call into the controller. Exactly one
// of DeckIDs and Decks must hold four entries.
type CreateJobRequest struct {
	DeckIDs        []string
	Decks          []model.Deck
	Simulations    int
	Parallelism    int
	IdempotencyKey string
	UserID         string
}

// WorkerSimUpdate is the body of a worker's simulation PATCH. Nil fields
// are left untouched.
type WorkerSimUpdate struct {
	State        *model.SimulationState
	WorkerID     *string
	WorkerName   *string
	DurationMs   *int64
	ErrorMessage *string
	Winner       *string
	WinningTurn  *int
	Winners      []string
	WinningTurns []int
}

// WorkerJobUpdate is the body of a worker's job PATCH.
type WorkerJobUpdate struct {
	Status       *model.JobStatus
	WorkerID     *string
	WorkerName   *string
	ErrorMessage *string
}

// UpdateResult reports whether a worker's state write applied. Rejections
// are expected race outcomes under at-least-once delivery, not errors; the
// API returns them with HTTP 200.
type UpdateResult struct {
	Updated bool   `json:"updated"`
	Reason  string `json:"reason,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

// JobController handles the job lifecycle: creation and dispatch, worker
// state reports, cancel and retry.
type JobController interface {
	// CreateJob validates, resolves decks, enforces limits, inserts the job,
	// fans out its simulations, and publishes their tasks.
	CreateJob(ctx context.Context, req CreateJobRequest) (*model.Job, error)

	// GetJob returns one job.
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// ListJobs returns the newest jobs of one user.
	ListJobs(ctx context.Context, userID string) ([]*model.Job, error)

	// GetSimulations returns a job's simulation rows ordered by index.
	GetSimulations(ctx context.Context, jobID string) ([]*model.Simulation, error)

	// CancelJob cancels a job and cascades to its non-terminal simulations.
	// Cancelling an already terminal job is a no-op returning current state.
	CancelJob(ctx context.Context, id string) (*model.Job, error)

	// RetryJob resets a FAILED job to QUEUED, its FAILED simulations to
	// PENDING, and republishes their tasks.
	RetryJob(ctx context.Context, id string) (*model.Job, error)

	// UpdateJobFromWorker applies a worker's job PATCH through the
	// transition table.
	UpdateJobFromWorker(ctx context.Context, id string, update WorkerJobUpdate) (*UpdateResult, error)

	// UpdateSimulationFromWorker applies a worker's simulation PATCH through
	// the transition table and drives the aggregation trigger.
	UpdateSimulationFromWorker(ctx context.Context, jobID, simID string, update WorkerSimUpdate) (*UpdateResult, error)
}

type jobController struct {
	store     database.Store
	publisher broker.Publisher
	resolver  decks.Resolver
	limiter   limits.Limiter
	agg       aggregate.Aggregator
	progress  progress.Channel
}

// NewJobController wires the job lifecycle. publisher may be nil, in which
// case dispatch relies on polling workers claiming queued jobs.
func NewJobController(store database.Store, publisher broker.Publisher, resolver decks.Resolver,
	limiter limits.Limiter, agg aggregate.Aggregator, ch progress.Channel) JobController {
	return &jobController{
		store:     store,
		publisher: publisher,
		resolver:  resolver,
		limiter:   limiter,
		agg:       agg,
		progress:  ch,
	}
}

func (req *CreateJobRequest) validate() error {
	hasIDs := len(req.DeckIDs) > 0
	hasDecks := len(req.Decks) > 0
	if hasIDs == hasDecks {
		return fmt.Errorf("%w: provide either deckIds or decks", ErrValidation)
	}
	if hasIDs && len(req.DeckIDs) != 4 {
		return fmt.Errorf("%w: exactly 4 deckIds required, got %d", ErrValidation, len(req.DeckIDs))
	}
	if hasDecks {
		if len(req.Decks) != 4 {
			return fmt.Errorf("%w: exactly 4 decks required, got %d", ErrValidation, len(req.Decks))
		}
		for _, d := range req.Decks {
			if d.Name == "" {
				return fmt.Errorf("%w: every deck needs a name", ErrValidation)
			}
		}
	}
	if req.Simulations < minSimulations || req.Simulations > maxSimulations {
		return fmt.Errorf("%w: simulations must be between %d and %d", ErrValidation, minSimulations, maxSimulations)
	}
	if req.Parallelism != 0 && (req.Parallelism < minParallelism || req.Parallelism > maxParallelism) {
		return fmt.Errorf("%w: parallelism must be between %d and %d", ErrValidation, minParallelism, maxParallelism)
	}
	if req.UserID == "" {
		return fmt.Errorf("%w: missing user", ErrValidation)
	}
	return nil
}

func (c *jobController) CreateJob(ctx context.Context, req CreateJobRequest) (*model.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	resolved := req.Decks
	if len(req.DeckIDs) > 0 {
		var err error
		if resolved, err = c.resolver.Resolve(ctx, req.DeckIDs); err != nil {
			return nil, err
		}
	}

	// Limits come before any store write so a rejected create leaves no
	// trace.
	if err := c.limiter.CheckCreate(ctx, req.UserID); err != nil {
		return nil, err
	}

	job, err := c.store.CreateJob(ctx, database.CreateJobParams{
		Decks:          resolved,
		DeckIDs:        req.DeckIDs,
		Simulations:    req.Simulations,
		Parallelism:    req.Parallelism,
		CreatedBy:      req.UserID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	// An idempotency replay lands here too. Both steps tolerate that: the
	// insert skips existing rows and duplicate tasks bounce off the claim.
	if err := c.store.InitializeSimulations(ctx, job.ID, job.TotalSimCount); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to initialize simulations")
		return job, nil
	}
	c.publishAll(ctx, job)

	log.Info().
		Str("jobID", job.ID).
		Str("userID", req.UserID).
		Int("simulations", job.Simulations).
		Int("tasks", job.TotalSimCount).
		Msg("Created job")
	return job, nil
}

// publishAll fans out one task per simulation with bounded concurrency.
// Publish failures are logged and left to the recovery engine; the tasks
// that did go out start executing either way.
func (c *jobController) publishAll(ctx context.Context, job *model.Job) {
	if c.publisher == nil {
		return
	}

	var g errgroup.Group
	g.SetLimit(publishConcurrency)
	for index := 0; index < job.TotalSimCount; index++ {
		index := index
		g.Go(func() error {
			return c.publisher.PublishSimulationTask(ctx, broker.Task{
				JobID:     job.ID,
				SimID:     model.SimulationID(index),
				SimIndex:  index,
				TotalSims: job.TotalSimCount,
			})
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to publish some simulation tasks, recovery will republish")
	}
}

func (c *jobController) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return c.store.GetJob(ctx, id)
}

func (c *jobController) ListJobs(ctx context.Context, userID string) ([]*model.Job, error) {
	return c.store.ListJobs(ctx, userID, listJobsLimit)
}

func (c *jobController) GetSimulations(ctx context.Context, jobID string) ([]*model.Simulation, error) {
	if _, err := c.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return c.store.GetSimulationStatuses(ctx, jobID)
}

func (c *jobController) CancelJob(ctx context.Context, id string) (*model.Job, error) {
	cancelled, err := c.store.CancelJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if cancelled {
		// Workers observe the status flip and abort their containers; the
		// projection write wakes attached streams right away.
		c.progress.UpdateJobProgress(ctx, id, map[string]interface{}{
			"status": string(model.JobCancelled),
		})
		log.Info().Str("jobID", id).Msg("Cancelled job")

		// The cascade usually leaves every simulation terminal, so partial
		// results condense now instead of waiting for a worker report that
		// will never come.
		if err := c.agg.TryAggregate(ctx, id); err != nil {
			log.Error().Err(err).Str("jobID", id).Msg("Failed to aggregate cancelled job")
		}
	}
	return c.store.GetJob(ctx, id)
}

func (c *jobController) RetryJob(ctx context.Context, id string) (*model.Job, error) {
	if _, err := c.store.GetJob(ctx, id); err != nil {
		return nil, err
	}

	reset, err := c.store.ResetJobForRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, fmt.Errorf("%w: only FAILED jobs can be retried", ErrConflict)
	}

	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	sims, err := c.store.GetSimulationStatuses(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to load simulations for retry, recovery will redispatch")
		return job, nil
	}

	republished := 0
	for _, sim := range sims {
		if sim.State == model.SimFailed {
			state := model.SimPending
			if _, err := c.store.ConditionalUpdateSimulationStatus(ctx, id, sim.SimID,
				[]model.SimulationState{model.SimFailed, model.SimPending},
				database.SimPatch{State: &state}); err != nil {
				log.Error().Err(err).Str("jobID", id).Str("simID", sim.SimID).Msg("Failed to reset simulation for retry")
				continue
			}
			sim.State = model.SimPending
		}
		if sim.State == model.SimPending && c.publisher != nil {
			err := c.publisher.PublishSimulationTask(ctx, broker.Task{
				JobID:     id,
				SimID:     sim.SimID,
				SimIndex:  sim.Index,
				TotalSims: job.TotalSimCount,
			})
			if err == nil {
				republished++
			}
		}
	}

	log.Info().
		Str("jobID", id).
		Int("retryCount", job.RetryCount).
		Int("republished", republished).
		Msg("Retrying job")
	return job, nil
}

func (c *jobController) UpdateJobFromWorker(ctx context.Context, id string, update WorkerJobUpdate) (*UpdateResult, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	// Metadata-only patches ride on the current status.
	status := job.Status
	if update.Status != nil {
		status = *update.Status
		if !model.CanTransitionJob(job.Status, status) {
			return rejected(model.JobRejectReason(job.Status, status), string(job.Status), string(status)), nil
		}
	}

	patch := database.JobPatch{
		Status:       status,
		WorkerID:     update.WorkerID,
		WorkerName:   update.WorkerName,
		ErrorMessage: update.ErrorMessage,
	}
	now := time.Now().UTC()
	if status == model.JobRunning && job.StartedAt == nil {
		patch.StartedAt = &now
	}
	if status == model.JobFailed || model.JobTerminal(status) {
		patch.CompletedAt = &now
	}

	applied, err := c.store.ConditionalUpdateJobStatus(ctx, id, []model.JobStatus{job.Status}, patch)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Raced with another writer; report the state that beat us.
		if current, err := c.store.GetJob(ctx, id); err == nil {
			return rejected(model.JobRejectReason(current.Status, status), string(current.Status), string(status)), nil
		}
		return rejected(model.ReasonInvalidTransition, string(job.Status), string(status)), nil
	}

	c.progress.UpdateJobProgress(ctx, id, map[string]interface{}{
		"status": string(status),
	})
	return &UpdateResult{Updated: true}, nil
}

func (c *jobController) UpdateSimulationFromWorker(ctx context.Context, jobID, simID string, update WorkerSimUpdate) (*UpdateResult, error) {
	sim, err := c.store.GetSimulationStatus(ctx, jobID, simID)
	if err != nil {
		return nil, err
	}

	patch := database.SimPatch{
		WorkerID:     update.WorkerID,
		WorkerName:   update.WorkerName,
		DurationMs:   update.DurationMs,
		ErrorMessage: update.ErrorMessage,
		Winner:       update.Winner,
		WinningTurn:  update.WinningTurn,
		Winners:      update.Winners,
		WinningTurns: update.WinningTurns,
	}

	if update.State == nil {
		if err := c.store.UpdateSimulationStatus(ctx, jobID, simID, patch); err != nil {
			return nil, err
		}
		return &UpdateResult{Updated: true}, nil
	}

	to := *update.State
	if !model.CanTransitionSim(sim.State, to) {
		return rejected(model.SimRejectReason(sim.State, to), string(sim.State), string(to)), nil
	}

	now := time.Now().UTC()
	patch.State = &to
	if to == model.SimRunning && sim.StartedAt == nil {
		patch.StartedAt = &now
	}
	if (to == model.SimFailed || model.SimTerminal(to)) && sim.CompletedAt == nil {
		patch.CompletedAt = &now
	}

	applied, err := c.store.ConditionalUpdateSimulationStatus(ctx, jobID, simID, []model.SimulationState{sim.State}, patch)
	if err != nil {
		return nil, err
	}
	if !applied {
		if current, err := c.store.GetSimulationStatus(ctx, jobID, simID); err == nil {
			return rejected(model.SimRejectReason(current.State, to), string(current.State), string(to)), nil
		}
		return rejected(model.ReasonInvalidTransition, string(sim.State), string(to)), nil
	}

	c.progress.UpdateSimProgress(ctx, jobID, simID, map[string]interface{}{
		"state": string(to),
	})

	if model.SimTerminal(to) {
		c.afterSimTerminal(ctx, jobID)
	}
	return &UpdateResult{Updated: true}, nil
}

// afterSimTerminal drives the aggregation trigger once a simulation stops
// moving. FAILED does not count: it re-enters through the retry reset.
func (c *jobController) afterSimTerminal(ctx context.Context, jobID string) {
	done, total, err := c.store.IncrementCompletedSimCount(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to bump completed simulation count")
		return
	}
	c.progress.UpdateJobProgress(ctx, jobID, map[string]interface{}{
		"completedSimCount": done,
	})

	if done >= total {
		if err := c.store.SetNeedsAggregation(ctx, jobID, true); err != nil {
			log.Error().Err(err).Str("jobID", jobID).Msg("Failed to flag job for aggregation")
		}
		if err := c.agg.TryAggregate(ctx, jobID); err != nil {
			// Recovery re-triggers from the needsAggregation flag.
			log.Error().Err(err).Str("jobID", jobID).Msg("Failed to aggregate job")
		}
	}
}

func rejected(reason, from, to string) *UpdateResult {
	log.Info().
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("Rejected state transition")
	return &UpdateResult{Updated: false, Reason: reason, From: from, To: to}
}
