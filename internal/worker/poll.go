package worker

import (
	"context"
	"fmt"
	"time"

	"podsim/internal/broker"
	"podsim/internal/database"
	"podsim/internal/model"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 5 * time.Second

	// selfRetryPasses bounds how often the polling worker re-runs its own
	// failed simulations before failing the job. Broker deployments lean on
	// the recovery engine instead and never reach this path.
	selfRetryPasses = 2
)

// RunPolling claims queued jobs straight from the store, for single-host
// deployments without a broker. Each claimed job is executed to a terminal
// state before the next claim.
func (r *Runtime) RunPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	log.Info().
		Str("workerID", r.ident.ID).
		Dur("interval", interval).
		Msg("Polling for queued jobs")

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.store.ClaimNextJob(ctx, r.ident.ID, r.ident.Name)
		if err == nil && job != nil {
			r.executeJob(ctx, job)
			continue
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to claim next job")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// executeJob runs every simulation of one claimed job with the job's
// parallelism, bounded by worker capacity, then settles the job state.
func (r *Runtime) executeJob(ctx context.Context, job *model.Job) {
	r.progress.UpdateJobProgress(ctx, job.ID, map[string]interface{}{
		"status": string(model.JobRunning),
	})

	sims, err := r.store.GetSimulationStatuses(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to load simulations")
		return
	}
	if len(sims) == 0 {
		// The dispatcher crashed between the insert and the fanout.
		if err := r.store.InitializeSimulations(ctx, job.ID, job.TotalSimCount); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to initialize simulations")
			return
		}
		if sims, err = r.store.GetSimulationStatuses(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to load simulations")
			return
		}
	}

	limit := job.Parallelism
	if limit <= 0 {
		limit = 1
	}
	if limit > r.ident.Capacity {
		limit = r.ident.Capacity
	}

	for pass := 0; pass <= selfRetryPasses; pass++ {
		runnable := make([]*model.Simulation, 0, len(sims))
		for _, sim := range sims {
			if sim.State == model.SimPending || sim.State == model.SimFailed {
				runnable = append(runnable, sim)
			}
		}
		if len(runnable) == 0 {
			break
		}
		if pass > 0 {
			log.Info().
				Str("jobID", job.ID).
				Int("simulations", len(runnable)).
				Int("pass", pass).
				Msg("Retrying failed simulations")
		}

		var g errgroup.Group
		g.SetLimit(limit)
		for _, sim := range runnable {
			sim := sim
			g.Go(func() error {
				err := r.HandleTask(ctx, broker.Task{
					JobID:     job.ID,
					SimID:     sim.SimID,
					SimIndex:  sim.Index,
					TotalSims: job.TotalSimCount,
				})
				if err != nil {
					log.Error().Err(err).Str("simID", sim.SimID).Msg("Failed to handle simulation task")
				}
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return
		}
		current, err := r.store.GetJob(ctx, job.ID)
		if err != nil || model.JobTerminal(current.Status) {
			return
		}
		if sims, err = r.store.GetSimulationStatuses(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to reload simulations")
			return
		}
	}

	r.settleJob(ctx, job.ID, sims)
}

// settleJob fails a job whose simulations exhausted their retries. Fully
// terminal jobs were already aggregated by the last HandleTask.
func (r *Runtime) settleJob(ctx context.Context, jobID string, sims []*model.Simulation) {
	failed := 0
	for _, sim := range sims {
		if sim.State == model.SimFailed {
			failed++
		}
	}
	if failed == 0 {
		return
	}

	now := time.Now().UTC()
	msg := fmt.Sprintf("%d of %d simulations failed", failed, len(sims))
	applied, err := r.store.ConditionalUpdateJobStatus(ctx, jobID,
		[]model.JobStatus{model.JobRunning},
		database.JobPatch{
			Status:       model.JobFailed,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		})
	if err != nil || !applied {
		log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to mark job failed")
		return
	}

	r.progress.UpdateJobProgress(ctx, jobID, map[string]interface{}{
		"status":       string(model.JobFailed),
		"errorMessage": msg,
	})
	log.Warn().Str("jobID", jobID).Str("error", msg).Msg("Job failed")
}
