// Package aggregate finalizes jobs. Once every simulation of a job has
// reached a terminal state it condenses the outcomes into the stored
// results, flips the job to COMPLETED, and feeds the games into the deck
// ratings. Every effect is conditional or idempotent, so it is safe to call
// from the API, the recovery loop, and several workers at the same time.
package aggregate

import (
	"context"
	"fmt"

	"podsim/internal/database"
	"podsim/internal/gamelog"
	"podsim/internal/model"
	"podsim/internal/progress"
	"podsim/internal/rating"

	"github.com/rs/zerolog/log"
)

// Aggregator finalizes jobs whose simulations are all terminal.
type Aggregator interface {
	// TryAggregate aggregates the job if it is ready and not yet done.
	// A job that is not ready is left untouched without error.
	TryAggregate(ctx context.Context, jobID string) error
}

type service struct {
	store    database.Store
	ingestor gamelog.Ingestor
	ratings  *rating.Service
	progress progress.Channel
}

func New(store database.Store, ingestor gamelog.Ingestor, ratings *rating.Service, ch progress.Channel) Aggregator {
	return &service{
		store:    store,
		ingestor: ingestor,
		ratings:  ratings,
		progress: ch,
	}
}

func (s *service) TryAggregate(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	// COMPLETED means a previous pass finished; FAILED jobs re-enter through
	// the retry reset, never through aggregation.
	if job.Status == model.JobCompleted || job.Status == model.JobFailed {
		return nil
	}
	if job.Status == model.JobCancelled && job.Results != nil {
		return nil
	}

	sims, err := s.store.GetSimulationStatuses(ctx, jobID)
	if err != nil {
		return err
	}
	if len(sims) == 0 || len(sims) < job.TotalSimCount {
		return nil
	}
	for _, sim := range sims {
		// FAILED is retryable, not terminal: it holds the job open until a
		// retry resolves it. The cancel cascade leaves FAILED sims alone, so
		// a cancelled job with failures stays un-aggregated.
		if !model.SimTerminal(sim.State) {
			return nil
		}
	}

	results, err := s.ingestor.Ingest(ctx, job, sims)
	if err != nil {
		return fmt.Errorf("condensing results: %w", err)
	}

	// Nothing ran at all: the artifact is written above, but there is no
	// outcome to record on the job. The job is terminal, so the projection
	// goes too.
	if allCancelled(sims) {
		s.progress.DeleteJobProgress(ctx, jobID)
		return nil
	}

	if err := s.store.SetJobResults(ctx, jobID, results); err != nil {
		return fmt.Errorf("storing results: %w", err)
	}

	// A cancelled job keeps its status: the results of the games that did
	// finish are stored, but CANCELLED is terminal.
	if job.Status != model.JobCancelled {
		completed, err := s.store.SetJobCompleted(ctx, jobID, results.CompletedGames, runDurations(sims))
		if err != nil {
			return fmt.Errorf("completing job: %w", err)
		}
		if !completed {
			log.Debug().Str("jobID", jobID).Msg("Job already finalized by a concurrent aggregation")
		}
	}

	if err := s.store.SetNeedsAggregation(ctx, jobID, false); err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to clear aggregation flag")
	}

	// Ratings ride along. A failure never un-finishes the job, and the
	// deterministic match result ids make a later replay idempotent.
	if err := s.ratings.ApplyJob(ctx, job, sims); err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to apply deck ratings")
	}

	// Dropping the projection notifies push subscribers, who re-snapshot
	// from the store and see the terminal job.
	s.progress.DeleteJobProgress(ctx, jobID)

	log.Info().
		Str("jobID", jobID).
		Int("completedGames", results.CompletedGames).
		Int("failedSims", results.FailedSims).
		Int("cancelledSims", results.CancelledSims).
		Msg("Aggregated job")
	return nil
}

func allCancelled(sims []*model.Simulation) bool {
	for _, sim := range sims {
		if sim.State != model.SimCancelled {
			return false
		}
	}
	return true
}

// runDurations collects the container wall times of the finished
// simulations, in index order.
func runDurations(sims []*model.Simulation) []int64 {
	durations := make([]int64, 0, len(sims))
	for _, sim := range sims {
		if sim.DurationMs > 0 {
			durations = append(durations, sim.DurationMs)
		}
	}
	return durations
}
