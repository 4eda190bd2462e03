package stream

import (
	"context"
	"strings"
	"time"

	"podsim/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// JobSnapshot is the stable projection of a job row sent to observers. It
// is what the default stream event carries and what diffing works on.
type JobSnapshot struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	DeckNames      []string          `json:"deckNames"`
	Status         model.JobStatus   `json:"status"`
	Simulations    int               `json:"simulations"`
	GamesCompleted int               `json:"gamesCompleted"`
	Parallelism    int               `json:"parallelism"`
	TotalSimCount  int               `json:"totalSimCount"`
	RetryCount     int               `json:"retryCount"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	WorkerID       string            `json:"workerId,omitempty"`
	WorkerName     string            `json:"workerName,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	DurationMs     int64             `json:"durationMs,omitempty"`
	QueuePosition  *int              `json:"queuePosition,omitempty"`
	Workers        *PoolSummary      `json:"workers,omitempty"`
	DeckLinks      []string          `json:"deckLinks,omitempty"`
	Results        *model.JobResults `json:"results,omitempty"`
}

// PoolSummary condenses the active worker set embedded in job snapshots.
type PoolSummary struct {
	ActiveWorkers     int `json:"activeWorkers"`
	TotalCapacity     int `json:"totalCapacity"`
	ActiveSimulations int `json:"activeSimulations"`
}

func (s *streamer) buildJobSnapshot(ctx context.Context, job *model.Job, sims []*model.Simulation) *JobSnapshot {
	snap := &JobSnapshot{
		ID:   job.ID,
		Name: job.Name(),
		DeckNames: lo.Map(job.Decks, func(d model.Deck, _ int) string {
			return d.Name
		}),
		Status:        job.Status,
		Simulations:   job.Simulations,
		Parallelism:   job.Parallelism,
		TotalSimCount: job.TotalSimCount,
		RetryCount:    job.RetryCount,
		ErrorMessage:  job.ErrorMessage,
		WorkerID:      job.WorkerID,
		WorkerName:    job.WorkerName,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		Results:       job.Results,
	}

	// Progress comes from the live COMPLETED count; the stored counter only
	// backs it up when the simulation rows are unreadable.
	if len(sims) > 0 {
		completed := lo.CountBy(sims, func(sim *model.Simulation) bool {
			return sim.State == model.SimCompleted
		})
		snap.GamesCompleted = job.CompletedGamesFromSims(completed)
	} else {
		snap.GamesCompleted = job.GamesCompleted
	}

	// Final wall time only: a running duration would make every diff fire.
	if job.StartedAt != nil && job.CompletedAt != nil {
		snap.DurationMs = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	}

	if job.Status == model.JobQueued {
		snap.QueuePosition = s.queuePosition(ctx, job)
	}
	snap.Workers = s.poolSummary(ctx)

	if s.deckLinkBase != "" && len(job.DeckIDs) > 0 {
		base := strings.TrimRight(s.deckLinkBase, "/")
		snap.DeckLinks = lo.Map(job.DeckIDs, func(id string, _ int) string {
			return base + "/" + id
		})
	}
	return snap
}

// queuePosition is the number of QUEUED jobs ahead of this one, cached for
// a few seconds because every open stream recomputes it per snapshot.
func (s *streamer) queuePosition(ctx context.Context, job *model.Job) *int {
	cacheKey := "pos:" + job.ID
	if cached, ok := s.cache.Get(cacheKey); ok {
		pos := cached.(int)
		return &pos
	}

	count, err := s.store.CountQueuedBefore(ctx, job.CreatedAt, job.ID)
	if err != nil {
		log.Debug().Err(err).Str("jobID", job.ID).Msg("Failed to compute queue position")
		return nil
	}
	pos := int(count)
	s.cache.SetDefault(cacheKey, pos)
	return &pos
}

func (s *streamer) poolSummary(ctx context.Context) *PoolSummary {
	const cacheKey = "pool"
	if cached, ok := s.cache.Get(cacheKey); ok {
		summary := cached.(PoolSummary)
		return &summary
	}

	workers, err := s.store.ListActiveWorkers(ctx, time.Now().UTC())
	if err != nil {
		log.Debug().Err(err).Msg("Failed to list active workers for snapshot")
		return nil
	}
	summary := PoolSummary{
		ActiveWorkers: len(workers),
		TotalCapacity: lo.SumBy(workers, func(w *model.WorkerInfo) int {
			return w.Capacity
		}),
		ActiveSimulations: lo.SumBy(workers, func(w *model.WorkerInfo) int {
			return w.ActiveSimulations
		}),
	}
	s.cache.SetDefault(cacheKey, summary)
	return &summary
}
