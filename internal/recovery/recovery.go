// Package recovery re-drives work the happy path lost: tasks whose messages
// vanished, simulations claimed by workers that died, and containers that
// hung. Everything it does is a conditional store write or an idempotent
// republish, so the periodic loop, the per-stream ticks, and the manual
// recover endpoint can all fire at once without double-driving work.
package recovery

import (
	"context"
	"sync"
	"time"

	"podsim/internal/aggregate"
	"podsim/internal/broker"
	"podsim/internal/database"
	"podsim/internal/model"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultScanInterval is the cadence of the background loop.
	DefaultScanInterval = 45 * time.Second

	// stuckQueuedAfter is how long a job may sit QUEUED before its tasks
	// are assumed lost and republished.
	stuckQueuedAfter = 2 * time.Minute

	// stuckPendingAfter is how long a simulation of a RUNNING job may sit
	// PENDING, measured from the job start, before its task is republished.
	stuckPendingAfter = 5 * time.Minute

	// runningTimeout is the hard ceiling on one container run. It sits
	// above the worker's own 2h container timeout so the worker always
	// reports first when it is alive.
	runningTimeout = 150 * time.Minute

	// republishCooldown paces re-dispatch per job across the loop, the
	// stream ticks, and the recover endpoint.
	republishCooldown = 2 * time.Minute

	msgSimTimedOut = "Simulation timed out after 2.5 hours"
	msgWorkerLost  = "Worker lost connection"
)

// Engine scans active jobs and repairs them. With a nil publisher (embedded
// polling mode) it performs only the store-side repairs: timing out hung
// containers, failing orphaned simulations, and kicking aggregation. The
// re-dispatch actions need the broker.
type Engine struct {
	store     database.Store
	publisher broker.Publisher
	agg       aggregate.Aggregator

	interval time.Duration
	now      func() time.Time

	mu          sync.Mutex
	lastPublish map[string]time.Time
}

func New(store database.Store, publisher broker.Publisher, agg aggregate.Aggregator) *Engine {
	return &Engine{
		store:       store,
		publisher:   publisher,
		agg:         agg,
		interval:    DefaultScanInterval,
		now:         time.Now,
		lastPublish: make(map[string]time.Time),
	}
}

// Run blocks scanning every interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Dur("interval", e.interval).Msg("Starting recovery loop")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping recovery loop")
			return
		case <-ticker.C:
			e.runPass(ctx)
		}
	}
}

// runPass sweeps every active job. Per-job failures are logged and skipped;
// the next tick retries the whole pass.
func (e *Engine) runPass(ctx context.Context) {
	jobs, err := e.store.ListActiveJobs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active jobs for recovery")
		return
	}

	for _, job := range jobs {
		if err := e.recoverJob(ctx, job); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to recover job")
		}
	}
	e.pruneCooldowns()
}

// RecoverJob runs one recovery pass for a single job. Streams call this on
// open and every 30 seconds; operators reach it through the recover
// endpoint. Terminal jobs are left untouched.
func (e *Engine) RecoverJob(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return e.recoverJob(ctx, job)
}

func (e *Engine) recoverJob(ctx context.Context, job *model.Job) error {
	switch job.Status {
	case model.JobQueued:
		return e.recoverQueued(ctx, job)
	case model.JobRunning:
		return e.recoverRunning(ctx, job)
	default:
		return nil
	}
}

// recoverQueued republishes the tasks of a job that has sat QUEUED past the
// threshold. A crash between store insert and publish leaves exactly this
// state; republishing only PENDING sims keeps partial publication safe.
func (e *Engine) recoverQueued(ctx context.Context, job *model.Job) error {
	if e.publisher == nil {
		return nil
	}
	if e.now().Sub(job.CreatedAt) <= stuckQueuedAfter {
		return nil
	}

	workers, err := e.store.ListActiveWorkers(ctx, e.now())
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		log.Debug().Str("jobID", job.ID).Msg("Stuck queued job has no active workers, holding republish")
		return nil
	}

	sims, err := e.store.GetSimulationStatuses(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(sims) == 0 {
		// Dispatcher crashed before fanout: finish its work.
		if err := e.store.InitializeSimulations(ctx, job.ID, job.TotalSimCount); err != nil {
			return err
		}
		if sims, err = e.store.GetSimulationStatuses(ctx, job.ID); err != nil {
			return err
		}
	}

	if !e.canRepublish(job) {
		return nil
	}

	published := 0
	for _, sim := range sims {
		if sim.State != model.SimPending {
			continue
		}
		if err := e.publishTask(ctx, job, sim); err == nil {
			published++
		}
	}
	if published > 0 {
		e.markPublished(ctx, job)
		log.Warn().
			Str("jobID", job.ID).
			Int("tasks", published).
			Msg("Republished tasks for stuck queued job")
	}
	return nil
}

func (e *Engine) recoverRunning(ctx context.Context, job *model.Job) error {
	sims, err := e.store.GetSimulationStatuses(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(sims) == 0 {
		log.Warn().Str("jobID", job.ID).Msg("Running job has no simulations")
		return nil
	}

	failed, err := e.failDeadRuns(ctx, job, sims)
	if err != nil {
		return err
	}
	if failed {
		if sims, err = e.store.GetSimulationStatuses(ctx, job.ID); err != nil {
			return err
		}
	}

	if e.publisher != nil {
		if err := e.redispatch(ctx, job, sims); err != nil {
			return err
		}
	}

	for _, sim := range sims {
		if !model.SimTerminal(sim.State) {
			return nil
		}
	}
	// Every sim landed terminal but the job is still open: the finisher
	// died before aggregation. Close it out.
	return e.agg.TryAggregate(ctx, job.ID)
}

// failDeadRuns conditionally fails RUNNING sims whose container exceeded the
// hard timeout or whose worker dropped out of the active set. Reports
// whether any write landed.
func (e *Engine) failDeadRuns(ctx context.Context, job *model.Job, sims []*model.Simulation) (bool, error) {
	var active map[string]bool
	failed := false

	for _, sim := range sims {
		if sim.State != model.SimRunning {
			continue
		}

		reason := ""
		if sim.StartedAt != nil && e.now().Sub(*sim.StartedAt) > runningTimeout {
			reason = msgSimTimedOut
		} else if sim.WorkerID != "" {
			if active == nil {
				workers, err := e.store.ListActiveWorkers(ctx, e.now())
				if err != nil {
					return failed, err
				}
				active = make(map[string]bool, len(workers))
				for _, w := range workers {
					active[w.WorkerID] = true
				}
			}
			if !active[sim.WorkerID] {
				reason = msgWorkerLost
			}
		}
		if reason == "" {
			continue
		}

		state := model.SimFailed
		now := e.now().UTC()
		applied, err := e.store.ConditionalUpdateSimulationStatus(ctx, job.ID, sim.SimID,
			[]model.SimulationState{model.SimRunning},
			database.SimPatch{State: &state, ErrorMessage: &reason, CompletedAt: &now})
		if err != nil {
			return failed, err
		}
		if applied {
			failed = true
			log.Warn().
				Str("jobID", job.ID).
				Str("simID", sim.SimID).
				Str("workerID", sim.WorkerID).
				Str("reason", reason).
				Msg("Failed dead simulation run")
		}
	}
	return failed, nil
}

// redispatch resets FAILED sims to PENDING and republishes them along with
// sims that sat PENDING past the threshold. All of it is paced by the
// per-job cooldown and held back while no worker is alive to consume.
func (e *Engine) redispatch(ctx context.Context, job *model.Job, sims []*model.Simulation) error {
	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}

	var candidates []*model.Simulation
	for _, sim := range sims {
		switch sim.State {
		case model.SimFailed:
			candidates = append(candidates, sim)
		case model.SimPending:
			if e.now().Sub(start) > stuckPendingAfter {
				candidates = append(candidates, sim)
			}
		}
	}
	if len(candidates) == 0 || !e.canRepublish(job) {
		return nil
	}

	workers, err := e.store.ListActiveWorkers(ctx, e.now())
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		log.Debug().Str("jobID", job.ID).Msg("No active workers, holding redispatch")
		return nil
	}

	published := 0
	for _, sim := range candidates {
		if sim.State == model.SimFailed {
			state := model.SimPending
			if _, err := e.store.ConditionalUpdateSimulationStatus(ctx, job.ID, sim.SimID,
				[]model.SimulationState{model.SimFailed, model.SimPending},
				database.SimPatch{State: &state}); err != nil {
				log.Error().Err(err).Str("jobID", job.ID).Str("simID", sim.SimID).Msg("Failed to reset simulation for retry")
				continue
			}
		}
		if err := e.publishTask(ctx, job, sim); err == nil {
			published++
		}
	}
	if published > 0 {
		e.markPublished(ctx, job)
		log.Warn().
			Str("jobID", job.ID).
			Int("tasks", published).
			Msg("Redispatched stalled simulations")
	}
	return nil
}

func (e *Engine) publishTask(ctx context.Context, job *model.Job, sim *model.Simulation) error {
	err := e.publisher.PublishSimulationTask(ctx, broker.Task{
		JobID:     job.ID,
		SimID:     sim.SimID,
		SimIndex:  sim.Index,
		TotalSims: job.TotalSimCount,
	})
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Str("simID", sim.SimID).Msg("Failed to republish task")
	}
	return err
}

// canRepublish checks the per-job cooldown, both the in-process map and the
// persisted stamp other control-plane replicas may have written.
func (e *Engine) canRepublish(job *model.Job) bool {
	now := e.now()

	e.mu.Lock()
	last, ok := e.lastPublish[job.ID]
	e.mu.Unlock()
	if ok && now.Sub(last) < republishCooldown {
		return false
	}
	if job.LastPublishedAt != nil && now.Sub(*job.LastPublishedAt) < republishCooldown {
		return false
	}
	return true
}

// markPublished stamps the cooldown. The store write is advisory and
// best-effort; the in-process map alone paces a single control plane.
func (e *Engine) markPublished(ctx context.Context, job *model.Job) {
	now := e.now().UTC()

	e.mu.Lock()
	e.lastPublish[job.ID] = now
	e.mu.Unlock()

	_, err := e.store.ConditionalUpdateJobStatus(ctx, job.ID,
		[]model.JobStatus{job.Status},
		database.JobPatch{Status: job.Status, LastPublishedAt: &now})
	if err != nil {
		log.Debug().Err(err).Str("jobID", job.ID).Msg("Failed to persist republish stamp")
	}
}

// pruneCooldowns drops stale map entries so finished jobs do not pin memory.
func (e *Engine) pruneCooldowns() {
	cutoff := e.now().Add(-10 * republishCooldown)

	e.mu.Lock()
	for id, at := range e.lastPublish {
		if at.Before(cutoff) {
			delete(e.lastPublish, id)
		}
	}
	e.mu.Unlock()
}
