// Package worker runs simulation containers against the store's row of
// record: it claims tasks, executes them through the container runner, and
// reports state transitions with conditional writes so duplicate deliveries
// and racing workers stay harmless.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"podsim/internal/aggregate"
	"podsim/internal/blob"
	"podsim/internal/broker"
	"podsim/internal/config"
	"podsim/internal/database"
	"podsim/internal/decks"
	"podsim/internal/gamelog"
	"podsim/internal/model"
	"podsim/internal/progress"
	"podsim/internal/runner"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// Heartbeats land every heartbeatBase ± heartbeatJitter so a fleet
	// booted together does not write in lockstep.
	heartbeatBase   = 15 * time.Second
	heartbeatJitter = 5 * time.Second

	// stateWriteTimeout bounds the store writes that persist a finished
	// container's outcome, which must survive a dying request context.
	stateWriteTimeout = 15 * time.Second

	msgShuttingDown = "Worker shutting down"
)

// Identity pins one worker's stable id, display name, build version, and
// sized capacity.
type Identity struct {
	ID       string
	Name     string
	Version  string
	Capacity int
}

// ResolveIdentity fills blank id/name from the hostname so restarts keep
// the same identity and recovery does not orphan this worker's runs.
func ResolveIdentity(cfg config.WorkerConfig) (id, name string) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
	id, name = cfg.ID, cfg.Name
	if id == "" {
		id = host
	}
	if name == "" {
		name = host
	}
	return id, name
}

// Runtime is one worker process: a capacity-bounded executor for simulation
// tasks arriving over the broker or claimed by polling.
type Runtime struct {
	store    database.Store
	runner   runner.Runner
	parser   gamelog.Parser
	blobs    blob.Store
	resolver decks.Resolver
	agg      aggregate.Aggregator
	progress progress.Channel

	ident   Identity
	started time.Time

	watch  *cancelWatch
	active int32
	wg     sync.WaitGroup
}

// NewRuntime wires the executor. The aggregator runs in-process so the last
// finished simulation of a job condenses results without an extra hop.
func NewRuntime(store database.Store, run runner.Runner, parser gamelog.Parser, blobs blob.Store,
	resolver decks.Resolver, agg aggregate.Aggregator, ch progress.Channel, ident Identity) *Runtime {
	return &Runtime{
		store:    store,
		runner:   run,
		parser:   parser,
		blobs:    blobs,
		resolver: resolver,
		agg:      agg,
		progress: ch,
		ident:    ident,
		started:  time.Now().UTC(),
		watch:    newCancelWatch(store, defaultWatchInterval),
	}
}

// Capacity returns the sized concurrent slot count.
func (r *Runtime) Capacity() int {
	return r.ident.Capacity
}

// HandleTask executes one simulation task end to end. A nil return means
// the delivery is settled (acked) whatever the simulation outcome; errors
// are reserved for transient store faults worth a redelivery.
func (r *Runtime) HandleTask(ctx context.Context, task broker.Task) error {
	r.wg.Add(1)
	defer r.wg.Done()
	atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)

	now := time.Now().UTC()
	running := model.SimRunning
	claimed, err := r.store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
		[]model.SimulationState{model.SimPending, model.SimFailed},
		database.SimPatch{
			State:      &running,
			WorkerID:   &r.ident.ID,
			WorkerName: &r.ident.Name,
			StartedAt:  &now,
		})
	if err != nil {
		return fmt.Errorf("failed to claim simulation: %w", err)
	}
	if !claimed {
		log.Debug().
			Str("jobID", task.JobID).
			Str("simID", task.SimID).
			Msg("Simulation already progressed, dropping task")
		return nil
	}
	r.progress.UpdateSimProgress(ctx, task.JobID, task.SimID, map[string]interface{}{
		"state":    string(model.SimRunning),
		"workerId": r.ident.ID,
	})

	job, err := r.store.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Warn().Str("jobID", task.JobID).Msg("Task for deleted job, dropping")
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}
	if model.JobTerminal(job.Status) {
		r.finishCancelled(task, 0)
		return nil
	}

	// First worker to reach a QUEUED job moves it to RUNNING.
	if job.Status == model.JobQueued {
		flipped, err := r.store.ConditionalUpdateJobStatus(ctx, job.ID,
			[]model.JobStatus{model.JobQueued},
			database.JobPatch{
				Status:     model.JobRunning,
				WorkerID:   &r.ident.ID,
				WorkerName: &r.ident.Name,
				StartedAt:  &now,
			})
		if err != nil {
			return fmt.Errorf("failed to start job: %w", err)
		}
		if flipped {
			r.progress.UpdateJobProgress(ctx, job.ID, map[string]interface{}{
				"status": string(model.JobRunning),
			})
			log.Info().Str("jobID", job.ID).Msg("Started job")
		}
	}

	resolved, err := r.decksFor(ctx, job)
	if err != nil {
		r.finishFailed(task, 0, err.Error())
		return nil
	}

	abort := r.watch.Acquire(job.ID)
	defer r.watch.Release(job.ID)

	games := model.GamesForSim(task.SimIndex, job.Simulations)
	res := r.runner.Run(ctx, runner.Params{
		JobID: job.ID,
		SimID: task.SimID,
		Index: task.SimIndex,
		Games: games,
		Decks: resolved,
		Abort: abort,
	})

	if res.AlreadyRunning {
		// The earlier delivery owns this container and will report for it.
		return nil
	}

	switch {
	case res.ExitCode == runner.ExitCancelled:
		select {
		case <-abort:
			r.finishCancelled(task, res.DurationMs)
		default:
			// Aborted by worker shutdown, not job cancellation; fail the
			// run so recovery redispatches it promptly.
			r.finishFailed(task, res.DurationMs, msgShuttingDown)
		}
	case res.ExitCode == 0:
		r.finishCompleted(task, games, res)
	default:
		r.finishFailed(task, res.DurationMs, res.ErrorMessage)
	}
	return nil
}

// decksFor re-resolves catalog decks at execution time; inline decks travel
// embedded in the job row.
func (r *Runtime) decksFor(ctx context.Context, job *model.Job) ([]model.Deck, error) {
	if len(job.DeckIDs) == 4 {
		return r.resolver.Resolve(ctx, job.DeckIDs)
	}
	if len(job.Decks) == 4 {
		return job.Decks, nil
	}
	return nil, fmt.Errorf("job %s carries %d decks", job.ID, len(job.Decks))
}

func (r *Runtime) finishCompleted(task broker.Task, games int, res runner.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()

	outcomes, err := r.parser.Parse(res.LogText, games)
	if err != nil {
		// A clean exit with an unreadable log is still a failed run.
		r.finishFailed(task, res.DurationMs, err.Error())
		return
	}

	key := model.RawLogKey(task.JobID, task.SimIndex)
	if err := r.blobs.Upload(ctx, key, strings.NewReader(res.LogText)); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to upload raw game log")
	}

	winners := make([]string, len(outcomes))
	turns := make([]int, len(outcomes))
	for i, out := range outcomes {
		winners[i] = out.Winner
		turns[i] = out.Turn
	}

	now := time.Now().UTC()
	completed := model.SimCompleted
	applied, err := r.store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
		[]model.SimulationState{model.SimPending, model.SimRunning, model.SimFailed},
		database.SimPatch{
			State:        &completed,
			CompletedAt:  &now,
			DurationMs:   &res.DurationMs,
			Winners:      winners,
			WinningTurns: turns,
		})
	if err != nil || !applied {
		log.Warn().Err(err).
			Str("jobID", task.JobID).
			Str("simID", task.SimID).
			Bool("applied", applied).
			Msg("Failed to record completed simulation")
		return
	}

	r.progress.UpdateSimProgress(ctx, task.JobID, task.SimID, map[string]interface{}{
		"state":      string(model.SimCompleted),
		"durationMs": res.DurationMs,
	})
	log.Info().
		Str("jobID", task.JobID).
		Str("simID", task.SimID).
		Int64("durationMs", res.DurationMs).
		Int("games", games).
		Msg("Simulation completed")

	r.afterTerminal(ctx, task.JobID)
}

func (r *Runtime) finishFailed(task broker.Task, durationMs int64, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	failed := model.SimFailed
	if message == "" {
		message = "simulation failed"
	}
	applied, err := r.store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
		[]model.SimulationState{model.SimRunning},
		database.SimPatch{
			State:        &failed,
			ErrorMessage: &message,
			CompletedAt:  &now,
			DurationMs:   &durationMs,
		})
	if err != nil || !applied {
		log.Warn().Err(err).
			Str("jobID", task.JobID).
			Str("simID", task.SimID).
			Bool("applied", applied).
			Msg("Failed to record failed simulation")
		return
	}

	r.progress.UpdateSimProgress(ctx, task.JobID, task.SimID, map[string]interface{}{
		"state":        string(model.SimFailed),
		"errorMessage": message,
	})
	log.Warn().
		Str("jobID", task.JobID).
		Str("simID", task.SimID).
		Str("error", message).
		Msg("Simulation failed")
}

func (r *Runtime) finishCancelled(task broker.Task, durationMs int64) {
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	cancelled := model.SimCancelled
	msg := runner.MsgCancelled
	patch := database.SimPatch{
		State:        &cancelled,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}
	if durationMs > 0 {
		patch.DurationMs = &durationMs
	}
	applied, err := r.store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
		[]model.SimulationState{model.SimRunning}, patch)
	if err != nil || !applied {
		log.Debug().Err(err).
			Str("jobID", task.JobID).
			Str("simID", task.SimID).
			Msg("Cancelled simulation already settled elsewhere")
		return
	}

	r.progress.UpdateSimProgress(ctx, task.JobID, task.SimID, map[string]interface{}{
		"state": string(model.SimCancelled),
	})
	log.Info().
		Str("jobID", task.JobID).
		Str("simID", task.SimID).
		Msg("Simulation cancelled")
}

// afterTerminal advances the job's terminal counter and, when this was the
// last simulation, flags and runs aggregation.
func (r *Runtime) afterTerminal(ctx context.Context, jobID string) {
	done, total, err := r.store.IncrementCompletedSimCount(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to bump completed simulation count")
		return
	}
	r.progress.UpdateJobProgress(ctx, jobID, map[string]interface{}{
		"completedSimCount": done,
	})
	if done < total {
		return
	}

	if err := r.store.SetNeedsAggregation(ctx, jobID, true); err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to flag job for aggregation")
	}
	if err := r.agg.TryAggregate(ctx, jobID); err != nil {
		// The flag stays set; recovery retries the aggregation.
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to aggregate job")
	}
}

// RunHeartbeat writes liveness rows until ctx ends, then a final idle beat
// so the fleet view does not show a ghost worker for a minute.
func (r *Runtime) RunHeartbeat(ctx context.Context) {
	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.finalBeat(final)
			cancel()
			return
		case <-time.After(nextHeartbeat()):
			r.beat(ctx)
		}
	}
}

func nextHeartbeat() time.Duration {
	return heartbeatBase - heartbeatJitter + time.Duration(rand.Int63n(int64(2*heartbeatJitter)))
}

func (r *Runtime) beat(ctx context.Context) {
	active := int(atomic.LoadInt32(&r.active))
	status := model.WorkerIdle
	if active > 0 {
		status = model.WorkerBusy
	}
	err := r.store.UpsertWorkerHeartbeat(ctx, &model.WorkerInfo{
		WorkerID:          r.ident.ID,
		WorkerName:        r.ident.Name,
		Status:            status,
		CurrentJobID:      r.watch.ActiveJob(),
		Capacity:          r.ident.Capacity,
		ActiveSimulations: active,
		UptimeMs:          time.Since(r.started).Milliseconds(),
		Version:           r.ident.Version,
		LastHeartbeat:     time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to write heartbeat")
	}
}

func (r *Runtime) finalBeat(ctx context.Context) {
	err := r.store.UpsertWorkerHeartbeat(ctx, &model.WorkerInfo{
		WorkerID:      r.ident.ID,
		WorkerName:    r.ident.Name,
		Status:        model.WorkerIdle,
		Capacity:      r.ident.Capacity,
		UptimeMs:      time.Since(r.started).Milliseconds(),
		Version:       r.ident.Version,
		LastHeartbeat: time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to write final heartbeat")
	}
}

// Drain blocks until in-flight simulations finish or the timeout passes.
// Callers stop the task source first so nothing new starts meanwhile.
func (r *Runtime) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Drained active simulations")
	case <-time.After(timeout):
		log.Warn().
			Int32("active", atomic.LoadInt32(&r.active)).
			Msg("Drain timed out with simulations still active")
	}
}
