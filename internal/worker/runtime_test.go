package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"podsim/internal/aggregate"
	"podsim/internal/blob"
	"podsim/internal/broker"
	"podsim/internal/database"
	"podsim/internal/decks"
	"podsim/internal/gamelog"
	"podsim/internal/model"
	"podsim/internal/progress"
	"podsim/internal/rating"
	"podsim/internal/runner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner fabricates container outcomes instead of shelling out to docker.
type stubRunner struct {
	mu    sync.Mutex
	calls []runner.Params
	fn    func(runner.Params) runner.Result
}

func (s *stubRunner) Run(_ context.Context, params runner.Params) runner.Result {
	s.mu.Lock()
	s.calls = append(s.calls, params)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(params)
	}
	return passingResult(params)
}

func (s *stubRunner) Prune(context.Context) {}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// passingResult writes the stdout a healthy simulator produces: one result
// line per game, all won by Burn.
func passingResult(params runner.Params) runner.Result {
	var sb strings.Builder
	for g := 1; g <= params.Games; g++ {
		fmt.Fprintf(&sb, "RESULT game=%d turn=7 winner=Burn\n", g)
	}
	return runner.Result{
		SimID:      params.SimID,
		Index:      params.Index,
		ExitCode:   0,
		DurationMs: 42_000,
		LogText:    sb.String(),
	}
}

type runtimeFixture struct {
	store database.Store
	blobs *blob.Memory
	run   *stubRunner
	rt    *Runtime
}

func newRuntimeFixture(t *testing.T) *runtimeFixture {
	t.Helper()
	store, err := database.NewTestStore()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	f := &runtimeFixture{
		store: store,
		blobs: blob.NewMemory(),
		run:   &stubRunner{},
	}
	resolver := decks.NewStatic(map[string]model.Deck{
		"d1": {Name: "Burn"},
		"d2": {Name: "Control"},
		"d3": {Name: "Aggro"},
		"d4": {Name: "Combo"},
	})
	agg := aggregate.New(store, gamelog.NewCondenser(f.blobs), rating.NewService(store), progress.NewNoop())
	f.rt = NewRuntime(store, f.run, gamelog.NewLineParser(), f.blobs, resolver, agg, progress.NewNoop(),
		Identity{ID: "w1", Name: "bench-01", Version: "test", Capacity: 4})
	f.rt.watch = newCancelWatch(store, 10*time.Millisecond)
	return f
}

// seedJob inserts a job the way the dispatcher would, with resolved decks
// embedded alongside the catalog ids.
func (f *runtimeFixture) seedJob(t *testing.T, games int, initSims bool) *model.Job {
	t.Helper()
	job, err := f.store.CreateJob(context.Background(), database.CreateJobParams{
		Decks: []model.Deck{
			{Name: "Burn"}, {Name: "Control"}, {Name: "Aggro"}, {Name: "Combo"},
		},
		DeckIDs:     []string{"d1", "d2", "d3", "d4"},
		Simulations: games,
		Parallelism: 2,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)
	if initSims {
		require.NoError(t, f.store.InitializeSimulations(context.Background(), job.ID, job.TotalSimCount))
	}
	return job
}

func taskFor(job *model.Job, index int) broker.Task {
	return broker.Task{
		JobID:     job.ID,
		SimID:     model.SimulationID(index),
		SimIndex:  index,
		TotalSims: job.TotalSimCount,
	}
}

func (f *runtimeFixture) sim(t *testing.T, jobID, simID string) *model.Simulation {
	t.Helper()
	sim, err := f.store.GetSimulationStatus(context.Background(), jobID, simID)
	require.NoError(t, err)
	return sim
}

func (f *runtimeFixture) job(t *testing.T, jobID string) *model.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func TestHandleTaskCompletesSimulation(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))

	sim := f.sim(t, job.ID, "sim_000")
	assert.Equal(t, model.SimCompleted, sim.State)
	assert.Equal(t, []string{"Burn", "Burn", "Burn", "Burn"}, sim.Winners)
	assert.Equal(t, []int{7, 7, 7, 7}, sim.WinningTurns)
	assert.Equal(t, int64(42_000), sim.DurationMs)
	assert.Equal(t, "w1", sim.WorkerID)
	assert.NotNil(t, sim.StartedAt)
	assert.NotNil(t, sim.CompletedAt)

	// The first task of a queued job moves the job to RUNNING.
	got := f.job(t, job.ID)
	assert.Equal(t, model.JobRunning, got.Status)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, 1, got.CompletedSimCount)

	// The raw log lands in blob storage under the 1-based container number.
	raw, err := f.blobs.Download(context.Background(), model.RawLogKey(job.ID, 0))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "RESULT game=1")

	require.Equal(t, 1, f.run.callCount())
	params := f.run.calls[0]
	assert.Equal(t, 4, params.Games)
	require.Len(t, params.Decks, 4)
	assert.Equal(t, "Burn", params.Decks[0].Name)
}

func TestHandleTaskDropsSettledTask(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))
	require.Equal(t, 1, f.run.callCount())

	// A redelivery of a COMPLETED simulation never reaches the runner.
	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))
	assert.Equal(t, 1, f.run.callCount())
	assert.Equal(t, model.SimCompleted, f.sim(t, job.ID, "sim_000").State)
	assert.Equal(t, 1, f.job(t, job.ID).CompletedSimCount)
}

func TestHandleTaskRecordsContainerFailure(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)
	f.run.fn = func(params runner.Params) runner.Result {
		return runner.Result{ExitCode: 1, DurationMs: 5_000, ErrorMessage: "deck parse error"}
	}

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))

	sim := f.sim(t, job.ID, "sim_000")
	assert.Equal(t, model.SimFailed, sim.State)
	assert.Equal(t, "deck parse error", sim.ErrorMessage)
	assert.Equal(t, int64(5_000), sim.DurationMs)
	assert.NotNil(t, sim.CompletedAt)

	// One failed simulation does not fail the job and does not count toward
	// completion; recovery republishes it.
	got := f.job(t, job.ID)
	assert.Equal(t, model.JobRunning, got.Status)
	assert.Equal(t, 0, got.CompletedSimCount)
}

func TestHandleTaskFailsOnUnparseableLog(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)
	f.run.fn = func(params runner.Params) runner.Result {
		return runner.Result{ExitCode: 0, DurationMs: 3_000, LogText: "panic: deck list empty\n"}
	}

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))

	sim := f.sim(t, job.ID, "sim_000")
	assert.Equal(t, model.SimFailed, sim.State)
	assert.Equal(t, gamelog.ErrNoResults.Error(), sim.ErrorMessage)
}

func TestHandleTaskCancelledJobGate(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)

	cancelled, err := f.store.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	// A task delivered after the cancel cascade finds its row re-armed only
	// in pathological orderings; force that ordering.
	pending := model.SimPending
	require.NoError(t, f.store.UpdateSimulationStatus(context.Background(), job.ID, "sim_000",
		database.SimPatch{State: &pending}))

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))

	sim := f.sim(t, job.ID, "sim_000")
	assert.Equal(t, model.SimCancelled, sim.State)
	assert.Equal(t, runner.MsgCancelled, sim.ErrorMessage)
	assert.Zero(t, f.run.callCount())
}

func TestHandleTaskShutdownAbortFailsRun(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)
	f.run.fn = func(params runner.Params) runner.Result {
		// Exit 137 without the abort channel firing means the worker itself
		// is going down.
		return runner.Result{ExitCode: runner.ExitCancelled, DurationMs: 1_000}
	}

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))

	sim := f.sim(t, job.ID, "sim_000")
	assert.Equal(t, model.SimFailed, sim.State)
	assert.Equal(t, msgShuttingDown, sim.ErrorMessage)
}

func TestHandleTaskJobCancellationAborts(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)
	f.run.fn = func(params runner.Params) runner.Result {
		cancelled, err := f.store.CancelJob(context.Background(), params.JobID)
		require.NoError(t, err)
		require.True(t, cancelled)

		select {
		case <-params.Abort:
		case <-time.After(2 * time.Second):
			t.Fatal("abort channel never fired after job cancel")
		}
		return runner.Result{ExitCode: runner.ExitCancelled, DurationMs: 1_500}
	}

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))

	sim := f.sim(t, job.ID, "sim_000")
	assert.Equal(t, model.SimCancelled, sim.State)
	assert.Equal(t, "Cancelled", sim.ErrorMessage)
	assert.Equal(t, model.JobCancelled, f.job(t, job.ID).Status)
}

func TestHandleTaskAlreadyRunningLeavesClaim(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)
	f.run.fn = func(params runner.Params) runner.Result {
		return runner.Result{AlreadyRunning: true}
	}

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))

	// The live container's delivery will report; this one must not write.
	sim := f.sim(t, job.ID, "sim_000")
	assert.Equal(t, model.SimRunning, sim.State)
	assert.Nil(t, sim.CompletedAt)
	assert.Zero(t, f.blobs.Len())
}

func TestLastSimulationAggregatesJob(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)

	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 0)))
	require.NoError(t, f.rt.HandleTask(context.Background(), taskFor(job, 1)))

	got := f.job(t, job.ID)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedSimCount)
	assert.Equal(t, 8, got.GamesCompleted)
	assert.False(t, got.NeedsAggregation)
	require.NotNil(t, got.Results)
	assert.Equal(t, 8, got.Results.CompletedGames)

	exists, err := f.blobs.Exists(context.Background(), model.ResultsKey(job.ID))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestExecuteJobInitializesAndCompletes(t *testing.T) {
	f := newRuntimeFixture(t)
	f.seedJob(t, 8, false)

	claimed, err := f.store.ClaimNextJob(context.Background(), "w1", "bench-01")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	f.rt.executeJob(context.Background(), claimed)

	// The dispatcher never fanned out; executeJob backfills the rows.
	sims, err := f.store.GetSimulationStatuses(context.Background(), claimed.ID)
	require.NoError(t, err)
	require.Len(t, sims, 2)
	for _, sim := range sims {
		assert.Equal(t, model.SimCompleted, sim.State)
	}

	got := f.job(t, claimed.ID)
	assert.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.Results)
	assert.Equal(t, 8, got.Results.CompletedGames)
}

func TestExecuteJobRetriesFailedSimulations(t *testing.T) {
	f := newRuntimeFixture(t)
	f.seedJob(t, 8, true)

	var mu sync.Mutex
	attempts := map[string]int{}
	f.run.fn = func(params runner.Params) runner.Result {
		mu.Lock()
		attempts[params.SimID]++
		n := attempts[params.SimID]
		mu.Unlock()
		if params.SimID == "sim_001" && n == 1 {
			return runner.Result{ExitCode: 1, DurationMs: 900, ErrorMessage: "simulator crashed"}
		}
		return passingResult(params)
	}

	claimed, err := f.store.ClaimNextJob(context.Background(), "w1", "bench-01")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	f.rt.executeJob(context.Background(), claimed)

	got := f.job(t, claimed.ID)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, model.SimCompleted, f.sim(t, claimed.ID, "sim_001").State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts["sim_000"])
	assert.Equal(t, 2, attempts["sim_001"])
}

func TestExecuteJobSettlesExhaustedJob(t *testing.T) {
	f := newRuntimeFixture(t)
	f.seedJob(t, 8, true)
	f.run.fn = func(params runner.Params) runner.Result {
		return runner.Result{ExitCode: 1, DurationMs: 700, ErrorMessage: "out of memory"}
	}

	claimed, err := f.store.ClaimNextJob(context.Background(), "w1", "bench-01")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	f.rt.executeJob(context.Background(), claimed)

	got := f.job(t, claimed.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, "2 of 2 simulations failed", got.ErrorMessage)

	// Initial run plus selfRetryPasses retries, for every simulation.
	assert.Equal(t, 2*(selfRetryPasses+1), f.run.callCount())
}

func TestRunPollingDrivesJobToCompletion(t *testing.T) {
	f := newRuntimeFixture(t)
	job := f.seedJob(t, 8, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rt.RunPolling(ctx, 20*time.Millisecond)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		got := f.job(t, job.ID)
		if model.JobTerminal(got.Status) {
			assert.Equal(t, model.JobCompleted, got.Status)
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("job never reached a terminal state")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("polling loop did not stop on context cancel")
	}
}

func TestHeartbeatWritesWorkerRow(t *testing.T) {
	f := newRuntimeFixture(t)

	f.rt.beat(context.Background())

	info, err := f.store.GetWorker(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "bench-01", info.WorkerName)
	assert.Equal(t, model.WorkerIdle, info.Status)
	assert.Equal(t, 4, info.Capacity)
	assert.Equal(t, "test", info.Version)
	assert.Empty(t, info.CurrentJobID)
}

func TestDrainReturnsWhenIdle(t *testing.T) {
	f := newRuntimeFixture(t)

	start := time.Now()
	f.rt.Drain(5 * time.Second)
	assert.Less(t, time.Since(start), time.Second)
}
