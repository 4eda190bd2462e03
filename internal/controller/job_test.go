package controller

import (
	"context"
	"sync"
	"testing"

	"podsim/internal/aggregate"
	"podsim/internal/blob"
	"podsim/internal/broker"
	"podsim/internal/database"
	"podsim/internal/decks"
	"podsim/internal/gamelog"
	"podsim/internal/limits"
	"podsim/internal/model"
	"podsim/internal/progress"
	"podsim/internal/rating"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	mu    sync.Mutex
	tasks []broker.Task
}

func (p *capturingPublisher) PublishSimulationTask(_ context.Context, task broker.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

type fixture struct {
	store database.Store
	pub   *capturingPublisher
	jc    JobController
}

func newFixture(t *testing.T, maxActive int) *fixture {
	t.Helper()
	store, err := database.NewTestStore()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	resolver := decks.NewStatic(map[string]model.Deck{
		"d1": {Name: "Burn"},
		"d2": {Name: "Control"},
		"d3": {Name: "Aggro"},
		"d4": {Name: "Combo"},
	})
	agg := aggregate.New(store, gamelog.NewCondenser(blob.NewMemory()), rating.NewService(store), progress.NewNoop())

	f := &fixture{store: store, pub: &capturingPublisher{}}
	f.jc = NewJobController(store, f.pub, resolver, limits.NewMaxActive(store, maxActive), agg, progress.NewNoop())
	return f
}

func validRequest() CreateJobRequest {
	return CreateJobRequest{
		DeckIDs:     []string{"d1", "d2", "d3", "d4"},
		Simulations: 8,
		UserID:      "user-1",
	}
}

func (f *fixture) mustCreate(t *testing.T) *model.Job {
	t.Helper()
	job, err := f.jc.CreateJob(context.Background(), validRequest())
	require.NoError(t, err)
	return job
}

// startRunning claims the job the way a worker does.
func (f *fixture) startRunning(t *testing.T, jobID string) {
	t.Helper()
	status := model.JobRunning
	worker := "w1"
	res, err := f.jc.UpdateJobFromWorker(context.Background(), jobID, WorkerJobUpdate{
		Status:   &status,
		WorkerID: &worker,
	})
	require.NoError(t, err)
	require.True(t, res.Updated)
}

// completeSim walks one simulation PENDING -> RUNNING -> COMPLETED through
// the worker update path, each game won by the given deck.
func (f *fixture) completeSim(t *testing.T, job *model.Job, index int, winner string) {
	t.Helper()
	simID := model.SimulationID(index)
	games := model.GamesForSim(index, job.Simulations)

	running := model.SimRunning
	worker := "w1"
	res, err := f.jc.UpdateSimulationFromWorker(context.Background(), job.ID, simID, WorkerSimUpdate{
		State:    &running,
		WorkerID: &worker,
	})
	require.NoError(t, err)
	require.True(t, res.Updated)

	winners := make([]string, games)
	turns := make([]int, games)
	for k := range winners {
		winners[k] = winner
		turns[k] = 7
	}
	completed := model.SimCompleted
	duration := int64(60_000)
	res, err = f.jc.UpdateSimulationFromWorker(context.Background(), job.ID, simID, WorkerSimUpdate{
		State:        &completed,
		DurationMs:   &duration,
		Winner:       &winner,
		Winners:      winners,
		WinningTurns: turns,
	})
	require.NoError(t, err)
	require.True(t, res.Updated)
}

func TestCreateJobInitializesAndPublishes(t *testing.T) {
	f := newFixture(t, 0)

	job := f.mustCreate(t)
	assert.Equal(t, model.JobQueued, job.Status)
	assert.Equal(t, 8, job.Simulations)
	assert.Equal(t, 2, job.TotalSimCount)
	assert.Equal(t, "Burn", job.Decks[0].Name)
	assert.Equal(t, []string{"d1", "d2", "d3", "d4"}, job.DeckIDs)

	sims, err := f.store.GetSimulationStatuses(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, sims, 2)
	assert.Equal(t, model.SimPending, sims[0].State)

	assert.Equal(t, 2, f.pub.count())
	assert.Equal(t, job.ID, f.pub.tasks[0].JobID)
	assert.Equal(t, model.SimulationID(0), f.pub.tasks[0].SimID)
}

func TestCreateJobInlineDecks(t *testing.T) {
	f := newFixture(t, 0)

	job, err := f.jc.CreateJob(context.Background(), CreateJobRequest{
		Decks: []model.Deck{
			{Name: "One"}, {Name: "Two"}, {Name: "Three"}, {Name: "Four"},
		},
		Simulations: 4,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "One vs Two vs Three vs Four", job.Name())
	assert.Empty(t, job.DeckIDs)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, 0)

	cases := map[string]func(r *CreateJobRequest){
		"no decks at all":        func(r *CreateJobRequest) { r.DeckIDs = nil },
		"both deck inputs":       func(r *CreateJobRequest) { r.Decks = []model.Deck{{Name: "X"}} },
		"three deck ids":         func(r *CreateJobRequest) { r.DeckIDs = r.DeckIDs[:3] },
		"too few simulations":    func(r *CreateJobRequest) { r.Simulations = 3 },
		"too many simulations":   func(r *CreateJobRequest) { r.Simulations = 101 },
		"parallelism over cap":   func(r *CreateJobRequest) { r.Parallelism = 17 },
		"missing user":           func(r *CreateJobRequest) { r.UserID = "" },
		"inline deck needs name": func(r *CreateJobRequest) {
			r.DeckIDs = nil
			r.Decks = []model.Deck{{Name: "A"}, {Name: "B"}, {Name: "C"}, {Name: ""}}
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, err := f.jc.CreateJob(context.Background(), req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateJobIdempotencyReplay(t *testing.T) {
	f := newFixture(t, 0)

	req := validRequest()
	req.IdempotencyKey = "retry-abc"
	first, err := f.jc.CreateJob(context.Background(), req)
	require.NoError(t, err)

	second, err := f.jc.CreateJob(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The replay re-runs the fanout but creates no extra rows.
	sims, err := f.store.GetSimulationStatuses(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Len(t, sims, 2)
}

func TestCreateJobUnknownDeck(t *testing.T) {
	f := newFixture(t, 0)

	req := validRequest()
	req.DeckIDs = []string{"d1", "d2", "d3", "nope"}
	_, err := f.jc.CreateJob(context.Background(), req)
	assert.ErrorIs(t, err, decks.ErrUnknownDeck)
}

func TestCreateJobEnforcesActiveLimit(t *testing.T) {
	f := newFixture(t, 1)

	f.mustCreate(t)
	_, err := f.jc.CreateJob(context.Background(), validRequest())
	assert.ErrorIs(t, err, limits.ErrLimitExceeded)
}

func TestCancelJobIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)

	cancelled, err := f.jc.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, cancelled.Status)

	sims, err := f.store.GetSimulationStatuses(context.Background(), job.ID)
	require.NoError(t, err)
	for _, sim := range sims {
		assert.Equal(t, model.SimCancelled, sim.State)
	}

	again, err := f.jc.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, again.Status)
}

func TestRetryJobResetsAndRepublishes(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)
	f.startRunning(t, job.ID)

	failed := model.JobFailed
	msg := "worker exploded"
	res, err := f.jc.UpdateJobFromWorker(context.Background(), job.ID, WorkerJobUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
	})
	require.NoError(t, err)
	require.True(t, res.Updated)

	simFailed := model.SimFailed
	require.NoError(t, f.store.UpdateSimulationStatus(context.Background(), job.ID, model.SimulationID(0),
		database.SimPatch{State: &simFailed, ErrorMessage: &msg}))

	published := f.pub.count()
	retried, err := f.jc.RetryJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, retried.ErrorMessage)

	sim, err := f.store.GetSimulationStatus(context.Background(), job.ID, model.SimulationID(0))
	require.NoError(t, err)
	assert.Equal(t, model.SimPending, sim.State)

	// Both the reset simulation and the still pending one go back out.
	assert.Equal(t, published+2, f.pub.count())
}

func TestRetryJobRequiresFailedState(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)

	_, err := f.jc.RetryJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestWorkerJobUpdateRejectsTerminal(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)

	_, err := f.jc.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)

	status := model.JobRunning
	res, err := f.jc.UpdateJobFromWorker(context.Background(), job.ID, WorkerJobUpdate{Status: &status})
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, model.ReasonTerminalState, res.Reason)
	assert.Equal(t, string(model.JobCancelled), res.From)
	assert.Equal(t, string(model.JobRunning), res.To)
}

func TestWorkerSimUpdateStampsTimestamps(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)

	running := model.SimRunning
	worker := "w1"
	res, err := f.jc.UpdateSimulationFromWorker(context.Background(), job.ID, model.SimulationID(0), WorkerSimUpdate{
		State:    &running,
		WorkerID: &worker,
	})
	require.NoError(t, err)
	require.True(t, res.Updated)

	sim, err := f.store.GetSimulationStatus(context.Background(), job.ID, model.SimulationID(0))
	require.NoError(t, err)
	assert.Equal(t, model.SimRunning, sim.State)
	assert.NotNil(t, sim.StartedAt)
	assert.Equal(t, "w1", sim.WorkerID)
	assert.Nil(t, sim.CompletedAt)

	completed := model.SimCompleted
	res, err = f.jc.UpdateSimulationFromWorker(context.Background(), job.ID, model.SimulationID(0), WorkerSimUpdate{
		State:   &completed,
		Winners: []string{"Burn", "Burn", "Control", "Burn"},
	})
	require.NoError(t, err)
	require.True(t, res.Updated)

	sim, err = f.store.GetSimulationStatus(context.Background(), job.ID, model.SimulationID(0))
	require.NoError(t, err)
	assert.Equal(t, model.SimCompleted, sim.State)
	assert.NotNil(t, sim.CompletedAt)
}

func TestWorkerSimUpdateRejectsRedelivery(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)
	f.startRunning(t, job.ID)
	f.completeSim(t, job, 0, "Burn")

	// A redelivered claim arrives after the simulation already finished.
	running := model.SimRunning
	worker := "w2"
	res, err := f.jc.UpdateSimulationFromWorker(context.Background(), job.ID, model.SimulationID(0), WorkerSimUpdate{
		State:    &running,
		WorkerID: &worker,
	})
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, model.ReasonTerminalState, res.Reason)
	assert.Equal(t, string(model.SimCompleted), res.From)
	assert.Equal(t, string(model.SimRunning), res.To)

	// The losing write left no trace.
	sim, err := f.store.GetSimulationStatus(context.Background(), job.ID, model.SimulationID(0))
	require.NoError(t, err)
	assert.Equal(t, model.SimCompleted, sim.State)
	assert.Equal(t, "w1", sim.WorkerID)
}

func TestWorkerSimUpdateMetadataOnly(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)

	name := "bench-03"
	res, err := f.jc.UpdateSimulationFromWorker(context.Background(), job.ID, model.SimulationID(1), WorkerSimUpdate{
		WorkerName: &name,
	})
	require.NoError(t, err)
	assert.True(t, res.Updated)

	sim, err := f.store.GetSimulationStatus(context.Background(), job.ID, model.SimulationID(1))
	require.NoError(t, err)
	assert.Equal(t, model.SimPending, sim.State)
	assert.Equal(t, "bench-03", sim.WorkerName)
}

func TestWorkerSimUpdateUnknownSim(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)

	_, err := f.jc.UpdateSimulationFromWorker(context.Background(), job.ID, "sim_099", WorkerSimUpdate{})
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestLastSimCompletionAggregatesJob(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)
	f.startRunning(t, job.ID)

	f.completeSim(t, job, 0, "Burn")

	mid, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, mid.Status)
	assert.Equal(t, 1, mid.CompletedSimCount)

	f.completeSim(t, job, 1, "Control")

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 8, got.GamesCompleted)
	require.NotNil(t, got.Results)
	assert.Equal(t, 8, got.Results.CompletedGames)
	assert.False(t, got.NeedsAggregation)

	// Ratings rode along with aggregation.
	ratings, err := f.store.GetDeckRatings(context.Background(), []string{"d1"})
	require.NoError(t, err)
	require.Contains(t, ratings, "d1")
	assert.Equal(t, 8, ratings["d1"].GamesPlayed)
}

func TestCancelledSimCountsTowardCompletion(t *testing.T) {
	f := newFixture(t, 0)
	job := f.mustCreate(t)
	f.startRunning(t, job.ID)
	f.completeSim(t, job, 0, "Burn")

	// Cancelling the remaining simulation is terminal too; the job must not
	// hang waiting for a container that will never run.
	cancelled := model.SimCancelled
	res, err := f.jc.UpdateSimulationFromWorker(context.Background(), job.ID, model.SimulationID(1), WorkerSimUpdate{
		State: &cancelled,
	})
	require.NoError(t, err)
	require.True(t, res.Updated)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedSimCount)
	require.NotNil(t, got.Results)
	assert.Equal(t, 4, got.Results.CompletedGames)
	assert.Equal(t, 1, got.Results.CancelledSims)
}
