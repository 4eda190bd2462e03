package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"podsim/internal/aggregate"
	"podsim/internal/blob"
	"podsim/internal/broker"
	"podsim/internal/database"
	"podsim/internal/gamelog"
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
	eng   *Engine
	now   time.Time
}

// newFixture freezes the engine clock; nilPublisher selects the embedded
// polling flavor where re-dispatch actions are disabled.
func newFixture(t *testing.T, nilPublisher bool) *fixture {
	t.Helper()
	store, err := database.NewTestStore()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	agg := aggregate.New(store, gamelog.NewCondenser(blob.NewMemory()), rating.NewService(store), progress.NewNoop())

	f := &fixture{store: store, now: time.Now().UTC()}
	var pub broker.Publisher
	if !nilPublisher {
		f.pub = &capturingPublisher{}
		pub = f.pub
	}
	f.eng = New(store, pub, agg)
	f.eng.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) createJob(t *testing.T, simulations int, initSims bool) *model.Job {
	t.Helper()
	job, err := f.store.CreateJob(context.Background(), database.CreateJobParams{
		Decks: []model.Deck{
			{Name: "Burn"}, {Name: "Control"}, {Name: "Aggro"}, {Name: "Combo"},
		},
		Simulations: simulations,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)
	if initSims {
		require.NoError(t, f.store.InitializeSimulations(context.Background(), job.ID, job.TotalSimCount))
	}
	return job
}

func (f *fixture) heartbeat(t *testing.T, workerID string, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.UpsertWorkerHeartbeat(context.Background(), &model.WorkerInfo{
		WorkerID:      workerID,
		WorkerName:    workerID,
		Status:        model.WorkerIdle,
		Capacity:      4,
		LastHeartbeat: at,
	}))
}

func (f *fixture) startJob(t *testing.T, jobID string, startedAt time.Time) {
	t.Helper()
	applied, err := f.store.ConditionalUpdateJobStatus(context.Background(), jobID,
		[]model.JobStatus{model.JobQueued},
		database.JobPatch{Status: model.JobRunning, StartedAt: &startedAt})
	require.NoError(t, err)
	require.True(t, applied)
}

func (f *fixture) setSim(t *testing.T, jobID string, index int, patch database.SimPatch) {
	t.Helper()
	require.NoError(t, f.store.UpdateSimulationStatus(context.Background(), jobID, model.SimulationID(index), patch))
}

func simState(t *testing.T, store database.Store, jobID string, index int) *model.Simulation {
	t.Helper()
	sim, err := store.GetSimulationStatus(context.Background(), jobID, model.SimulationID(index))
	require.NoError(t, err)
	return sim
}

func TestRecoverQueuedRepublishesPending(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 8, true)

	f.now = f.now.Add(3 * time.Minute)
	f.heartbeat(t, "w1", f.now)

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))
	assert.Equal(t, 2, f.pub.count())

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastPublishedAt)

	// Cooldown holds an immediate second kick.
	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))
	assert.Equal(t, 2, f.pub.count())
}

func TestRecoverQueuedWaitsForWorkers(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 8, true)

	f.now = f.now.Add(3 * time.Minute)

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))
	assert.Zero(t, f.pub.count(), "no active workers means nothing to consume a republish")
}

func TestRecoverQueuedFreshJobUntouched(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 8, true)

	f.now = f.now.Add(30 * time.Second)
	f.heartbeat(t, "w1", f.now)

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))
	assert.Zero(t, f.pub.count())
}

func TestRecoverQueuedInitializesMissingSims(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 8, false)

	f.now = f.now.Add(3 * time.Minute)
	f.heartbeat(t, "w1", f.now)

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))

	sims, err := f.store.GetSimulationStatuses(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, sims, 2)
	assert.Equal(t, 2, f.pub.count())
}

func TestRecoverRunningTimesOutHungSim(t *testing.T) {
	f := newFixture(t, true)
	job := f.createJob(t, 8, true)
	f.startJob(t, job.ID, f.now)

	state := model.SimRunning
	started := f.now.Add(-3 * time.Hour)
	worker := "w1"
	f.setSim(t, job.ID, 0, database.SimPatch{State: &state, StartedAt: &started, WorkerID: &worker})
	f.heartbeat(t, "w1", f.now)

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))

	sim := simState(t, f.store, job.ID, 0)
	assert.Equal(t, model.SimFailed, sim.State)
	assert.Equal(t, msgSimTimedOut, sim.ErrorMessage)
	assert.NotNil(t, sim.CompletedAt)
}

func TestRecoverRunningFailsOrphanedSim(t *testing.T) {
	f := newFixture(t, true)
	job := f.createJob(t, 8, true)
	f.startJob(t, job.ID, f.now)

	state := model.SimRunning
	started := f.now.Add(-time.Minute)
	worker := "dead-worker"
	f.setSim(t, job.ID, 0, database.SimPatch{State: &state, StartedAt: &started, WorkerID: &worker})

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))

	sim := simState(t, f.store, job.ID, 0)
	assert.Equal(t, model.SimFailed, sim.State)
	assert.Equal(t, msgWorkerLost, sim.ErrorMessage)
}

func TestRecoverRunningAliveWorkerUntouched(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 8, true)
	f.startJob(t, job.ID, f.now)

	state := model.SimRunning
	started := f.now.Add(-time.Minute)
	worker := "w1"
	f.setSim(t, job.ID, 0, database.SimPatch{State: &state, StartedAt: &started, WorkerID: &worker})
	f.heartbeat(t, "w1", f.now)

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))

	sim := simState(t, f.store, job.ID, 0)
	assert.Equal(t, model.SimRunning, sim.State)
	assert.Zero(t, f.pub.count())
}

func TestRecoverRunningRedispatchesFailedSim(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 8, true)
	f.startJob(t, job.ID, f.now)
	f.heartbeat(t, "w1", f.now)

	state := model.SimFailed
	msg := "container exited with code 1"
	f.setSim(t, job.ID, 0, database.SimPatch{State: &state, ErrorMessage: &msg})

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))

	sim := simState(t, f.store, job.ID, 0)
	assert.Equal(t, model.SimPending, sim.State)
	require.Equal(t, 1, f.pub.count())
	assert.Equal(t, model.SimulationID(0), f.pub.tasks[0].SimID)

	// Paced: an immediate second pass publishes nothing new.
	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))
	assert.Equal(t, 1, f.pub.count())
}

func TestRecoverRunningRepublishesStuckPending(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 8, true)
	f.startJob(t, job.ID, f.now.Add(-6*time.Minute))
	f.heartbeat(t, "w1", f.now)

	// sim_001 is being worked on; sim_000 never got its message.
	state := model.SimRunning
	started := f.now.Add(-time.Minute)
	worker := "w1"
	f.setSim(t, job.ID, 1, database.SimPatch{State: &state, StartedAt: &started, WorkerID: &worker})

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))

	require.Equal(t, 1, f.pub.count())
	assert.Equal(t, model.SimulationID(0), f.pub.tasks[0].SimID)
	assert.Equal(t, model.SimPending, simState(t, f.store, job.ID, 0).State)
}

func TestRecoverRunningKicksAggregation(t *testing.T) {
	f := newFixture(t, true)
	job := f.createJob(t, 8, true)
	f.startJob(t, job.ID, f.now)

	done := model.SimCompleted
	completedAt := f.now
	for i := 0; i < 2; i++ {
		f.setSim(t, job.ID, i, database.SimPatch{
			State:        &done,
			CompletedAt:  &completedAt,
			Winners:      []string{"Burn", "Control", "Burn", "Aggro"},
			WinningTurns: []int{5, 6, 7, 8},
		})
	}

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.Results)
	assert.Equal(t, 8, got.Results.CompletedGames)
}

func TestRecoverTerminalJobIsNoop(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 8, true)

	cancelled, err := f.store.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	f.now = f.now.Add(time.Hour)
	f.heartbeat(t, "w1", f.now)

	require.NoError(t, f.eng.RecoverJob(context.Background(), job.ID))
	assert.Zero(t, f.pub.count())
}

func TestRunPassSweepsActiveJobs(t *testing.T) {
	f := newFixture(t, false)
	job := f.createJob(t, 4, true)

	f.now = f.now.Add(3 * time.Minute)
	f.heartbeat(t, "w1", f.now)

	f.eng.runPass(context.Background())
	require.Equal(t, 1, f.pub.count())
	assert.Equal(t, job.ID, f.pub.tasks[0].JobID)
}
