package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobTransitions(t *testing.T) {
	assert.True(t, CanTransitionJob(JobQueued, JobRunning))
	assert.True(t, CanTransitionJob(JobQueued, JobFailed))
	assert.True(t, CanTransitionJob(JobQueued, JobCancelled))
	assert.True(t, CanTransitionJob(JobRunning, JobCompleted))
	assert.True(t, CanTransitionJob(JobRunning, JobFailed))
	assert.True(t, CanTransitionJob(JobRunning, JobCancelled))
	assert.True(t, CanTransitionJob(JobFailed, JobQueued))

	// No edges leave the terminal states.
	for _, to := range []JobStatus{JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled} {
		assert.False(t, CanTransitionJob(JobCompleted, to), "COMPLETED -> %s", to)
		assert.False(t, CanTransitionJob(JobCancelled, to), "CANCELLED -> %s", to)
	}

	// FAILED only exits through the retry edge.
	assert.False(t, CanTransitionJob(JobFailed, JobRunning))
	assert.False(t, CanTransitionJob(JobFailed, JobCompleted))

	// No skipping QUEUED -> COMPLETED.
	assert.False(t, CanTransitionJob(JobQueued, JobCompleted))
}

func TestSimulationTransitions(t *testing.T) {
	assert.True(t, CanTransitionSim(SimPending, SimRunning))
	assert.True(t, CanTransitionSim(SimPending, SimCancelled))
	assert.True(t, CanTransitionSim(SimRunning, SimCompleted))
	assert.True(t, CanTransitionSim(SimRunning, SimFailed))
	assert.True(t, CanTransitionSim(SimRunning, SimCancelled))
	assert.True(t, CanTransitionSim(SimFailed, SimPending))

	// A simulation cannot fail before it started.
	assert.False(t, CanTransitionSim(SimPending, SimFailed))

	for _, to := range []SimulationState{SimPending, SimRunning, SimCompleted, SimFailed, SimCancelled} {
		assert.False(t, CanTransitionSim(SimCompleted, to), "COMPLETED -> %s", to)
		assert.False(t, CanTransitionSim(SimCancelled, to), "CANCELLED -> %s", to)
	}
}

func TestRejectReasons(t *testing.T) {
	assert.Equal(t, ReasonTerminalState, SimRejectReason(SimCompleted, SimRunning))
	assert.Equal(t, ReasonTerminalState, SimRejectReason(SimCancelled, SimPending))
	assert.Equal(t, ReasonInvalidTransition, SimRejectReason(SimFailed, SimCompleted))
	assert.Equal(t, ReasonInvalidTransition, SimRejectReason(SimPending, SimFailed))

	assert.Equal(t, ReasonTerminalState, JobRejectReason(JobCompleted, JobRunning))
	assert.Equal(t, ReasonInvalidTransition, JobRejectReason(JobFailed, JobRunning))
}

func TestTotalSimCount(t *testing.T) {
	assert.Equal(t, 1, TotalSimCount(4))
	assert.Equal(t, 2, TotalSimCount(5))
	assert.Equal(t, 3, TotalSimCount(10))
	assert.Equal(t, 25, TotalSimCount(100))
}

func TestGamesForSim(t *testing.T) {
	// 10 games fan out to 4 + 4 + 2.
	assert.Equal(t, 4, GamesForSim(0, 10))
	assert.Equal(t, 4, GamesForSim(1, 10))
	assert.Equal(t, 2, GamesForSim(2, 10))
	assert.Equal(t, 0, GamesForSim(3, 10))
}

func TestSimulationID(t *testing.T) {
	assert.Equal(t, "sim_000", SimulationID(0))
	assert.Equal(t, "sim_007", SimulationID(7))
	assert.Equal(t, "sim_024", SimulationID(24))
}

func TestContainerName(t *testing.T) {
	name := ContainerName("1f8b2c9d-aaaa-bbbb-cccc-121212121212", "sim_003")
	assert.Equal(t, "sim-1f8b2c9d-sim_003", name)

	// Short ids are used verbatim.
	assert.Equal(t, "sim-job1-sim_000", ContainerName("job1", "sim_000"))
}

func TestCompletedGamesFromSims(t *testing.T) {
	job := Job{Simulations: 10, TotalSimCount: 3}
	assert.Equal(t, 10, job.CompletedGamesFromSims(3))
	assert.Equal(t, 8, job.CompletedGamesFromSims(2))
	assert.Equal(t, 0, job.CompletedGamesFromSims(0))
}

func TestBlobKeys(t *testing.T) {
	// Container numbers in raw log names are 1-based.
	assert.Equal(t, "jobs/job-1/raw/game_001.txt", RawLogKey("job-1", 0))
	assert.Equal(t, "jobs/job-1/raw/game_013.txt", RawLogKey("job-1", 12))
	assert.Equal(t, "jobs/job-1/condensed.json", ResultsKey("job-1"))
}

func TestJobName(t *testing.T) {
	job := Job{Decks: []Deck{{Name: "Izzet Murktide"}, {Name: "Amulet Titan"}, {Name: "Burn"}, {Name: "Tron"}}}
	assert.Equal(t, "Izzet Murktide vs Amulet Titan vs Burn vs Tron", job.Name())
}

func TestDisplayRating(t *testing.T) {
	r := NewDeckRating("deck-1", "Burn")
	assert.InDelta(t, 0.0, r.DisplayRating(), 1e-9)

	r.Mu = 30
	r.Sigma = 2
	assert.InDelta(t, 24.0, r.DisplayRating(), 1e-9)
}

func TestMatchResultID(t *testing.T) {
	assert.Equal(t, "job-1_0", MatchResultID("job-1", 0))
	assert.Equal(t, "job-1_17", MatchResultID("job-1", 17))
}

func TestWorkerAlive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := WorkerInfo{Status: WorkerBusy, LastHeartbeat: now.Add(-30 * time.Second)}
	assert.True(t, w.Alive(now))

	w.LastHeartbeat = now.Add(-90 * time.Second)
	assert.False(t, w.Alive(now))

	// An updating worker survives a longer gap.
	w.Status = WorkerUpdating
	assert.True(t, w.Alive(now))

	w.LastHeartbeat = now.Add(-6 * time.Minute)
	assert.False(t, w.Alive(now))
}
