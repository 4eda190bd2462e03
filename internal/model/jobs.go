package model

import (
	"fmt"
	"strings"
	"time"
)

// GamesPerContainer is the number of games a single container plays. Every
// actor (dispatcher, worker, aggregator) derives indexes from the same value,
// so it is compiled in rather than configured.
const GamesPerContainer = 4

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// SimulationState represents the current state of one container run
type SimulationState string

const (
	SimPending   SimulationState = "PENDING"
	SimRunning   SimulationState = "RUNNING"
	SimCompleted SimulationState = "COMPLETED"
	SimFailed    SimulationState = "FAILED"
	SimCancelled SimulationState = "CANCELLED"
)

// Transition reject reasons returned to workers on conditional updates.
const (
	ReasonTerminalState     = "terminal_state"
	ReasonInvalidTransition = "invalid_transition"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:  {JobRunning, JobFailed, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled},
	JobFailed:  {JobQueued},
}

var simTransitions = map[SimulationState][]SimulationState{
	SimPending: {SimRunning, SimCancelled},
	SimRunning: {SimCompleted, SimFailed, SimCancelled},
	SimFailed:  {SimPending},
}

// CanTransitionJob reports whether a job may move from one status to another.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionSim reports whether a simulation may move from one state to
// another. FAILED only exits through the PENDING reset edge.
func CanTransitionSim(from, to SimulationState) bool {
	for _, next := range simTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobTerminal reports whether a job status admits no further transitions.
// FAILED is not terminal: the retry edge leads back to QUEUED.
func JobTerminal(s JobStatus) bool {
	return s == JobCompleted || s == JobCancelled
}

// SimTerminal reports whether a simulation state admits no further
// transitions.
func SimTerminal(s SimulationState) bool {
	return s == SimCompleted || s == SimCancelled
}

// SimRejectReason classifies a refused simulation transition.
func SimRejectReason(from, to SimulationState) string {
	if SimTerminal(from) {
		return ReasonTerminalState
	}
	return ReasonInvalidTransition
}

// JobRejectReason classifies a refused job transition.
func JobRejectReason(from, to JobStatus) string {
	if JobTerminal(from) {
		return ReasonTerminalState
	}
	return ReasonInvalidTransition
}

// Deck is one of the four lists a job pits against each other. Content is
// empty when the job was created from saved deck ids.
type Deck struct {
	Name    string `bson:"name" json:"name"`
	Content string `bson:"content,omitempty" json:"content,omitempty"`
}

// Job represents a batch of games requested by a user.
type Job struct {
	ID                   string      `bson:"_id" json:"id"`
	Status               JobStatus   `bson:"status" json:"status"`
	Decks                []Deck      `bson:"decks" json:"decks"`
	DeckIDs              []string    `bson:"deck_ids,omitempty" json:"deckIds,omitempty"`
	Simulations          int         `bson:"simulations" json:"simulations"`
	Parallelism          int         `bson:"parallelism" json:"parallelism"`
	TotalSimCount        int         `bson:"total_sim_count" json:"totalSimCount"`
	CompletedSimCount    int         `bson:"completed_sim_count" json:"completedSimCount"`
	CreatedBy            string      `bson:"created_by" json:"createdBy"`
	IdempotencyKey       string      `bson:"idempotency_key,omitempty" json:"idempotencyKey,omitempty"`
	WorkerID             string      `bson:"worker_id,omitempty" json:"workerId,omitempty"`
	WorkerName           string      `bson:"worker_name,omitempty" json:"workerName,omitempty"`
	ErrorMessage         string      `bson:"error_message,omitempty" json:"errorMessage,omitempty"`
	RetryCount           int         `bson:"retry_count" json:"retryCount"`
	GamesCompleted       int         `bson:"games_completed" json:"gamesCompleted"`
	NeedsAggregation     bool        `bson:"needs_aggregation" json:"needsAggregation"`
	DockerRunDurationsMs []int64     `bson:"docker_run_durations_ms,omitempty" json:"dockerRunDurationsMs,omitempty"`
	Results              *JobResults `bson:"results,omitempty" json:"results,omitempty"`
	CreatedAt            time.Time   `bson:"created_at" json:"createdAt"`
	StartedAt            *time.Time  `bson:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt          *time.Time  `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	ClaimedAt            *time.Time  `bson:"claimed_at,omitempty" json:"claimedAt,omitempty"`
	LastPublishedAt      *time.Time  `bson:"last_published_at,omitempty" json:"lastPublishedAt,omitempty"`
}

// Name renders the job title shown in listings, built from the deck names.
func (j *Job) Name() string {
	names := make([]string, 0, len(j.Decks))
	for _, d := range j.Decks {
		names = append(names, d.Name)
	}
	return strings.Join(names, " vs ")
}

// CompletedGamesFromSims derives progress from a count of COMPLETED
// simulations. The last container of a job may play fewer than
// GamesPerContainer games, so the sum is clamped to the requested amount.
func (j *Job) CompletedGamesFromSims(completedSims int) int {
	games := completedSims * GamesPerContainer
	if games > j.Simulations {
		games = j.Simulations
	}
	return games
}

// Simulation is the unit of dispatch: one container playing up to
// GamesPerContainer games of the parent job.
type Simulation struct {
	JobID        string          `bson:"job_id" json:"jobId"`
	SimID        string          `bson:"sim_id" json:"simId"`
	Index        int             `bson:"index" json:"index"`
	State        SimulationState `bson:"state" json:"state"`
	Winners      []string        `bson:"winners,omitempty" json:"winners,omitempty"`
	WinningTurns []int           `bson:"winning_turns,omitempty" json:"winningTurns,omitempty"`
	Winner       string          `bson:"winner,omitempty" json:"winner,omitempty"`
	WinningTurn  int             `bson:"winning_turn,omitempty" json:"winningTurn,omitempty"`
	ErrorMessage string          `bson:"error_message,omitempty" json:"errorMessage,omitempty"`
	WorkerID     string          `bson:"worker_id,omitempty" json:"workerId,omitempty"`
	WorkerName   string          `bson:"worker_name,omitempty" json:"workerName,omitempty"`
	RetryCount   int             `bson:"retry_count" json:"retryCount"`
	StartedAt    *time.Time      `bson:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	DurationMs   int64           `bson:"duration_ms,omitempty" json:"durationMs,omitempty"`
	UpdatedAt    time.Time       `bson:"updated_at" json:"updatedAt"`
}

// TotalSimCount returns how many containers a job of the given game count
// fans out to.
func TotalSimCount(games int) int {
	return (games + GamesPerContainer - 1) / GamesPerContainer
}

// SimulationID formats the zero-padded simulation id for an index, e.g.
// sim_000.
func SimulationID(index int) string {
	return fmt.Sprintf("sim_%03d", index)
}

// GamesForSim returns how many games the container at simIndex plays. Only
// the last container of a job may play fewer than GamesPerContainer.
func GamesForSim(simIndex, totalGames int) int {
	remaining := totalGames - simIndex*GamesPerContainer
	if remaining > GamesPerContainer {
		return GamesPerContainer
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GameIndex returns the job-global index of the k-th game of a simulation.
func GameIndex(simIndex, k int) int {
	return simIndex*GamesPerContainer + k
}

// RawLogKey is the blob key for one simulation's raw log, named by its
// 1-based container number.
func RawLogKey(jobID string, simIndex int) string {
	return fmt.Sprintf("jobs/%s/raw/game_%03d.txt", jobID, simIndex+1)
}

// ResultsKey is the blob key for a job's condensed results artifact.
func ResultsKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/condensed.json", jobID)
}

// ContainerName names the container for a simulation. The job id prefix keeps
// names unique across jobs while staying readable in docker ps output.
func ContainerName(jobID, simID string) string {
	prefix := jobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("sim-%s-%s", prefix, simID)
}
