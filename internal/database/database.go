package database

import (
	"context"
	"errors"
	"time"

	"podsim/internal/config"
	"podsim/internal/model"
)

// ErrNotFound is returned by reads that matched no row.
var ErrNotFound = errors.New("not found")

// Store is the canonical persistence contract. Two backends implement it
// with identical semantics: the managed document DB for cloud deployments
// and an embedded sqlite file for single-host ones. Conditional writes
// return false when the expected-state guard does not match; that is an
// observed race outcome, never an error.
type Store interface {
	JobStore
	SimulationStore
	WorkerStore
	RatingStore

	Health() error
	Close(ctx context.Context) error
}

// CreateJobParams carries everything needed to insert a new job.
type CreateJobParams struct {
	Decks          []model.Deck
	DeckIDs        []string
	Simulations    int
	Parallelism    int
	CreatedBy      string
	IdempotencyKey string
}

// JobPatch is the field list a conditional job update may set. Nil pointers
// leave the stored value untouched.
type JobPatch struct {
	Status               model.JobStatus
	WorkerID             *string
	WorkerName           *string
	ErrorMessage         *string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ClaimedAt            *time.Time
	LastPublishedAt      *time.Time
	DockerRunDurationsMs []int64
}

// SimPatch is the field list a simulation update may set. Nil pointers leave
// the stored value untouched; State must be set on conditional updates.
type SimPatch struct {
	State        *model.SimulationState
	WorkerID     *string
	WorkerName   *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMs   *int64
	ErrorMessage *string
	Winner       *string
	WinningTurn  *int
	Winners      []string
	WinningTurns []int
}

// JobStore defines job-related store operations.
type JobStore interface {
	// CreateJob inserts a job. When the idempotency key already maps to a
	// job, the existing job is returned unchanged; the job row and the key
	// row are written in one transaction.
	CreateJob(ctx context.Context, params CreateJobParams) (*model.Job, error)

	// GetJob returns the job or ErrNotFound.
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// ListJobs returns jobs newest first, optionally filtered by creator,
	// bounded by limit.
	ListJobs(ctx context.Context, userID string, limit int) ([]*model.Job, error)

	// ListActiveJobs returns jobs in QUEUED or RUNNING.
	ListActiveJobs(ctx context.Context) ([]*model.Job, error)

	// CountQueuedBefore counts QUEUED jobs created at or before the given
	// instant, excluding the job itself. Used for queue positions.
	CountQueuedBefore(ctx context.Context, createdAt time.Time, excludeID string) (int64, error)

	// UpdateJobStatus sets the status unconditionally. Terminal statuses
	// also stamp completedAt.
	UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errorMessage string) error

	// SetJobStarted stamps startedAt and the advisory executor fields.
	SetJobStarted(ctx context.Context, id, workerID, workerName string) error

	// SetJobCompleted conditionally finishes a job: QUEUED/RUNNING ->
	// COMPLETED with completedAt, gamesCompleted and run durations. A second
	// call is a no-op returning false.
	SetJobCompleted(ctx context.Context, id string, gamesCompleted int, durations []int64) (bool, error)

	// SetJobFailed conditionally fails a job: QUEUED/RUNNING -> FAILED with
	// the error message.
	SetJobFailed(ctx context.Context, id, errorMessage string, durations []int64) (bool, error)

	// SetJobResults stores the aggregate artifact.
	SetJobResults(ctx context.Context, id string, results *model.JobResults) error

	// ConditionalUpdateJobStatus applies the patch iff the current status is
	// in expected. Returns whether it applied.
	ConditionalUpdateJobStatus(ctx context.Context, id string, expected []model.JobStatus, patch JobPatch) (bool, error)

	// CancelJob flips a QUEUED/RUNNING job to CANCELLED and cascades
	// PENDING/RUNNING simulations to CANCELLED in the same transaction.
	// Returns false when the job was already terminal.
	CancelJob(ctx context.Context, id string) (bool, error)

	// DeleteJob removes the job row.
	DeleteJob(ctx context.Context, id string) error

	// ClaimNextJob atomically claims the oldest QUEUED job for the polling
	// dispatch path. Returns (nil, nil) when nothing is queued.
	ClaimNextJob(ctx context.Context, workerID, workerName string) (*model.Job, error)

	// IncrementCompletedSimCount bumps the terminal-simulation counter and
	// returns the post-increment counter and the total.
	IncrementCompletedSimCount(ctx context.Context, jobID string) (done, total int, err error)

	// SetNeedsAggregation flips the aggregation flag.
	SetNeedsAggregation(ctx context.Context, jobID string, needs bool) error

	// ResetJobForRetry moves a FAILED job back to QUEUED, clears the runtime
	// fields and increments retryCount. Returns false when the job is not
	// FAILED.
	ResetJobForRetry(ctx context.Context, id string) (bool, error)
}

// SimulationStore defines simulation-related store operations.
type SimulationStore interface {
	// InitializeSimulations inserts sim_000..sim_{count-1} in PENDING.
	// Idempotent: rows that already exist are left untouched.
	InitializeSimulations(ctx context.Context, jobID string, count int) error

	// GetSimulationStatus returns one simulation or ErrNotFound.
	GetSimulationStatus(ctx context.Context, jobID, simID string) (*model.Simulation, error)

	// GetSimulationStatuses returns all simulations of a job ordered by
	// index.
	GetSimulationStatuses(ctx context.Context, jobID string) ([]*model.Simulation, error)

	// UpdateSimulationStatus applies the patch unconditionally.
	UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch SimPatch) error

	// ConditionalUpdateSimulationStatus applies the patch iff the current
	// state is in expected. Atomic against concurrent writers.
	ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, expected []model.SimulationState, patch SimPatch) (bool, error)

	// DeleteSimulations removes all simulations of a job.
	DeleteSimulations(ctx context.Context, jobID string) error
}

// WorkerStore defines heartbeat operations.
type WorkerStore interface {
	// UpsertWorkerHeartbeat merges the heartbeat row, preserving the
	// operator-managed maxConcurrentOverride and ownerEmail fields.
	UpsertWorkerHeartbeat(ctx context.Context, info *model.WorkerInfo) error

	// GetWorker returns one heartbeat row or ErrNotFound.
	GetWorker(ctx context.Context, workerID string) (*model.WorkerInfo, error)

	// ListActiveWorkers returns workers whose heartbeat is inside the
	// liveness window at the given instant.
	ListActiveWorkers(ctx context.Context, now time.Time) ([]*model.WorkerInfo, error)
}

// RatingStore defines deck rating and match result operations.
type RatingStore interface {
	// GetDeckRatings returns the stored ratings for the given ids; ids with
	// no row are absent from the map.
	GetDeckRatings(ctx context.Context, deckIDs []string) (map[string]model.DeckRating, error)

	// UpsertDeckRatings writes the ratings, replacing existing rows.
	UpsertDeckRatings(ctx context.Context, ratings []model.DeckRating) error

	// ListDeckRatings returns ratings ordered by display rating, bounded.
	ListDeckRatings(ctx context.Context, limit int) ([]model.DeckRating, error)

	// HasMatchResults reports whether any match result exists for the job.
	HasMatchResults(ctx context.Context, jobID string) (bool, error)

	// InsertMatchResults writes the result rows. Returns false without
	// error when any id already existed, which signals a lost idempotency
	// race and skips the rating update.
	InsertMatchResults(ctx context.Context, results []model.MatchResult) (bool, error)

	// ListMatchResults returns every stored result ordered by playedAt.
	ListMatchResults(ctx context.Context) ([]model.MatchResult, error)
}

// New selects the backend from configuration: a configured MongoDB URI
// selects the document store, otherwise the embedded sqlite store is opened.
func New(cfg *config.Config) (Store, error) {
	if cfg.CloudMode() {
		return newMongoStore(cfg)
	}
	return newSQLiteStore(cfg.SQLite.Path)
}
