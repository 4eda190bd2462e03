package database

import (
	"context"
	"encoding/json"
	"time"

	"podsim/internal/model"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sqliteStore struct {
	db *gorm.DB
}

// newSQLiteStore opens the embedded backend. The connection pool is pinned
// to one connection: sqlite has a single writer and the store's conditional
// updates rely on it.
func newSQLiteStore(path string) (Store, error) {
	if path == "" {
		path = "podsim.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&jobModel{},
		&simulationModel{},
		&idempotencyKeyModel{},
		&workerModel{},
		&ratingModel{},
		&matchResultModel{},
	); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("Opened sqlite store")
	return &sqliteStore{db: db}, nil
}

// NewTestStore opens an in-memory store for tests.
func NewTestStore() (Store, error) {
	return newSQLiteStore(":memory:")
}

func (s *sqliteStore) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *sqliteStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// jobModel represents the jobs table
type jobModel struct {
	ID                 string     `gorm:"column:id;primaryKey;not null"`
	Status             string     `gorm:"column:status;index;not null"`
	Decks              string     `gorm:"column:decks;type:text"` // JSON array as text
	DeckIDs            string     `gorm:"column:deck_ids;type:text"`
	Simulations        int        `gorm:"column:simulations;not null"`
	Parallelism        int        `gorm:"column:parallelism;not null;default:4"`
	TotalSimCount      int        `gorm:"column:total_sim_count;not null"`
	CompletedSimCount  int        `gorm:"column:completed_sim_count;not null;default:0"`
	CreatedBy          string     `gorm:"column:created_by;index"`
	IdempotencyKey     string     `gorm:"column:idempotency_key"`
	WorkerID           string     `gorm:"column:worker_id"`
	WorkerName         string     `gorm:"column:worker_name"`
	ErrorMessage       string     `gorm:"column:error_message;type:text"`
	RetryCount         int        `gorm:"column:retry_count;not null;default:0"`
	GamesCompleted     int        `gorm:"column:games_completed;not null;default:0"`
	NeedsAggregation   bool       `gorm:"column:needs_aggregation;not null;default:false"`
	DockerRunDurations string     `gorm:"column:docker_run_durations;type:text"` // JSON array as text
	Results            string     `gorm:"column:results;type:text"`              // JSON as text
	CreatedAt          time.Time  `gorm:"column:created_at;index;not null"`
	StartedAt          *time.Time `gorm:"column:started_at"`
	CompletedAt        *time.Time `gorm:"column:completed_at"`
	ClaimedAt          *time.Time `gorm:"column:claimed_at"`
	LastPublishedAt    *time.Time `gorm:"column:last_published_at"`
}

func (jobModel) TableName() string {
	return "jobs"
}

// simulationModel represents the simulations table, keyed by (job, sim)
type simulationModel struct {
	JobID        string     `gorm:"column:job_id;primaryKey;not null"`
	SimID        string     `gorm:"column:sim_id;primaryKey;not null"`
	SimIndex     int        `gorm:"column:sim_index;not null"`
	State        string     `gorm:"column:state;index;not null"`
	Winners      string     `gorm:"column:winners;type:text"`       // JSON array as text
	WinningTurns string     `gorm:"column:winning_turns;type:text"` // JSON array as text
	Winner       string     `gorm:"column:winner"`
	WinningTurn  int        `gorm:"column:winning_turn;default:0"`
	ErrorMessage string     `gorm:"column:error_message;type:text"`
	WorkerID     string     `gorm:"column:worker_id"`
	WorkerName   string     `gorm:"column:worker_name"`
	RetryCount   int        `gorm:"column:retry_count;not null;default:0"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
	DurationMs   int64      `gorm:"column:duration_ms;default:0"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null"`
}

func (simulationModel) TableName() string {
	return "simulations"
}

type idempotencyKeyModel struct {
	Key       string    `gorm:"column:key;primaryKey;not null"`
	JobID     string    `gorm:"column:job_id;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (idempotencyKeyModel) TableName() string {
	return "idempotency_keys"
}

type workerModel struct {
	WorkerID              string    `gorm:"column:worker_id;primaryKey;not null"`
	WorkerName            string    `gorm:"column:worker_name"`
	Status                string    `gorm:"column:status;not null"`
	CurrentJobID          string    `gorm:"column:current_job_id"`
	Capacity              int       `gorm:"column:capacity;default:0"`
	ActiveSimulations     int       `gorm:"column:active_simulations;default:0"`
	UptimeMs              int64     `gorm:"column:uptime_ms;default:0"`
	MaxConcurrentOverride int       `gorm:"column:max_concurrent_override;default:0"`
	OwnerEmail            string    `gorm:"column:owner_email"`
	Version               string    `gorm:"column:version"`
	LastHeartbeat         time.Time `gorm:"column:last_heartbeat;index;not null"`
}

func (workerModel) TableName() string {
	return "worker_heartbeats"
}

type ratingModel struct {
	DeckID      string    `gorm:"column:deck_id;primaryKey;not null"`
	DeckName    string    `gorm:"column:deck_name"`
	Mu          float64   `gorm:"column:mu;not null"`
	Sigma       float64   `gorm:"column:sigma;not null"`
	GamesPlayed int       `gorm:"column:games_played;not null;default:0"`
	Wins        int       `gorm:"column:wins;not null;default:0"`
	LastUpdated time.Time `gorm:"column:last_updated;not null"`
}

func (ratingModel) TableName() string {
	return "ratings"
}

type matchResultModel struct {
	ID           string    `gorm:"column:id;primaryKey;not null"`
	JobID        string    `gorm:"column:job_id;index;not null"`
	GameIndex    int       `gorm:"column:game_index;not null"`
	DeckIDs      string    `gorm:"column:deck_ids;type:text"` // JSON array as text
	WinnerDeckID string    `gorm:"column:winner_deck_id"`
	TurnCount    int       `gorm:"column:turn_count;default:0"`
	PlayedAt     time.Time `gorm:"column:played_at;index;not null"`
}

func (matchResultModel) TableName() string {
	return "match_results"
}

// asJSON serializes slice columns; these types cannot fail to marshal.
func asJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal column")
		return "null"
	}
	return string(b)
}

func fromJSON[T any](s string) T {
	var v T
	if s == "" {
		return v
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		log.Error().Err(err).Str("value", s).Msg("Failed to unmarshal column")
	}
	return v
}

func jobToRow(job *model.Job) *jobModel {
	row := &jobModel{
		ID:                job.ID,
		Status:            string(job.Status),
		Decks:             asJSON(job.Decks),
		Simulations:       job.Simulations,
		Parallelism:       job.Parallelism,
		TotalSimCount:     job.TotalSimCount,
		CompletedSimCount: job.CompletedSimCount,
		CreatedBy:         job.CreatedBy,
		IdempotencyKey:    job.IdempotencyKey,
		WorkerID:          job.WorkerID,
		WorkerName:        job.WorkerName,
		ErrorMessage:      job.ErrorMessage,
		RetryCount:        job.RetryCount,
		GamesCompleted:    job.GamesCompleted,
		NeedsAggregation:  job.NeedsAggregation,
		CreatedAt:         job.CreatedAt,
		StartedAt:         job.StartedAt,
		CompletedAt:       job.CompletedAt,
		ClaimedAt:         job.ClaimedAt,
		LastPublishedAt:   job.LastPublishedAt,
	}
	if job.DeckIDs != nil {
		row.DeckIDs = asJSON(job.DeckIDs)
	}
	if job.DockerRunDurationsMs != nil {
		row.DockerRunDurations = asJSON(job.DockerRunDurationsMs)
	}
	if job.Results != nil {
		row.Results = asJSON(job.Results)
	}
	return row
}

func rowToJob(row *jobModel) *model.Job {
	job := &model.Job{
		ID:                row.ID,
		Status:            model.JobStatus(row.Status),
		Decks:             fromJSON[[]model.Deck](row.Decks),
		Simulations:       row.Simulations,
		Parallelism:       row.Parallelism,
		TotalSimCount:     row.TotalSimCount,
		CompletedSimCount: row.CompletedSimCount,
		CreatedBy:         row.CreatedBy,
		IdempotencyKey:    row.IdempotencyKey,
		WorkerID:          row.WorkerID,
		WorkerName:        row.WorkerName,
		ErrorMessage:      row.ErrorMessage,
		RetryCount:        row.RetryCount,
		GamesCompleted:    row.GamesCompleted,
		NeedsAggregation:  row.NeedsAggregation,
		CreatedAt:         row.CreatedAt,
		StartedAt:         row.StartedAt,
		CompletedAt:       row.CompletedAt,
		ClaimedAt:         row.ClaimedAt,
		LastPublishedAt:   row.LastPublishedAt,
	}
	if row.DeckIDs != "" {
		job.DeckIDs = fromJSON[[]string](row.DeckIDs)
	}
	if row.DockerRunDurations != "" {
		job.DockerRunDurationsMs = fromJSON[[]int64](row.DockerRunDurations)
	}
	if row.Results != "" {
		job.Results = fromJSON[*model.JobResults](row.Results)
	}
	return job
}

func simToRow(sim *model.Simulation) *simulationModel {
	row := &simulationModel{
		JobID:        sim.JobID,
		SimID:        sim.SimID,
		SimIndex:     sim.Index,
		State:        string(sim.State),
		Winner:       sim.Winner,
		WinningTurn:  sim.WinningTurn,
		ErrorMessage: sim.ErrorMessage,
		WorkerID:     sim.WorkerID,
		WorkerName:   sim.WorkerName,
		RetryCount:   sim.RetryCount,
		StartedAt:    sim.StartedAt,
		CompletedAt:  sim.CompletedAt,
		DurationMs:   sim.DurationMs,
		UpdatedAt:    sim.UpdatedAt,
	}
	if sim.Winners != nil {
		row.Winners = asJSON(sim.Winners)
	}
	if sim.WinningTurns != nil {
		row.WinningTurns = asJSON(sim.WinningTurns)
	}
	return row
}

func rowToSim(row *simulationModel) *model.Simulation {
	sim := &model.Simulation{
		JobID:        row.JobID,
		SimID:        row.SimID,
		Index:        row.SimIndex,
		State:        model.SimulationState(row.State),
		Winner:       row.Winner,
		WinningTurn:  row.WinningTurn,
		ErrorMessage: row.ErrorMessage,
		WorkerID:     row.WorkerID,
		WorkerName:   row.WorkerName,
		RetryCount:   row.RetryCount,
		StartedAt:    row.StartedAt,
		CompletedAt:  row.CompletedAt,
		DurationMs:   row.DurationMs,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.Winners != "" {
		sim.Winners = fromJSON[[]string](row.Winners)
	}
	if row.WinningTurns != "" {
		sim.WinningTurns = fromJSON[[]int](row.WinningTurns)
	}
	return sim
}

func workerToRow(info *model.WorkerInfo) *workerModel {
	return &workerModel{
		WorkerID:              info.WorkerID,
		WorkerName:            info.WorkerName,
		Status:                info.Status,
		CurrentJobID:          info.CurrentJobID,
		Capacity:              info.Capacity,
		ActiveSimulations:     info.ActiveSimulations,
		UptimeMs:              info.UptimeMs,
		MaxConcurrentOverride: info.MaxConcurrentOverride,
		OwnerEmail:            info.OwnerEmail,
		Version:               info.Version,
		LastHeartbeat:         info.LastHeartbeat,
	}
}

func rowToWorker(row *workerModel) *model.WorkerInfo {
	return &model.WorkerInfo{
		WorkerID:              row.WorkerID,
		WorkerName:            row.WorkerName,
		Status:                row.Status,
		CurrentJobID:          row.CurrentJobID,
		Capacity:              row.Capacity,
		ActiveSimulations:     row.ActiveSimulations,
		UptimeMs:              row.UptimeMs,
		MaxConcurrentOverride: row.MaxConcurrentOverride,
		OwnerEmail:            row.OwnerEmail,
		Version:               row.Version,
		LastHeartbeat:         row.LastHeartbeat,
	}
}

func ratingToRow(r model.DeckRating) *ratingModel {
	return &ratingModel{
		DeckID:      r.DeckID,
		DeckName:    r.DeckName,
		Mu:          r.Mu,
		Sigma:       r.Sigma,
		GamesPlayed: r.GamesPlayed,
		Wins:        r.Wins,
		LastUpdated: r.LastUpdated,
	}
}

func rowToRating(row *ratingModel) model.DeckRating {
	return model.DeckRating{
		DeckID:      row.DeckID,
		DeckName:    row.DeckName,
		Mu:          row.Mu,
		Sigma:       row.Sigma,
		GamesPlayed: row.GamesPlayed,
		Wins:        row.Wins,
		LastUpdated: row.LastUpdated,
	}
}

func matchToRow(r *model.MatchResult) *matchResultModel {
	return &matchResultModel{
		ID:           r.ID,
		JobID:        r.JobID,
		GameIndex:    r.GameIndex,
		DeckIDs:      asJSON(r.DeckIDs),
		WinnerDeckID: r.WinnerDeckID,
		TurnCount:    r.TurnCount,
		PlayedAt:     r.PlayedAt,
	}
}

func rowToMatch(row *matchResultModel) model.MatchResult {
	return model.MatchResult{
		ID:           row.ID,
		JobID:        row.JobID,
		GameIndex:    row.GameIndex,
		DeckIDs:      fromJSON[[]string](row.DeckIDs),
		WinnerDeckID: row.WinnerDeckID,
		TurnCount:    row.TurnCount,
		PlayedAt:     row.PlayedAt,
	}
}

func statusStrings[T ~string](values []T) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}
