package database

import (
	"context"
	"errors"
	"time"

	"podsim/internal/model"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertWorkerHeartbeat merges the heartbeat fields. Only the columns a
// worker reports are assigned on conflict, so operator-managed
// max_concurrent_override and owner_email survive.
func (s *sqliteStore) UpsertWorkerHeartbeat(ctx context.Context, info *model.WorkerInfo) error {
	cols := []string{
		"worker_name",
		"status",
		"current_job_id",
		"capacity",
		"active_simulations",
		"uptime_ms",
		"last_heartbeat",
	}
	if info.Version != "" {
		cols = append(cols, "version")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(workerToRow(info)).Error
	if err != nil {
		log.Error().Err(err).Str("workerID", info.WorkerID).Msg("Failed to upsert worker heartbeat")
	}
	return err
}

func (s *sqliteStore) GetWorker(ctx context.Context, workerID string) (*model.WorkerInfo, error) {
	var row workerModel
	err := s.db.WithContext(ctx).First(&row, "worker_id = ?", workerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("workerID", workerID).Msg("Failed to get worker")
		return nil, err
	}

	return rowToWorker(&row), nil
}

// ListActiveWorkers returns workers inside the liveness window: 60s for
// normal statuses, 5 minutes while updating.
func (s *sqliteStore) ListActiveWorkers(ctx context.Context, now time.Time) ([]*model.WorkerInfo, error) {
	var rows []workerModel
	err := s.db.WithContext(ctx).
		Where("(status = ? AND last_heartbeat > ?) OR (status <> ? AND last_heartbeat > ?)",
			model.WorkerUpdating, model.ActiveSince(model.WorkerUpdating, now),
			model.WorkerUpdating, model.ActiveSince(model.WorkerIdle, now)).
		Find(&rows).Error
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active workers")
		return nil, err
	}

	workers := make([]*model.WorkerInfo, 0, len(rows))
	for i := range rows {
		workers = append(workers, rowToWorker(&rows[i]))
	}
	return workers, nil
}
