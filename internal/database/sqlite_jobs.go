package database

import (
	"context"
	"errors"
	"time"

	"podsim/internal/model"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// CreateJob inserts the job row and, when an idempotency key is present, the
// key mapping in one transaction. A key collision returns the winner's job.
func (s *sqliteStore) CreateJob(ctx context.Context, params CreateJobParams) (*model.Job, error) {
	job := newJobFromParams(params)

	if params.IdempotencyKey == "" {
		if err := s.db.WithContext(ctx).Create(jobToRow(job)).Error; err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create job")
			return nil, err
		}
		return job, nil
	}

	var existing *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mapping idempotencyKeyModel
		err := tx.First(&mapping, "key = ?", params.IdempotencyKey).Error
		if err == nil {
			var row jobModel
			if err := tx.First(&row, "id = ?", mapping.JobID).Error; err != nil {
				return err
			}
			existing = rowToJob(&row)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Create(jobToRow(job)).Error; err != nil {
			return err
		}
		return tx.Create(&idempotencyKeyModel{
			Key:       params.IdempotencyKey,
			JobID:     job.ID,
			CreatedAt: job.CreatedAt,
		}).Error
	})
	if err != nil {
		// A concurrent create with the same key commits first and our key
		// insert collides; hand back the winner.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.getJobByIdempotencyKey(ctx, params.IdempotencyKey)
		}
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create job")
		return nil, err
	}

	if existing != nil {
		return existing, nil
	}
	return job, nil
}

func (s *sqliteStore) getJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	var mapping idempotencyKeyModel
	if err := s.db.WithContext(ctx).First(&mapping, "key = ?", key).Error; err != nil {
		return nil, err
	}
	return s.GetJob(ctx, mapping.JobID)
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var row jobModel
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("jobID", id).Msg("Failed to get job")
		return nil, err
	}

	return rowToJob(&row), nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, userID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Model(&jobModel{}).Order("created_at desc").Limit(limit)
	if userID != "" {
		query = query.Where("created_by = ?", userID)
	}

	var rows []jobModel
	if err := query.Find(&rows).Error; err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Failed to list jobs")
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rowToJob(&rows[i]))
	}
	return jobs, nil
}

func (s *sqliteStore) ListActiveJobs(ctx context.Context) ([]*model.Job, error) {
	var rows []jobModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", statusStrings([]model.JobStatus{model.JobQueued, model.JobRunning})).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active jobs")
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rowToJob(&rows[i]))
	}
	return jobs, nil
}

func (s *sqliteStore) CountQueuedBefore(ctx context.Context, createdAt time.Time, excludeID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("status = ? AND created_at <= ? AND id <> ?", string(model.JobQueued), createdAt, excludeID).
		Count(&count).Error
	if err != nil {
		log.Error().Err(err).Msg("Failed to count queued jobs")
		return 0, err
	}

	return count, nil
}

func (s *sqliteStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errorMessage string) error {
	set := map[string]interface{}{"status": string(status)}
	if errorMessage != "" {
		set["error_message"] = errorMessage
	}
	if status == model.JobCompleted || status == model.JobFailed || status == model.JobCancelled {
		set["completed_at"] = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", id).Updates(set).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Str("status", string(status)).Msg("Failed to update job status")
		return err
	}

	log.Debug().Str("jobID", id).Str("status", string(status)).Msg("Updated job status")
	return nil
}

func (s *sqliteStore) SetJobStarted(ctx context.Context, id, workerID, workerName string) error {
	err := s.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", id).Updates(map[string]interface{}{
		"started_at":  time.Now().UTC(),
		"worker_id":   workerID,
		"worker_name": workerName,
	}).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to set job started")
	}
	return err
}

func (s *sqliteStore) SetJobCompleted(ctx context.Context, id string, gamesCompleted int, durations []int64) (bool, error) {
	set := map[string]interface{}{
		"status":          string(model.JobCompleted),
		"completed_at":    time.Now().UTC(),
		"games_completed": gamesCompleted,
	}
	if durations != nil {
		set["docker_run_durations"] = asJSON(durations)
	}

	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status IN ?", id, statusStrings([]model.JobStatus{model.JobQueued, model.JobRunning})).
		Updates(set)
	if res.Error != nil {
		log.Error().Err(res.Error).Str("jobID", id).Msg("Failed to set job completed")
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (s *sqliteStore) SetJobFailed(ctx context.Context, id, errorMessage string, durations []int64) (bool, error) {
	set := map[string]interface{}{
		"status":        string(model.JobFailed),
		"completed_at":  time.Now().UTC(),
		"error_message": errorMessage,
	}
	if durations != nil {
		set["docker_run_durations"] = asJSON(durations)
	}

	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status IN ?", id, statusStrings([]model.JobStatus{model.JobQueued, model.JobRunning})).
		Updates(set)
	if res.Error != nil {
		log.Error().Err(res.Error).Str("jobID", id).Msg("Failed to set job failed")
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (s *sqliteStore) SetJobResults(ctx context.Context, id string, results *model.JobResults) error {
	err := s.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", id).
		Update("results", asJSON(results)).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to set job results")
	}
	return err
}

// ConditionalUpdateJobStatus applies the patch iff the current status is in
// expected. RowsAffected decides: sqlite counts every row the guard matched,
// so a patch equal to the stored row still counts as applied.
func (s *sqliteStore) ConditionalUpdateJobStatus(ctx context.Context, id string, expected []model.JobStatus, patch JobPatch) (bool, error) {
	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status IN ?", id, statusStrings(expected)).
		Updates(patch.setMap())
	if res.Error != nil {
		log.Error().Err(res.Error).Str("jobID", id).Str("target", string(patch.Status)).Msg("Failed conditional job update")
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (p JobPatch) setMap() map[string]interface{} {
	set := map[string]interface{}{"status": string(p.Status)}
	if p.WorkerID != nil {
		set["worker_id"] = *p.WorkerID
	}
	if p.WorkerName != nil {
		set["worker_name"] = *p.WorkerName
	}
	if p.ErrorMessage != nil {
		set["error_message"] = *p.ErrorMessage
	}
	if p.StartedAt != nil {
		set["started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		set["completed_at"] = *p.CompletedAt
	}
	if p.ClaimedAt != nil {
		set["claimed_at"] = *p.ClaimedAt
	}
	if p.LastPublishedAt != nil {
		set["last_published_at"] = *p.LastPublishedAt
	}
	if p.DockerRunDurationsMs != nil {
		set["docker_run_durations"] = asJSON(p.DockerRunDurationsMs)
	}
	return set
}

// CancelJob flips the job and cascades non-terminal simulations in one
// transaction.
func (s *sqliteStore) CancelJob(ctx context.Context, id string) (bool, error) {
	cancelled := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		res := tx.Model(&jobModel{}).
			Where("id = ? AND status IN ?", id, statusStrings([]model.JobStatus{model.JobQueued, model.JobRunning})).
			Updates(map[string]interface{}{"status": string(model.JobCancelled), "completed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		err := tx.Model(&simulationModel{}).
			Where("job_id = ? AND state IN ?", id, statusStrings([]model.SimulationState{model.SimPending, model.SimRunning})).
			Updates(map[string]interface{}{
				"state":         string(model.SimCancelled),
				"completed_at":  now,
				"error_message": "Cancelled",
				"updated_at":    now,
			}).Error
		if err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to cancel job")
		return false, err
	}

	if cancelled {
		log.Info().Str("jobID", id).Msg("Job cancelled")
	}
	return cancelled, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Delete(&jobModel{}, "id = ?", id).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to delete job")
	}
	return err
}

// ClaimNextJob atomically claims the oldest QUEUED job for polling workers.
// The select and the guarded update share one transaction; the guard also
// protects against another process on the same file.
func (s *sqliteStore) ClaimNextJob(ctx context.Context, workerID, workerName string) (*model.Job, error) {
	var claimed *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobModel
		err := tx.Where("status = ?", string(model.JobQueued)).Order("created_at asc").First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&jobModel{}).
			Where("id = ? AND status = ?", row.ID, string(model.JobQueued)).
			Updates(map[string]interface{}{
				"status":      string(model.JobRunning),
				"worker_id":   workerID,
				"worker_name": workerName,
				"started_at":  now,
				"claimed_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		row.Status = string(model.JobRunning)
		row.WorkerID = workerID
		row.WorkerName = workerName
		row.StartedAt = &now
		row.ClaimedAt = &now
		claimed = rowToJob(&row)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("workerID", workerID).Msg("Failed to claim next job")
		return nil, err
	}

	if claimed != nil {
		log.Info().Str("jobID", claimed.ID).Str("workerID", workerID).Msg("Claimed queued job")
	}
	return claimed, nil
}

// IncrementCompletedSimCount bumps the counter and reads back the
// post-increment values in one transaction.
func (s *sqliteStore) IncrementCompletedSimCount(ctx context.Context, jobID string) (int, int, error) {
	var done, total int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobModel{}).Where("id = ?", jobID).
			UpdateColumn("completed_sim_count", gorm.Expr("completed_sim_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var row jobModel
		if err := tx.Select("completed_sim_count", "total_sim_count").First(&row, "id = ?", jobID).Error; err != nil {
			return err
		}
		done = row.CompletedSimCount
		total = row.TotalSimCount
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Str("jobID", jobID).Msg("Failed to increment completed sim count")
		}
		return 0, 0, err
	}

	return done, total, nil
}

func (s *sqliteStore) SetNeedsAggregation(ctx context.Context, jobID string, needs bool) error {
	err := s.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", jobID).
		UpdateColumn("needs_aggregation", needs).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to set needsAggregation")
	}
	return err
}

// ResetJobForRetry moves FAILED back to QUEUED and clears the runtime fields.
func (s *sqliteStore) ResetJobForRetry(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status = ?", id, string(model.JobFailed)).
		Updates(map[string]interface{}{
			"status":               string(model.JobQueued),
			"games_completed":      0,
			"needs_aggregation":    false,
			"started_at":           nil,
			"completed_at":         nil,
			"claimed_at":           nil,
			"last_published_at":    nil,
			"error_message":        "",
			"worker_id":            "",
			"worker_name":          "",
			"docker_run_durations": "",
			"results":              "",
			"retry_count":          gorm.Expr("retry_count + 1"),
		})
	if res.Error != nil {
		log.Error().Err(res.Error).Str("jobID", id).Msg("Failed to reset job for retry")
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}
