package database

import (
	"context"
	"errors"
	"time"

	"podsim/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateJob inserts the job row and, when an idempotency key is present, the
// key mapping in one transaction. A key collision returns the winner's job.
func (m *mongoStore) CreateJob(ctx context.Context, params CreateJobParams) (*model.Job, error) {
	job := newJobFromParams(params)

	if params.IdempotencyKey == "" {
		if _, err := m.jobsCol.InsertOne(ctx, job); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create job")
			return nil, err
		}
		return job, nil
	}

	result, err := m.withTxn(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var mapping struct {
			JobID string `bson:"job_id"`
		}
		err := m.idemCol.FindOne(sc, bson.M{"_id": params.IdempotencyKey}).Decode(&mapping)
		if err == nil {
			var existing model.Job
			if err := m.jobsCol.FindOne(sc, bson.M{"_id": mapping.JobID}).Decode(&existing); err != nil {
				return nil, err
			}
			return &existing, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		if _, err := m.jobsCol.InsertOne(sc, job); err != nil {
			return nil, err
		}
		_, err = m.idemCol.InsertOne(sc, bson.M{
			"_id":        params.IdempotencyKey,
			"job_id":     job.ID,
			"created_at": job.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		return job, nil
	})
	if err != nil {
		// A concurrent create with the same key commits first and our key
		// insert collides; hand back the winner.
		if mongo.IsDuplicateKeyError(err) {
			return m.getJobByIdempotencyKey(ctx, params.IdempotencyKey)
		}
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create job")
		return nil, err
	}

	return result.(*model.Job), nil
}

func (m *mongoStore) getJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	var mapping struct {
		JobID string `bson:"job_id"`
	}
	if err := m.idemCol.FindOne(ctx, bson.M{"_id": key}).Decode(&mapping); err != nil {
		return nil, err
	}
	return m.GetJob(ctx, mapping.JobID)
}

func newJobFromParams(params CreateJobParams) *model.Job {
	parallelism := params.Parallelism
	if parallelism == 0 {
		parallelism = 4
	}
	return &model.Job{
		ID:             uuid.NewString(),
		Status:         model.JobQueued,
		Decks:          params.Decks,
		DeckIDs:        params.DeckIDs,
		Simulations:    params.Simulations,
		Parallelism:    parallelism,
		TotalSimCount:  model.TotalSimCount(params.Simulations),
		CreatedBy:      params.CreatedBy,
		IdempotencyKey: params.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
}

// GetJob retrieves a job by its ID
func (m *mongoStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := m.jobsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("jobID", id).Msg("Failed to get job")
		return nil, err
	}

	return &job, nil
}

// ListJobs retrieves jobs newest first, optionally scoped to one creator
func (m *mongoStore) ListJobs(ctx context.Context, userID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{}
	if userID != "" {
		filter["created_by"] = userID
	}

	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.M{"created_at": -1})

	cursor, err := m.jobsCol.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Failed to list jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}

// ListActiveJobs retrieves jobs in QUEUED or RUNNING, oldest first
func (m *mongoStore) ListActiveJobs(ctx context.Context) ([]*model.Job, error) {
	opts := options.Find().SetSort(bson.M{"created_at": 1})

	cursor, err := m.jobsCol.Find(ctx, bson.M{"status": statusFilter([]model.JobStatus{model.JobQueued, model.JobRunning})}, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}

func (m *mongoStore) CountQueuedBefore(ctx context.Context, createdAt time.Time, excludeID string) (int64, error) {
	count, err := m.jobsCol.CountDocuments(ctx, bson.M{
		"status":     model.JobQueued,
		"created_at": bson.M{"$lte": createdAt},
		"_id":        bson.M{"$ne": excludeID},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to count queued jobs")
		return 0, err
	}

	return count, nil
}

// UpdateJobStatus sets a job's status and optionally the error message
func (m *mongoStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errorMessage string) error {
	set := bson.M{"status": status}
	if errorMessage != "" {
		set["error_message"] = errorMessage
	}
	if status == model.JobCompleted || status == model.JobFailed || status == model.JobCancelled {
		set["completed_at"] = time.Now().UTC()
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Str("status", string(status)).Msg("Failed to update job status")
		return err
	}

	log.Debug().Str("jobID", id).Str("status", string(status)).Msg("Updated job status")
	return nil
}

func (m *mongoStore) SetJobStarted(ctx context.Context, id, workerID, workerName string) error {
	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"started_at":  time.Now().UTC(),
		"worker_id":   workerID,
		"worker_name": workerName,
	}})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to set job started")
	}
	return err
}

func (m *mongoStore) SetJobCompleted(ctx context.Context, id string, gamesCompleted int, durations []int64) (bool, error) {
	set := bson.M{
		"status":          model.JobCompleted,
		"completed_at":    time.Now().UTC(),
		"games_completed": gamesCompleted,
	}
	if durations != nil {
		set["docker_run_durations_ms"] = durations
	}

	res, err := m.jobsCol.UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": statusFilter([]model.JobStatus{model.JobQueued, model.JobRunning}),
	}, bson.M{"$set": set})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to set job completed")
		return false, err
	}

	return res.MatchedCount > 0, nil
}

func (m *mongoStore) SetJobFailed(ctx context.Context, id, errorMessage string, durations []int64) (bool, error) {
	set := bson.M{
		"status":        model.JobFailed,
		"completed_at":  time.Now().UTC(),
		"error_message": errorMessage,
	}
	if durations != nil {
		set["docker_run_durations_ms"] = durations
	}

	res, err := m.jobsCol.UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": statusFilter([]model.JobStatus{model.JobQueued, model.JobRunning}),
	}, bson.M{"$set": set})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to set job failed")
		return false, err
	}

	return res.MatchedCount > 0, nil
}

func (m *mongoStore) SetJobResults(ctx context.Context, id string, results *model.JobResults) error {
	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"results": results}})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to set job results")
	}
	return err
}

// ConditionalUpdateJobStatus applies the patch iff the current status is in
// expected. MatchedCount decides: a patch equal to the stored document still
// counts as applied.
func (m *mongoStore) ConditionalUpdateJobStatus(ctx context.Context, id string, expected []model.JobStatus, patch JobPatch) (bool, error) {
	res, err := m.jobsCol.UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": statusFilter(expected),
	}, bson.M{"$set": patch.setDoc()})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Str("target", string(patch.Status)).Msg("Failed conditional job update")
		return false, err
	}

	return res.MatchedCount > 0, nil
}

func (p JobPatch) setDoc() bson.M {
	set := bson.M{"status": p.Status}
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
		set["docker_run_durations_ms"] = p.DockerRunDurationsMs
	}
	return set
}

// CancelJob flips the job and cascades non-terminal simulations in one
// transaction.
func (m *mongoStore) CancelJob(ctx context.Context, id string) (bool, error) {
	result, err := m.withTxn(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		now := time.Now().UTC()

		res, err := m.jobsCol.UpdateOne(sc, bson.M{
			"_id":    id,
			"status": statusFilter([]model.JobStatus{model.JobQueued, model.JobRunning}),
		}, bson.M{"$set": bson.M{"status": model.JobCancelled, "completed_at": now}})
		if err != nil {
			return false, err
		}
		if res.MatchedCount == 0 {
			return false, nil
		}

		_, err = m.simsCol.UpdateMany(sc, bson.M{
			"job_id": id,
			"state":  statusFilter([]model.SimulationState{model.SimPending, model.SimRunning}),
		}, bson.M{"$set": bson.M{
			"state":         model.SimCancelled,
			"completed_at":  now,
			"error_message": "Cancelled",
			"updated_at":    now,
		}})
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to cancel job")
		return false, err
	}

	cancelled := result.(bool)
	if cancelled {
		log.Info().Str("jobID", id).Msg("Job cancelled")
	}
	return cancelled, nil
}

func (m *mongoStore) DeleteJob(ctx context.Context, id string) error {
	_, err := m.jobsCol.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to delete job")
	}
	return err
}

// ClaimNextJob atomically claims the oldest QUEUED job for polling workers.
func (m *mongoStore) ClaimNextJob(ctx context.Context, workerID, workerName string) (*model.Job, error) {
	now := time.Now().UTC()
	opts := options.FindOneAndUpdate().
		SetSort(bson.M{"created_at": 1}).
		SetReturnDocument(options.After)

	var job model.Job
	err := m.jobsCol.FindOneAndUpdate(ctx, bson.M{"status": model.JobQueued}, bson.M{"$set": bson.M{
		"status":      model.JobRunning,
		"worker_id":   workerID,
		"worker_name": workerName,
		"started_at":  now,
		"claimed_at":  now,
	}}, opts).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		log.Error().Err(err).Str("workerID", workerID).Msg("Failed to claim next job")
		return nil, err
	}

	log.Info().Str("jobID", job.ID).Str("workerID", workerID).Msg("Claimed queued job")
	return &job, nil
}

// IncrementCompletedSimCount bumps the counter atomically and returns the
// post-increment values.
func (m *mongoStore) IncrementCompletedSimCount(ctx context.Context, jobID string) (int, int, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var job model.Job
	err := m.jobsCol.FindOneAndUpdate(ctx, bson.M{"_id": jobID},
		bson.M{"$inc": bson.M{"completed_sim_count": 1}}, opts).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, 0, ErrNotFound
		}
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to increment completed sim count")
		return 0, 0, err
	}

	return job.CompletedSimCount, job.TotalSimCount, nil
}

func (m *mongoStore) SetNeedsAggregation(ctx context.Context, jobID string, needs bool) error {
	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": bson.M{"needs_aggregation": needs}})
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to set needsAggregation")
	}
	return err
}

// ResetJobForRetry moves FAILED back to QUEUED and clears the runtime fields.
func (m *mongoStore) ResetJobForRetry(ctx context.Context, id string) (bool, error) {
	res, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id, "status": model.JobFailed}, bson.M{
		"$set": bson.M{
			"status":            model.JobQueued,
			"games_completed":   0,
			"needs_aggregation": false,
		},
		"$unset": bson.M{
			"started_at":              "",
			"completed_at":            "",
			"claimed_at":              "",
			"last_published_at":       "",
			"error_message":           "",
			"worker_id":               "",
			"worker_name":             "",
			"docker_run_durations_ms": "",
			"results":                 "",
		},
		"$inc": bson.M{"retry_count": 1},
	})
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to reset job for retry")
		return false, err
	}

	return res.MatchedCount > 0, nil
}
