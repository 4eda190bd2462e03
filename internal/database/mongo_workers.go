package database

import (
	"context"
	"errors"
	"time"

	"podsim/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UpsertWorkerHeartbeat merges the heartbeat fields. Only the fields a
// worker reports are written, so operator-managed max_concurrent_override
// and owner_email survive.
func (m *mongoStore) UpsertWorkerHeartbeat(ctx context.Context, info *model.WorkerInfo) error {
	set := bson.M{
		"worker_name":        info.WorkerName,
		"status":             info.Status,
		"capacity":           info.Capacity,
		"active_simulations": info.ActiveSimulations,
		"uptime_ms":          info.UptimeMs,
		"last_heartbeat":     info.LastHeartbeat,
	}
	if info.CurrentJobID != "" {
		set["current_job_id"] = info.CurrentJobID
	} else {
		set["current_job_id"] = nil
	}
	if info.Version != "" {
		set["version"] = info.Version
	}

	opts := options.Update().SetUpsert(true)
	_, err := m.workersCol.UpdateOne(ctx, bson.M{"_id": info.WorkerID}, bson.M{"$set": set}, opts)
	if err != nil {
		log.Error().Err(err).Str("workerID", info.WorkerID).Msg("Failed to upsert worker heartbeat")
	}
	return err
}

func (m *mongoStore) GetWorker(ctx context.Context, workerID string) (*model.WorkerInfo, error) {
	var info model.WorkerInfo
	err := m.workersCol.FindOne(ctx, bson.M{"_id": workerID}).Decode(&info)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("workerID", workerID).Msg("Failed to get worker")
		return nil, err
	}

	return &info, nil
}

// ListActiveWorkers returns workers inside the liveness window: 60s for
// normal statuses, 5 minutes while updating.
func (m *mongoStore) ListActiveWorkers(ctx context.Context, now time.Time) ([]*model.WorkerInfo, error) {
	filter := bson.M{"$or": []bson.M{
		{
			"status":         model.WorkerUpdating,
			"last_heartbeat": bson.M{"$gt": model.ActiveSince(model.WorkerUpdating, now)},
		},
		{
			"status":         bson.M{"$ne": model.WorkerUpdating},
			"last_heartbeat": bson.M{"$gt": model.ActiveSince(model.WorkerIdle, now)},
		},
	}}

	cursor, err := m.workersCol.Find(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active workers")
		return nil, err
	}
	defer cursor.Close(ctx)

	var workers []*model.WorkerInfo
	if err := cursor.All(ctx, &workers); err != nil {
		log.Error().Err(err).Msg("Failed to decode workers")
		return nil, err
	}

	return workers, nil
}
