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

// InitializeSimulations inserts sim_000..sim_{count-1} in PENDING. The
// unique (job_id, sim_id) index makes a second call a no-op: duplicate rows
// are skipped by the unordered insert.
func (m *mongoStore) InitializeSimulations(ctx context.Context, jobID string, count int) error {
	now := time.Now().UTC()
	docs := make([]interface{}, 0, count)
	for i := 0; i < count; i++ {
		docs = append(docs, &model.Simulation{
			JobID:     jobID,
			SimID:     model.SimulationID(i),
			Index:     i,
			State:     model.SimPending,
			UpdatedAt: now,
		})
	}

	opts := options.InsertMany().SetOrdered(false)
	_, err := m.simsCol.InsertMany(ctx, docs, opts)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			log.Debug().Str("jobID", jobID).Msg("Simulations already initialized")
			return nil
		}
		log.Error().Err(err).Str("jobID", jobID).Int("count", count).Msg("Failed to initialize simulations")
		return err
	}

	log.Debug().Str("jobID", jobID).Int("count", count).Msg("Initialized simulations")
	return nil
}

func (m *mongoStore) GetSimulationStatus(ctx context.Context, jobID, simID string) (*model.Simulation, error) {
	var sim model.Simulation
	err := m.simsCol.FindOne(ctx, bson.M{"job_id": jobID, "sim_id": simID}).Decode(&sim)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("jobID", jobID).Str("simID", simID).Msg("Failed to get simulation")
		return nil, err
	}

	return &sim, nil
}

func (m *mongoStore) GetSimulationStatuses(ctx context.Context, jobID string) ([]*model.Simulation, error) {
	opts := options.Find().SetSort(bson.M{"index": 1})

	cursor, err := m.simsCol.Find(ctx, bson.M{"job_id": jobID}, opts)
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to list simulations")
		return nil, err
	}
	defer cursor.Close(ctx)

	var sims []*model.Simulation
	if err := cursor.All(ctx, &sims); err != nil {
		log.Error().Err(err).Msg("Failed to decode simulations")
		return nil, err
	}

	return sims, nil
}

func (m *mongoStore) UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch SimPatch) error {
	_, err := m.simsCol.UpdateOne(ctx,
		bson.M{"job_id": jobID, "sim_id": simID},
		bson.M{"$set": patch.setDoc()})
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Str("simID", simID).Msg("Failed to update simulation")
	}
	return err
}

// ConditionalUpdateSimulationStatus applies the patch iff the current state
// is in expected, atomically against concurrent writers.
func (m *mongoStore) ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, expected []model.SimulationState, patch SimPatch) (bool, error) {
	res, err := m.simsCol.UpdateOne(ctx, bson.M{
		"job_id": jobID,
		"sim_id": simID,
		"state":  statusFilter(expected),
	}, bson.M{"$set": patch.setDoc()})
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Str("simID", simID).Msg("Failed conditional simulation update")
		return false, err
	}

	return res.MatchedCount > 0, nil
}

func (p SimPatch) setDoc() bson.M {
	set := bson.M{"updated_at": time.Now().UTC()}
	if p.State != nil {
		set["state"] = *p.State
	}
	if p.WorkerID != nil {
		set["worker_id"] = *p.WorkerID
	}
	if p.WorkerName != nil {
		set["worker_name"] = *p.WorkerName
	}
	if p.StartedAt != nil {
		set["started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		set["completed_at"] = *p.CompletedAt
	}
	if p.DurationMs != nil {
		set["duration_ms"] = *p.DurationMs
	}
	if p.ErrorMessage != nil {
		set["error_message"] = *p.ErrorMessage
	}
	if p.Winner != nil {
		set["winner"] = *p.Winner
	}
	if p.WinningTurn != nil {
		set["winning_turn"] = *p.WinningTurn
	}
	if p.Winners != nil {
		set["winners"] = p.Winners
	}
	if p.WinningTurns != nil {
		set["winning_turns"] = p.WinningTurns
	}
	return set
}

func (m *mongoStore) DeleteSimulations(ctx context.Context, jobID string) error {
	_, err := m.simsCol.DeleteMany(ctx, bson.M{"job_id": jobID})
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to delete simulations")
	}
	return err
}
