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

// InitializeSimulations inserts sim_000..sim_{count-1} in PENDING. The
// composite primary key makes a second call a no-op: existing rows are
// skipped by the conflict clause.
func (s *sqliteStore) InitializeSimulations(ctx context.Context, jobID string, count int) error {
	now := time.Now().UTC()
	rows := make([]simulationModel, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, simulationModel{
			JobID:     jobID,
			SimID:     model.SimulationID(i),
			SimIndex:  i,
			State:     string(model.SimPending),
			UpdatedAt: now,
		})
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Int("count", count).Msg("Failed to initialize simulations")
		return err
	}

	log.Debug().Str("jobID", jobID).Int("count", count).Msg("Initialized simulations")
	return nil
}

func (s *sqliteStore) GetSimulationStatus(ctx context.Context, jobID, simID string) (*model.Simulation, error) {
	var row simulationModel
	err := s.db.WithContext(ctx).First(&row, "job_id = ? AND sim_id = ?", jobID, simID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("jobID", jobID).Str("simID", simID).Msg("Failed to get simulation")
		return nil, err
	}

	return rowToSim(&row), nil
}

func (s *sqliteStore) GetSimulationStatuses(ctx context.Context, jobID string) ([]*model.Simulation, error) {
	var rows []simulationModel
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("sim_index asc").Find(&rows).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to get simulations")
		return nil, err
	}

	sims := make([]*model.Simulation, 0, len(rows))
	for i := range rows {
		sims = append(sims, rowToSim(&rows[i]))
	}
	return sims, nil
}

func (s *sqliteStore) UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch SimPatch) error {
	err := s.db.WithContext(ctx).Model(&simulationModel{}).
		Where("job_id = ? AND sim_id = ?", jobID, simID).
		Updates(patch.setMap()).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Str("simID", simID).Msg("Failed to update simulation")
	}
	return err
}

// ConditionalUpdateSimulationStatus applies the patch iff the current state
// is in expected, atomically against concurrent writers.
func (s *sqliteStore) ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, expected []model.SimulationState, patch SimPatch) (bool, error) {
	res := s.db.WithContext(ctx).Model(&simulationModel{}).
		Where("job_id = ? AND sim_id = ? AND state IN ?", jobID, simID, statusStrings(expected)).
		Updates(patch.setMap())
	if res.Error != nil {
		log.Error().Err(res.Error).Str("jobID", jobID).Str("simID", simID).Msg("Failed conditional simulation update")
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (p SimPatch) setMap() map[string]interface{} {
	set := map[string]interface{}{"updated_at": time.Now().UTC()}
	if p.State != nil {
		set["state"] = string(*p.State)
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
		set["winners"] = asJSON(p.Winners)
	}
	if p.WinningTurns != nil {
		set["winning_turns"] = asJSON(p.WinningTurns)
	}
	return set
}

func (s *sqliteStore) DeleteSimulations(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Delete(&simulationModel{}, "job_id = ?", jobID).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to delete simulations")
	}
	return err
}
