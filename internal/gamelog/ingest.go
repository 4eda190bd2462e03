package gamelog

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"podsim/internal/blob"
	"podsim/internal/model"

	"github.com/rs/zerolog/log"
)

// Ingestor condenses a finished job's simulations into the stored results
// and the condensed artifact written next to the raw logs.
type Ingestor interface {
	Ingest(ctx context.Context, job *model.Job, sims []*model.Simulation) (*model.JobResults, error)
}

// gameEntry is one game's line in the condensed artifact.
type gameEntry struct {
	Game   int    `json:"game"`
	SimID  string `json:"simId"`
	Winner string `json:"winner,omitempty"`
	Turn   int    `json:"turn,omitempty"`
	RawLog string `json:"rawLog,omitempty"`
}

// condensedArtifact is the jobs/{id}/condensed.json document.
type condensedArtifact struct {
	JobID      string            `json:"jobId"`
	Name       string            `json:"name"`
	Results    *model.JobResults `json:"results"`
	Games      []gameEntry       `json:"games"`
	ComputedAt time.Time         `json:"computedAt"`
}

type condenser struct {
	blobs blob.Store
}

// NewCondenser returns the default ingestor. It derives the aggregate
// numbers from the simulation rows and uploads the condensed artifact;
// artifact upload failures are logged, not fatal, because the results row in
// the store is what the API serves.
func NewCondenser(blobs blob.Store) Ingestor {
	return &condenser{blobs: blobs}
}

func (c *condenser) Ingest(ctx context.Context, job *model.Job, sims []*model.Simulation) (*model.JobResults, error) {
	now := time.Now().UTC()
	results := &model.JobResults{
		TotalGames: job.Simulations,
		ComputedAt: now,
	}

	wins := make(map[string]int, len(job.Decks))
	games := make([]gameEntry, 0, job.Simulations)
	var turnSum, turnCount int
	var durSum, durCount int64

	for _, sim := range sims {
		switch sim.State {
		case model.SimFailed:
			results.FailedSims++
			continue
		case model.SimCancelled:
			results.CancelledSims++
			continue
		case model.SimCompleted:
		default:
			continue
		}

		played := model.GamesForSim(sim.Index, job.Simulations)
		results.CompletedGames += played
		if sim.DurationMs > 0 {
			durSum += sim.DurationMs
			durCount++
		}

		hasLog, err := c.blobs.Exists(ctx, model.RawLogKey(job.ID, sim.Index))
		if err != nil {
			log.Warn().Err(err).Str("jobID", job.ID).Str("simID", sim.SimID).Msg("Failed to check raw log")
		}

		for k := 0; k < played; k++ {
			entry := gameEntry{
				Game:  model.GameIndex(sim.Index, k) + 1,
				SimID: sim.SimID,
			}
			if k < len(sim.Winners) {
				entry.Winner = sim.Winners[k]
				wins[sim.Winners[k]]++
			}
			if k < len(sim.WinningTurns) && sim.WinningTurns[k] > 0 {
				entry.Turn = sim.WinningTurns[k]
				turnSum += sim.WinningTurns[k]
				turnCount++
			}
			if hasLog {
				entry.RawLog = model.RawLogKey(job.ID, sim.Index)
			}
			games = append(games, entry)
		}
	}

	for i, deck := range job.Decks {
		line := model.DeckResult{Name: deck.Name, Wins: wins[deck.Name]}
		if i < len(job.DeckIDs) {
			line.DeckID = job.DeckIDs[i]
		}
		if results.CompletedGames > 0 {
			line.WinRate = float64(line.Wins) / float64(results.CompletedGames)
		}
		results.Decks = append(results.Decks, line)
	}
	if turnCount > 0 {
		results.AvgWinningTurn = float64(turnSum) / float64(turnCount)
	}
	if durCount > 0 {
		results.AvgDurationMs = durSum / durCount
	}

	artifact := condensedArtifact{
		JobID:      job.ID,
		Name:       job.Name(),
		Results:    results,
		Games:      games,
		ComputedAt: now,
	}
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to marshal condensed artifact")
		return results, nil
	}
	if err := c.blobs.Upload(ctx, model.ResultsKey(job.ID), bytes.NewReader(payload)); err != nil {
		log.Warn().Err(err).Str("jobID", job.ID).Msg("Failed to upload condensed artifact")
	}

	return results, nil
}
