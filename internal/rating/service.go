// Package rating maintains TrueSkill beliefs for decks across jobs. Games
// feed in as match results keyed by job and game index, which makes the
// whole update idempotent: replaying a job collides on the result ids and
// changes nothing.
package rating

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"podsim/internal/database"
	"podsim/internal/model"

	"github.com/rs/zerolog/log"
)

// Service converts finished jobs into rating updates.
type Service struct {
	store database.RatingStore
}

func NewService(store database.RatingStore) *Service {
	return &Service{store: store}
}

// ApplyJob records a finished job's games as match results and updates the
// participating decks' ratings. Inserting the results doubles as the
// idempotency guard: a collision means another aggregation already rated
// this job, and the update is skipped without error.
func (s *Service) ApplyJob(ctx context.Context, job *model.Job, sims []*model.Simulation) error {
	keys, names := ratingIdentities(job)
	if len(keys) == 0 {
		return nil
	}

	results := buildMatchResults(job, sims, keys)
	if len(results) == 0 {
		log.Debug().Str("jobId", job.ID).Msg("No completed games to rate")
		return nil
	}

	inserted, err := s.store.InsertMatchResults(ctx, results)
	if err != nil {
		return fmt.Errorf("recording match results: %w", err)
	}
	if !inserted {
		log.Debug().Str("jobId", job.ID).Msg("Match results already recorded, skipping rating update")
		return nil
	}

	ratings, err := s.store.GetDeckRatings(ctx, keys)
	if err != nil {
		return fmt.Errorf("loading deck ratings: %w", err)
	}
	for i, key := range keys {
		if _, ok := ratings[key]; !ok {
			ratings[key] = model.NewDeckRating(key, names[i])
		}
	}

	for _, res := range results {
		score(ratings, res)
	}

	now := time.Now().UTC()
	updated := make([]model.DeckRating, 0, len(keys))
	for _, key := range keys {
		r := ratings[key]
		r.LastUpdated = now
		updated = append(updated, r)
	}
	if err := s.store.UpsertDeckRatings(ctx, updated); err != nil {
		return fmt.Errorf("storing deck ratings: %w", err)
	}

	log.Info().
		Str("jobId", job.ID).
		Int("games", len(results)).
		Msg("Updated deck ratings")
	return nil
}

// Rebuild recomputes every deck rating from the stored match results,
// replayed in played order. Existing rows are overwritten; deck names are
// carried over from the current table since results only store keys.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	results, err := s.store.ListMatchResults(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading match results: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	// Both backends order by playedAt alone; games of one simulation share
	// a timestamp, so break ties on the stable game index.
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].PlayedAt.Equal(results[j].PlayedAt) {
			return results[i].PlayedAt.Before(results[j].PlayedAt)
		}
		if results[i].JobID != results[j].JobID {
			return results[i].JobID < results[j].JobID
		}
		return results[i].GameIndex < results[j].GameIndex
	})

	names := make(map[string]string)
	if existing, err := s.store.ListDeckRatings(ctx, 500); err == nil {
		for _, r := range existing {
			names[r.DeckID] = r.DeckName
		}
	}

	ratings := make(map[string]model.DeckRating)
	for _, res := range results {
		score(ratings, res)
	}

	now := time.Now().UTC()
	updated := make([]model.DeckRating, 0, len(ratings))
	for key, r := range ratings {
		if name, ok := names[key]; ok && r.DeckName == "" {
			r.DeckName = name
		}
		r.LastUpdated = now
		updated = append(updated, r)
	}
	if err := s.store.UpsertDeckRatings(ctx, updated); err != nil {
		return 0, fmt.Errorf("storing deck ratings: %w", err)
	}

	log.Info().
		Int("games", len(results)).
		Int("decks", len(updated)).
		Msg("Rebuilt deck ratings from match results")
	return len(results), nil
}

// ratingIdentities returns the keys ratings are tracked under and the
// display names that go with them. Jobs created from saved decks use the
// deck ids; ad hoc jobs fall back to the deck names themselves.
func ratingIdentities(job *model.Job) (keys, names []string) {
	names = make([]string, 0, len(job.Decks))
	for _, d := range job.Decks {
		names = append(names, d.Name)
	}
	if len(job.DeckIDs) == len(job.Decks) && len(job.DeckIDs) > 0 {
		return job.DeckIDs, names
	}
	return names, names
}

// buildMatchResults flattens the completed simulations of a job into one
// row per game, ids derived from the job-global game index.
func buildMatchResults(job *model.Job, sims []*model.Simulation, keys []string) []model.MatchResult {
	keyByName := make(map[string]string, len(job.Decks))
	for i, d := range job.Decks {
		if i < len(keys) {
			keyByName[d.Name] = keys[i]
		}
	}

	var results []model.MatchResult
	for _, sim := range sims {
		if sim.State != model.SimCompleted {
			continue
		}
		games := model.GamesForSim(sim.Index, job.Simulations)
		playedAt := sim.UpdatedAt
		if sim.CompletedAt != nil {
			playedAt = *sim.CompletedAt
		}

		for k, winner := range sim.Winners {
			if k >= games {
				break
			}
			winnerKey := ""
			if winner != "" {
				key, ok := keyByName[winner]
				if !ok {
					log.Warn().
						Str("jobId", job.ID).
						Str("simId", sim.SimID).
						Str("winner", winner).
						Msg("Winner does not match any deck, scoring game as a draw")
				} else {
					winnerKey = key
				}
			}
			turn := 0
			if k < len(sim.WinningTurns) {
				turn = sim.WinningTurns[k]
			}
			gameIndex := model.GameIndex(sim.Index, k)
			results = append(results, model.MatchResult{
				ID:           model.MatchResultID(job.ID, gameIndex),
				JobID:        job.ID,
				GameIndex:    gameIndex,
				DeckIDs:      keys,
				WinnerDeckID: winnerKey,
				TurnCount:    turn,
				PlayedAt:     playedAt,
			})
		}
	}
	return results
}

// score applies one game to the ratings. Every participant's game count
// rises; a decided game additionally moves skill through the pairwise
// winner updates, while a draw leaves skill untouched.
func score(ratings map[string]model.DeckRating, res model.MatchResult) {
	for _, key := range res.DeckIDs {
		if _, ok := ratings[key]; !ok {
			ratings[key] = model.NewDeckRating(key, "")
		}
		r := ratings[key]
		r.GamesPlayed++
		ratings[key] = r
	}

	if res.WinnerDeckID == "" || !slices.Contains(res.DeckIDs, res.WinnerDeckID) {
		return
	}
	w := ratings[res.WinnerDeckID]
	w.Wins++
	ratings[res.WinnerDeckID] = w

	UpdateGame(ratings, res.WinnerDeckID, res.DeckIDs)
}
