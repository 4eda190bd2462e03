package database

import (
	"context"
	"errors"
	"sort"

	"podsim/internal/model"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *sqliteStore) GetDeckRatings(ctx context.Context, deckIDs []string) (map[string]model.DeckRating, error) {
	var rows []ratingModel
	err := s.db.WithContext(ctx).Where("deck_id IN ?", deckIDs).Find(&rows).Error
	if err != nil {
		log.Error().Err(err).Msg("Failed to get deck ratings")
		return nil, err
	}

	ratings := make(map[string]model.DeckRating, len(rows))
	for i := range rows {
		r := rowToRating(&rows[i])
		ratings[r.DeckID] = r
	}
	return ratings, nil
}

func (s *sqliteStore) UpsertDeckRatings(ctx context.Context, ratings []model.DeckRating) error {
	for _, r := range ratings {
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "deck_id"}},
			UpdateAll: true,
		}).Create(ratingToRow(r)).Error
		if err != nil {
			log.Error().Err(err).Str("deckID", r.DeckID).Msg("Failed to upsert deck rating")
			return err
		}
	}
	return nil
}

// ListDeckRatings orders by the conservative display rating. The ordering is
// on a derived value, so rows are fetched bounded and sorted client-side,
// matching the document backend.
func (s *sqliteStore) ListDeckRatings(ctx context.Context, limit int) ([]model.DeckRating, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []ratingModel
	if err := s.db.WithContext(ctx).Limit(500).Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("Failed to list deck ratings")
		return nil, err
	}

	ratings := make([]model.DeckRating, 0, len(rows))
	for i := range rows {
		ratings = append(ratings, rowToRating(&rows[i]))
	}

	sort.Slice(ratings, func(i, j int) bool {
		return ratings[i].DisplayRating() > ratings[j].DisplayRating()
	})
	if len(ratings) > limit {
		ratings = ratings[:limit]
	}
	return ratings, nil
}

func (s *sqliteStore) HasMatchResults(ctx context.Context, jobID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&matchResultModel{}).Where("job_id = ?", jobID).Count(&count).Error
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to check match results")
		return false, err
	}
	return count > 0, nil
}

// InsertMatchResults writes the rows in one transaction. A duplicate id
// means another aggregation pass won the idempotency race: report false so
// the caller skips the rating update.
func (s *sqliteStore) InsertMatchResults(ctx context.Context, results []model.MatchResult) (bool, error) {
	if len(results) == 0 {
		return true, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range results {
			if err := tx.Create(matchToRow(&results[i])).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		log.Error().Err(err).Msg("Failed to insert match results")
		return false, err
	}

	return true, nil
}

func (s *sqliteStore) ListMatchResults(ctx context.Context) ([]model.MatchResult, error) {
	var rows []matchResultModel
	err := s.db.WithContext(ctx).Order("played_at asc").Find(&rows).Error
	if err != nil {
		log.Error().Err(err).Msg("Failed to list match results")
		return nil, err
	}

	results := make([]model.MatchResult, 0, len(rows))
	for i := range rows {
		results = append(results, rowToMatch(&rows[i]))
	}
	return results, nil
}
