package database

import (
	"context"
	"sort"

	"podsim/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (m *mongoStore) GetDeckRatings(ctx context.Context, deckIDs []string) (map[string]model.DeckRating, error) {
	cursor, err := m.ratingsCol.Find(ctx, bson.M{"_id": bson.M{"$in": deckIDs}})
	if err != nil {
		log.Error().Err(err).Msg("Failed to get deck ratings")
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []model.DeckRating
	if err := cursor.All(ctx, &rows); err != nil {
		log.Error().Err(err).Msg("Failed to decode deck ratings")
		return nil, err
	}

	ratings := make(map[string]model.DeckRating, len(rows))
	for _, r := range rows {
		ratings[r.DeckID] = r
	}
	return ratings, nil
}

func (m *mongoStore) UpsertDeckRatings(ctx context.Context, ratings []model.DeckRating) error {
	opts := options.Replace().SetUpsert(true)
	for _, r := range ratings {
		if _, err := m.ratingsCol.ReplaceOne(ctx, bson.M{"_id": r.DeckID}, r, opts); err != nil {
			log.Error().Err(err).Str("deckID", r.DeckID).Msg("Failed to upsert deck rating")
			return err
		}
	}
	return nil
}

// ListDeckRatings orders by the conservative display rating. The ordering is
// on a derived value, so rows are fetched bounded and sorted client-side.
func (m *mongoStore) ListDeckRatings(ctx context.Context, limit int) ([]model.DeckRating, error) {
	if limit <= 0 {
		limit = 100
	}

	cursor, err := m.ratingsCol.Find(ctx, bson.M{}, options.Find().SetLimit(500))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list deck ratings")
		return nil, err
	}
	defer cursor.Close(ctx)

	var ratings []model.DeckRating
	if err := cursor.All(ctx, &ratings); err != nil {
		log.Error().Err(err).Msg("Failed to decode deck ratings")
		return nil, err
	}

	sort.Slice(ratings, func(i, j int) bool {
		return ratings[i].DisplayRating() > ratings[j].DisplayRating()
	})
	if len(ratings) > limit {
		ratings = ratings[:limit]
	}
	return ratings, nil
}

func (m *mongoStore) HasMatchResults(ctx context.Context, jobID string) (bool, error) {
	err := m.matchesCol.FindOne(ctx, bson.M{"job_id": jobID}).Err()
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return false, nil
		}
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to check match results")
		return false, err
	}
	return true, nil
}

// InsertMatchResults writes the rows. A duplicate id means another
// aggregation pass won the idempotency race: report false so the caller
// skips the rating update.
func (m *mongoStore) InsertMatchResults(ctx context.Context, results []model.MatchResult) (bool, error) {
	if len(results) == 0 {
		return true, nil
	}

	docs := make([]interface{}, 0, len(results))
	for i := range results {
		docs = append(docs, &results[i])
	}

	opts := options.InsertMany().SetOrdered(false)
	_, err := m.matchesCol.InsertMany(ctx, docs, opts)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		log.Error().Err(err).Msg("Failed to insert match results")
		return false, err
	}

	return true, nil
}

func (m *mongoStore) ListMatchResults(ctx context.Context) ([]model.MatchResult, error) {
	opts := options.Find().SetSort(bson.M{"played_at": 1})

	cursor, err := m.matchesCol.Find(ctx, bson.M{}, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list match results")
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []model.MatchResult
	if err := cursor.All(ctx, &results); err != nil {
		log.Error().Err(err).Msg("Failed to decode match results")
		return nil, err
	}

	return results, nil
}
