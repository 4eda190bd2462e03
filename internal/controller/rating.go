package controller

import (
	"context"

	"podsim/internal/database"
	"podsim/internal/model"
)

// RatingController exposes the deck leaderboard.
type RatingController interface {
	// ListDeckRatings returns decks ordered by display rating, best first.
	ListDeckRatings(ctx context.Context, limit int) ([]model.DeckRating, error)
}

type ratingController struct {
	store database.Store
}

// NewRatingController creates the leaderboard controller.
func NewRatingController(store database.Store) RatingController {
	return &ratingController{store: store}
}

func (c *ratingController) ListDeckRatings(ctx context.Context, limit int) ([]model.DeckRating, error) {
	return c.store.ListDeckRatings(ctx, limit)
}
