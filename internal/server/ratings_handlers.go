package server

import (
	"net/http"
	"strconv"

	"podsim/internal/model"

	"github.com/gin-gonic/gin"
)

const defaultRatingsLimit = 50

// listRatingsHandler returns the deck leaderboard, best rating first.
func (s *Server) listRatingsHandler(c *gin.Context) {
	limit := defaultRatingsLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	ratings, err := s.rc.ListDeckRatings(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if ratings == nil {
		ratings = []model.DeckRating{}
	}
	c.JSON(http.StatusOK, ratings)
}
