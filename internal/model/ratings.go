package model

import (
	"fmt"
	"time"
)

// Initial TrueSkill belief for a deck that has never played.
const (
	DefaultRatingMu    = 25.0
	DefaultRatingSigma = 25.0 / 3.0
)

// DeckRating is the persistent skill belief for one deck.
type DeckRating struct {
	DeckID      string    `bson:"_id" json:"deckId"`
	DeckName    string    `bson:"deck_name,omitempty" json:"deckName,omitempty"`
	Mu          float64   `bson:"mu" json:"mu"`
	Sigma       float64   `bson:"sigma" json:"sigma"`
	GamesPlayed int       `bson:"games_played" json:"gamesPlayed"`
	Wins        int       `bson:"wins" json:"wins"`
	LastUpdated time.Time `bson:"last_updated" json:"lastUpdated"`
}

// NewDeckRating returns the prior belief for an unrated deck.
func NewDeckRating(deckID, deckName string) DeckRating {
	return DeckRating{
		DeckID:   deckID,
		DeckName: deckName,
		Mu:       DefaultRatingMu,
		Sigma:    DefaultRatingSigma,
	}
}

// DisplayRating is the conservative estimate shown to users.
func (r DeckRating) DisplayRating() float64 {
	return r.Mu - 3*r.Sigma
}

// MatchResult records one finished game. Its id is derived from the job and
// the job-global game index, which is what makes rating updates idempotent:
// a second aggregation of the same job collides on every id.
type MatchResult struct {
	ID           string    `bson:"_id" json:"id"`
	JobID        string    `bson:"job_id" json:"jobId"`
	GameIndex    int       `bson:"game_index" json:"gameIndex"`
	DeckIDs      []string  `bson:"deck_ids" json:"deckIds"`
	WinnerDeckID string    `bson:"winner_deck_id,omitempty" json:"winnerDeckId,omitempty"`
	TurnCount    int       `bson:"turn_count,omitempty" json:"turnCount,omitempty"`
	PlayedAt     time.Time `bson:"played_at" json:"playedAt"`
}

// MatchResultID formats the natural key of a game's result row.
func MatchResultID(jobID string, gameIndex int) string {
	return fmt.Sprintf("%s_%d", jobID, gameIndex)
}

// DeckResult is one deck's line in a job's aggregated results.
type DeckResult struct {
	DeckID  string  `bson:"deck_id,omitempty" json:"deckId,omitempty"`
	Name    string  `bson:"name" json:"name"`
	Wins    int     `bson:"wins" json:"wins"`
	WinRate float64 `bson:"win_rate" json:"winRate"`
}

// JobResults is the condensed artifact the aggregator produces once every
// simulation of a job is terminal.
type JobResults struct {
	TotalGames     int          `bson:"total_games" json:"totalGames"`
	CompletedGames int          `bson:"completed_games" json:"completedGames"`
	FailedSims     int          `bson:"failed_sims" json:"failedSims"`
	CancelledSims  int          `bson:"cancelled_sims" json:"cancelledSims"`
	Decks          []DeckResult `bson:"decks" json:"decks"`
	AvgWinningTurn float64      `bson:"avg_winning_turn,omitempty" json:"avgWinningTurn,omitempty"`
	AvgDurationMs  int64        `bson:"avg_duration_ms,omitempty" json:"avgDurationMs,omitempty"`
	ComputedAt     time.Time    `bson:"computed_at" json:"computedAt"`
}
