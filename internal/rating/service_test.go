package rating

import (
	"context"
	"testing"
	"time"

	"podsim/internal/database"
	"podsim/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, database.Store) {
	t.Helper()
	store, err := database.NewTestStore()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return NewService(store), store
}

func ratedDecks() []model.Deck {
	return []model.Deck{
		{Name: "Burn", Content: "4 Lightning Bolt"},
		{Name: "Control", Content: "4 Counterspell"},
		{Name: "Aggro", Content: "4 Goblin Guide"},
		{Name: "Combo", Content: "4 Dark Ritual"},
	}
}

func completedSim(jobID string, index int, winners []string, turns []int, at time.Time) *model.Simulation {
	return &model.Simulation{
		JobID:        jobID,
		SimID:        model.SimulationID(index),
		Index:        index,
		State:        model.SimCompleted,
		Winners:      winners,
		WinningTurns: turns,
		CompletedAt:  &at,
		UpdatedAt:    at,
	}
}

func TestApplyJobUpdatesRatings(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, database.CreateJobParams{
		Decks:       ratedDecks(),
		DeckIDs:     []string{"d1", "d2", "d3", "d4"},
		Simulations: 8,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	sims := []*model.Simulation{
		completedSim(job.ID, 0, []string{"Burn", "Burn", "Control", ""}, []int{9, 11, 8, 0}, base),
		completedSim(job.ID, 1, []string{"Aggro", "Burn", "Control", "Burn"}, []int{7, 10, 12, 6}, base.Add(time.Second)),
	}

	require.NoError(t, svc.ApplyJob(ctx, job, sims))

	results, err := store.ListMatchResults(ctx)
	require.NoError(t, err)
	require.Len(t, results, 8)
	for _, res := range results {
		if res.GameIndex == 3 {
			assert.Empty(t, res.WinnerDeckID, "draw stores no winner")
		}
	}

	ratings, err := store.GetDeckRatings(ctx, []string{"d1", "d2", "d3", "d4"})
	require.NoError(t, err)
	require.Len(t, ratings, 4)

	burn := ratings["d1"]
	assert.Equal(t, "Burn", burn.DeckName)
	assert.Equal(t, 4, burn.Wins)
	assert.Equal(t, 8, burn.GamesPlayed)
	assert.Greater(t, burn.Mu, model.DefaultRatingMu)

	combo := ratings["d4"]
	assert.Equal(t, 0, combo.Wins)
	assert.Equal(t, 8, combo.GamesPlayed)
	assert.Less(t, combo.Mu, model.DefaultRatingMu)

	assert.Greater(t, burn.DisplayRating(), combo.DisplayRating())
}

func TestApplyJobIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, database.CreateJobParams{
		Decks:       ratedDecks(),
		DeckIDs:     []string{"d1", "d2", "d3", "d4"},
		Simulations: 4,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	sims := []*model.Simulation{
		completedSim(job.ID, 0, []string{"Burn", "Control", "Burn", "Burn"}, []int{5, 6, 7, 8}, time.Now().UTC()),
	}

	require.NoError(t, svc.ApplyJob(ctx, job, sims))
	first, err := store.GetDeckRatings(ctx, []string{"d1", "d2"})
	require.NoError(t, err)

	// A second aggregation of the same job collides on the result ids and
	// must leave everything untouched.
	require.NoError(t, svc.ApplyJob(ctx, job, sims))
	second, err := store.GetDeckRatings(ctx, []string{"d1", "d2"})
	require.NoError(t, err)

	assert.Equal(t, first["d1"].Mu, second["d1"].Mu)
	assert.Equal(t, first["d1"].GamesPlayed, second["d1"].GamesPlayed)
	assert.Equal(t, first["d1"].Wins, second["d1"].Wins)
	assert.Equal(t, first["d2"].Mu, second["d2"].Mu)

	results, err := store.ListMatchResults(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestApplyJobFallsBackToDeckNames(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, database.CreateJobParams{
		Decks:       ratedDecks(),
		Simulations: 4,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	sims := []*model.Simulation{
		completedSim(job.ID, 0, []string{"Burn", "Burn", "Burn", "Burn"}, []int{5, 5, 5, 5}, time.Now().UTC()),
	}
	require.NoError(t, svc.ApplyJob(ctx, job, sims))

	ratings, err := store.GetDeckRatings(ctx, []string{"Burn", "Combo"})
	require.NoError(t, err)
	require.Contains(t, ratings, "Burn")
	require.Contains(t, ratings, "Combo")
	assert.Equal(t, 4, ratings["Burn"].Wins)
}

func TestApplyJobIgnoresUnfinishedSims(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, database.CreateJobParams{
		Decks:       ratedDecks(),
		DeckIDs:     []string{"d1", "d2", "d3", "d4"},
		Simulations: 8,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	failed := completedSim(job.ID, 0, []string{"Burn"}, []int{4}, time.Now().UTC())
	failed.State = model.SimFailed

	require.NoError(t, svc.ApplyJob(ctx, job, []*model.Simulation{failed}))

	has, err := store.HasMatchResults(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, has, "failed sims contribute no games")
}

func TestApplyJobTruncatesToRequestedGames(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// Six games over two containers: the second one plays only two.
	job, err := store.CreateJob(ctx, database.CreateJobParams{
		Decks:       ratedDecks(),
		DeckIDs:     []string{"d1", "d2", "d3", "d4"},
		Simulations: 6,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	sims := []*model.Simulation{
		completedSim(job.ID, 0, []string{"Burn", "Burn", "Burn", "Burn"}, []int{5, 5, 5, 5}, now),
		completedSim(job.ID, 1, []string{"Burn", "Burn", "Burn", "Burn"}, []int{5, 5, 5, 5}, now),
	}
	require.NoError(t, svc.ApplyJob(ctx, job, sims))

	results, err := store.ListMatchResults(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 6)
}

func TestRebuildReplaysMatchResults(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, database.CreateJobParams{
		Decks:       ratedDecks(),
		DeckIDs:     []string{"d1", "d2", "d3", "d4"},
		Simulations: 8,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	sims := []*model.Simulation{
		completedSim(job.ID, 0, []string{"Burn", "Control", "Aggro", "Combo"}, []int{5, 6, 7, 8}, base),
		completedSim(job.ID, 1, []string{"Burn", "Burn", "", "Control"}, []int{5, 6, 0, 8}, base.Add(time.Second)),
	}
	require.NoError(t, svc.ApplyJob(ctx, job, sims))

	want, err := store.GetDeckRatings(ctx, []string{"d1", "d2", "d3", "d4"})
	require.NoError(t, err)

	// Wreck the table, then rebuild from the recorded games.
	require.NoError(t, store.UpsertDeckRatings(ctx, []model.DeckRating{
		{DeckID: "d1", Mu: 0, Sigma: 99},
	}))

	replayed, err := svc.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, replayed)

	got, err := store.GetDeckRatings(ctx, []string{"d1", "d2", "d3", "d4"})
	require.NoError(t, err)
	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		assert.InDelta(t, want[id].Mu, got[id].Mu, 1e-9, id)
		assert.InDelta(t, want[id].Sigma, got[id].Sigma, 1e-9, id)
		assert.Equal(t, want[id].Wins, got[id].Wins, id)
		assert.Equal(t, want[id].GamesPlayed, got[id].GamesPlayed, id)
	}
}

func TestRebuildEmptyStore(t *testing.T) {
	svc, _ := newTestService(t)

	replayed, err := svc.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Zero(t, replayed)
}
