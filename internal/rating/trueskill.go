package rating

import (
	"math"

	"podsim/internal/model"

	"gonum.org/v1/gonum/stat/distuv"
)

// TrueSkill parameters, derived from the initial mean the way the reference
// implementation does.
const (
	beta = model.DefaultRatingMu / 6   // performance variance per game
	tau  = model.DefaultRatingMu / 300 // additive dynamics per game

	// Numerical guards: the CDF denominator in v, the upper bound of w, and
	// the variance floor that keeps ratings from freezing solid.
	minCDF        = 1e-10
	maxW          = 1 - 1e-10
	varianceFloor = 0.01
)

var unitNormal = distuv.UnitNormal

// vWin is the additive truncated-Gaussian correction for a win.
func vWin(t float64) float64 {
	denom := unitNormal.CDF(t)
	if denom < minCDF {
		denom = minCDF
	}
	return unitNormal.Prob(t) / denom
}

// wWin is the multiplicative variance correction for a win.
func wWin(t, v float64) float64 {
	w := v * (v + t)
	if w < 0 {
		return 0
	}
	if w > maxW {
		return maxW
	}
	return w
}

// UpdateGame applies one four-player game: the winner beats each of the
// other three in pairwise updates computed simultaneously from the pre-game
// ratings, then the per-deck deltas are applied in one step. Ties between
// the losers are not modeled; only the winner's edges carry information.
func UpdateGame(ratings map[string]model.DeckRating, winnerKey string, playerKeys []string) {
	if _, ok := ratings[winnerKey]; !ok {
		return
	}

	pre := make(map[string]model.DeckRating, len(playerKeys))
	for _, k := range playerKeys {
		pre[k] = ratings[k]
	}

	deltaMu := make(map[string]float64, len(playerKeys))
	deltaVar := make(map[string]float64, len(playerKeys))

	winner := pre[winnerKey]
	for _, lk := range playerKeys {
		if lk == winnerKey {
			continue
		}
		loser := pre[lk]

		c2 := 2*beta*beta + winner.Sigma*winner.Sigma + loser.Sigma*loser.Sigma
		c := math.Sqrt(c2)
		t := (winner.Mu - loser.Mu) / c

		v := vWin(t)
		w := wWin(t, v)

		deltaMu[winnerKey] += winner.Sigma * winner.Sigma / c * v
		deltaMu[lk] -= loser.Sigma * loser.Sigma / c * v
		deltaVar[winnerKey] += math.Pow(winner.Sigma, 4) / c2 * w
		deltaVar[lk] += math.Pow(loser.Sigma, 4) / c2 * w
	}

	for _, k := range playerKeys {
		r := ratings[k]
		prior := pre[k]

		variance := prior.Sigma*prior.Sigma - deltaVar[k]
		if variance < varianceFloor {
			variance = varianceFloor
		}

		r.Mu = prior.Mu + deltaMu[k]
		r.Sigma = math.Sqrt(variance + tau*tau)
		ratings[k] = r
	}
}
