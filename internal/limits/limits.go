package limits

import (
	"context"
	"errors"
	"fmt"

	"podsim/internal/database"

	"github.com/rs/zerolog/log"
)

// ErrLimitExceeded is returned when a create would push a user past their
// allowance. The API maps it to 429.
var ErrLimitExceeded = errors.New("active job limit reached")

// Limiter gates job creation. Business policies beyond the stock per-user
// cap plug in here.
type Limiter interface {
	CheckCreate(ctx context.Context, userID string) error
}

type maxActiveLimiter struct {
	store     database.JobStore
	maxActive int
}

// NewMaxActive caps how many QUEUED/RUNNING jobs one user may hold. A
// non-positive cap disables the check.
func NewMaxActive(store database.JobStore, maxActive int) Limiter {
	return &maxActiveLimiter{store: store, maxActive: maxActive}
}

func (l *maxActiveLimiter) CheckCreate(ctx context.Context, userID string) error {
	if l.maxActive <= 0 {
		return nil
	}

	jobs, err := l.store.ListActiveJobs(ctx)
	if err != nil {
		return err
	}

	active := 0
	for _, job := range jobs {
		if job.CreatedBy == userID {
			active++
		}
	}

	if active >= l.maxActive {
		log.Info().Str("userID", userID).Int("active", active).Msg("Job creation blocked by active limit")
		return fmt.Errorf("%w: %d of %d jobs active", ErrLimitExceeded, active, l.maxActive)
	}
	return nil
}
