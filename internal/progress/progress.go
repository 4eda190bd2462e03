package progress

import (
	"context"

	"podsim/internal/config"
)

// Channel is the ephemeral low-latency projection of job progress. The store
// stays the row of record: writes here are fire-and-forget, failures are
// logged and never surfaced, and a missing projection only degrades stream
// latency.
type Channel interface {
	// UpdateJobProgress merges scalar fields into the job's projection.
	UpdateJobProgress(ctx context.Context, jobID string, fields map[string]interface{})

	// UpdateSimProgress replaces one simulation's entry in the job's
	// projection.
	UpdateSimProgress(ctx context.Context, jobID, simID string, fields map[string]interface{})

	// DeleteJobProgress drops the whole projection once a job is terminal
	// and aggregated.
	DeleteJobProgress(ctx context.Context, jobID string)

	// Subscribe returns a coalesced notification stream that fires whenever
	// the job's projection changes, plus a cancel func. Push-mode streaming
	// re-snapshots on each notification.
	Subscribe(ctx context.Context, jobID string) (<-chan struct{}, func())

	// Live reports whether Subscribe delivers real notifications. Streamers
	// fall back to polling when it does not.
	Live() bool

	Ping(ctx context.Context) error
	Close() error
}

// New selects the backend: a configured Redis address enables the live
// channel, otherwise updates are dropped and streaming falls back to polling.
func New(cfg config.RedisConfig) (Channel, error) {
	if cfg.Address == "" {
		return NewNoop(), nil
	}
	return newRedisChannel(cfg)
}
