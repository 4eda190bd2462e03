package blob

import (
	"context"
	"errors"
	"io"

	"podsim/internal/config"
)

// ErrNotExist is returned by reads of keys that were never uploaded. The
// aggregator tolerates it: a failed simulation has no raw log.
var ErrNotExist = errors.New("blob does not exist")

// Store holds the job artifacts: raw per-game logs uploaded by workers under
// jobs/{jobId}/raw/, and the condensed results the aggregator writes next to
// them.
type Store interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
}

// New selects the backend: a configured bucket selects S3, otherwise
// artifacts land on the local filesystem for single-host setups.
func New(cfg config.S3Config) (Store, error) {
	if cfg.Bucket != "" {
		return newS3Store(cfg)
	}
	return newFSStore(cfg.LocalDir)
}
