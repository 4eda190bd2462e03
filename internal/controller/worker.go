package controller

import (
	"context"
	"fmt"
	"time"

	"podsim/internal/database"
	"podsim/internal/model"

	"github.com/rs/zerolog/log"
)

// WorkerController handles worker fleet registration and visibility.
type WorkerController interface {
	// Heartbeat merges a worker's liveness report and returns the stored
	// row, including operator-managed fields the worker cannot set.
	Heartbeat(ctx context.Context, info *model.WorkerInfo) (*model.WorkerInfo, error)

	// ListWorkers returns the currently active fleet.
	ListWorkers(ctx context.Context) ([]*model.WorkerInfo, error)
}

type workerController struct {
	store database.Store
}

// NewWorkerController creates the worker fleet controller.
func NewWorkerController(store database.Store) WorkerController {
	return &workerController{store: store}
}

func (c *workerController) Heartbeat(ctx context.Context, info *model.WorkerInfo) (*model.WorkerInfo, error) {
	if info.WorkerID == "" {
		return nil, fmt.Errorf("%w: missing workerId", ErrValidation)
	}
	if info.Status == "" {
		info.Status = model.WorkerIdle
	}
	// The server clock stamps liveness so skewed workers cannot park
	// themselves in the active set.
	info.LastHeartbeat = time.Now().UTC()

	if err := c.store.UpsertWorkerHeartbeat(ctx, info); err != nil {
		return nil, err
	}

	stored, err := c.store.GetWorker(ctx, info.WorkerID)
	if err != nil {
		log.Warn().Err(err).Str("workerID", info.WorkerID).Msg("Failed to read back worker heartbeat")
		return info, nil
	}
	return stored, nil
}

func (c *workerController) ListWorkers(ctx context.Context) ([]*model.WorkerInfo, error) {
	return c.store.ListActiveWorkers(ctx, time.Now().UTC())
}
