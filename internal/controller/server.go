package controller

import (
	"context"

	"podsim/internal/blob"
	"podsim/internal/broker"
	"podsim/internal/database"
	"podsim/internal/progress"
)

// ServerController reports per-component health for the readiness probe.
type ServerController interface {
	DBHealth() error
	BrokerHealth() error
	ProgressHealth() error
	BlobHealth() error
	Online() string
}

type serverController struct {
	store    database.Store
	broker   broker.TaskBroker
	progress progress.Channel
	blobs    blob.Store
}

// NewServer wires the health probes. broker may be nil in polling mode;
// its probe then reports healthy since nothing depends on it.
func NewServer(store database.Store, taskBroker broker.TaskBroker, ch progress.Channel, blobs blob.Store) ServerController {
	return &serverController{
		store:    store,
		broker:   taskBroker,
		progress: ch,
		blobs:    blobs,
	}
}

func (sc *serverController) Online() string {
	return "Online"
}

func (sc *serverController) DBHealth() error {
	return sc.store.Health()
}

func (sc *serverController) BrokerHealth() error {
	if sc.broker == nil {
		return nil
	}
	return sc.broker.Health()
}

func (sc *serverController) ProgressHealth() error {
	return sc.progress.Ping(context.TODO())
}

func (sc *serverController) BlobHealth() error {
	return sc.blobs.Health(context.TODO())
}
