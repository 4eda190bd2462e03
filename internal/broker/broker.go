package broker

import "context"

// Task is one simulation assignment on the wire. The row of record lives in
// the store; the message carries just enough for a worker to claim it, and a
// redelivered copy is harmless because the claim is a conditional write.
type Task struct {
	JobID     string `json:"jobId"`
	SimID     string `json:"simId"`
	SimIndex  int    `json:"simIndex"`
	TotalSims int    `json:"totalSims"`
}

// Handler processes one delivered task. A nil return acks the message, which
// is correct even for failed simulations: recovery republishes those. An
// error requeues the delivery for another worker.
type Handler func(ctx context.Context, task Task) error

// Publisher is the dispatch side of the task stream.
type Publisher interface {
	PublishSimulationTask(ctx context.Context, task Task) error
}

// Consumer is the worker side of the task stream.
type Consumer interface {
	// Subscribe starts the consume loop in the background. Delivery pacing
	// comes from the channel prefetch: unacked tasks hold the slots.
	Subscribe(ctx context.Context, handler Handler) error

	// Stop shuts the consume loop down and waits for it to exit.
	Stop()
}

// TaskBroker is both ends of the task stream plus its lifecycle.
type TaskBroker interface {
	Publisher
	Consumer

	Health() error
	Close() error
}
