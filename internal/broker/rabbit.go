package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"podsim/internal/config"
	"podsim/internal/rabbitmq"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type rabbitBroker struct {
	client   rabbitmq.Client
	cfg      config.RabbitConfig
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewRabbit declares the task topology (direct exchange, durable queue,
// binding) and returns a broker over the given client. Declaration is
// idempotent, so API and workers can both run it at boot.
func NewRabbit(client rabbitmq.Client, cfg config.RabbitConfig) (TaskBroker, error) {
	if err := client.DeclareExchange(cfg.ExchangeName, "direct"); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := client.DeclareQueue(cfg.QueueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.QueueName, err)
	}
	if err := client.BindQueue(cfg.QueueName, cfg.ExchangeName, cfg.RoutingKey); err != nil {
		return nil, fmt.Errorf("failed to bind queue %s: %w", cfg.QueueName, err)
	}

	log.Info().
		Str("exchange", cfg.ExchangeName).
		Str("queue", cfg.QueueName).
		Str("routingKey", cfg.RoutingKey).
		Msg("Task topology declared")

	return &rabbitBroker{
		client:   client,
		cfg:      cfg,
		shutdown: make(chan struct{}),
	}, nil
}

func (b *rabbitBroker) PublishSimulationTask(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	headers := amqp.Table{
		"job_id": task.JobID,
		"sim_id": task.SimID,
	}

	if err := b.client.Publish(b.cfg.ExchangeName, b.cfg.RoutingKey, body, headers); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	log.Debug().
		Str("jobID", task.JobID).
		Str("simID", task.SimID).
		Msg("Published simulation task")
	return nil
}

// Subscribe starts the consume loop. Each delivery is handled on its own
// goroutine; the channel prefetch bounds how many are unacked at once, so
// concurrency follows the worker's capacity. The loop re-establishes the
// consumer whenever the delivery channel closes, which happens on broker
// restarts.
func (b *rabbitBroker) Subscribe(ctx context.Context, handler Handler) error {
	consumerTag := fmt.Sprintf("tasks-consumer-%s", uuid.NewString())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		log.Info().
			Str("queue", b.cfg.QueueName).
			Str("consumerTag", consumerTag).
			Msg("Starting task consumer")

		for {
			deliveries, err := b.client.Consume(b.cfg.QueueName, consumerTag)
			if err != nil {
				log.Error().
					Err(err).
					Str("queue", b.cfg.QueueName).
					Msg("Failed to consume from queue")
				if !b.pause(ctx, 5*time.Second) {
					return
				}
				continue
			}

		consume:
			for {
				select {
				case <-ctx.Done():
					log.Info().Str("consumerTag", consumerTag).Msg("Context cancelled, stopping consumer")
					return
				case <-b.shutdown:
					log.Info().Str("consumerTag", consumerTag).Msg("Shutdown signal received, stopping consumer")
					return
				case delivery, ok := <-deliveries:
					if !ok {
						break consume
					}
					go b.processDelivery(ctx, delivery, handler)
				}
			}

			log.Warn().
				Str("queue", b.cfg.QueueName).
				Str("consumerTag", consumerTag).
				Msg("Consumer channel closed, reconnecting")
			if !b.pause(ctx, 5*time.Second) {
				return
			}
		}
	}()

	return nil
}

// pause sleeps for d unless a stop signal arrives first.
func (b *rabbitBroker) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-b.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}

func (b *rabbitBroker) processDelivery(ctx context.Context, delivery amqp.Delivery, handler Handler) {
	var task Task
	if err := json.Unmarshal(delivery.Body, &task); err != nil || task.JobID == "" || task.SimID == "" {
		log.Error().Err(err).Msg("Malformed task message, rejecting")
		delivery.Nack(false, false)
		return
	}

	if err := handler(ctx, task); err != nil {
		log.Warn().
			Err(err).
			Str("jobID", task.JobID).
			Str("simID", task.SimID).
			Msg("Task handling failed, requeueing")
		// Hold the delivery before the nack so a persistent fault does not
		// spin the requeue loop; the prefetch slot stays occupied meanwhile.
		time.Sleep(time.Second)
		delivery.Nack(false, true)
		return
	}

	delivery.Ack(false)
}

// Stop ends the consume loop. In-flight handlers keep running; callers drain
// those separately before closing the connection.
func (b *rabbitBroker) Stop() {
	close(b.shutdown)
	b.wg.Wait()
	log.Info().Msg("Task consumer stopped")
}

func (b *rabbitBroker) Health() error {
	return b.client.Health()
}

func (b *rabbitBroker) Close() error {
	return b.client.Close()
}
