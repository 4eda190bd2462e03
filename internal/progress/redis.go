package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"podsim/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Projections expire on their own so crashed jobs do not leak keys.
const projectionTTL = 24 * time.Hour

type redisChannel struct {
	client *redis.Client
	prefix string
}

func newRedisChannel(cfg config.RedisConfig) (Channel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to connect to Redis")
		return nil, err
	}

	log.Info().
		Str("address", cfg.Address).
		Str("prefix", cfg.Prefix).
		Int("db", cfg.DB).
		Msg("Progress channel initialized")

	return &redisChannel{client: client, prefix: cfg.Prefix}, nil
}

func (c *redisChannel) jobKey(jobID string) string {
	return fmt.Sprintf("%s:jobs:%s", c.prefix, jobID)
}

func (c *redisChannel) simsKey(jobID string) string {
	return fmt.Sprintf("%s:jobs:%s:sims", c.prefix, jobID)
}

func (c *redisChannel) eventsKey(jobID string) string {
	return fmt.Sprintf("%s:jobs:%s:events", c.prefix, jobID)
}

func (c *redisChannel) UpdateJobProgress(ctx context.Context, jobID string, fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	key := c.jobKey(jobID)

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, projectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to update job progress")
		return
	}

	c.notify(ctx, jobID)
}

func (c *redisChannel) UpdateSimProgress(ctx context.Context, jobID, simID string, fields map[string]interface{}) {
	entry, err := json.Marshal(fields)
	if err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Str("simID", simID).Msg("Failed to marshal sim progress")
		return
	}
	key := c.simsKey(jobID)

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, simID, entry)
	pipe.Expire(ctx, key, projectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Str("simID", simID).Msg("Failed to update sim progress")
		return
	}

	c.notify(ctx, jobID)
}

func (c *redisChannel) DeleteJobProgress(ctx context.Context, jobID string) {
	if err := c.client.Del(ctx, c.jobKey(jobID), c.simsKey(jobID)).Err(); err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to delete job progress")
		return
	}

	log.Debug().Str("jobID", jobID).Msg("Deleted job progress projection")
	c.notify(ctx, jobID)
}

func (c *redisChannel) notify(ctx context.Context, jobID string) {
	if err := c.client.Publish(ctx, c.eventsKey(jobID), "1").Err(); err != nil {
		log.Debug().Err(err).Str("jobID", jobID).Msg("Failed to publish progress event")
	}
}

// Subscribe forwards pubsub messages as coalesced struct{} ticks. A slow
// receiver drops intermediate ticks rather than lagging; each tick means
// "re-snapshot now".
func (c *redisChannel) Subscribe(ctx context.Context, jobID string) (<-chan struct{}, func()) {
	pubsub := c.client.Subscribe(ctx, c.eventsKey(jobID))
	ticks := make(chan struct{}, 1)

	go func() {
		defer close(ticks)
		for range pubsub.Channel() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			log.Debug().Err(err).Str("jobID", jobID).Msg("Failed to close progress subscription")
		}
	}
	return ticks, cancel
}

func (c *redisChannel) Live() bool { return true }

func (c *redisChannel) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to ping Redis")
		return err
	}
	return nil
}

func (c *redisChannel) Close() error {
	log.Info().Msg("Closing progress channel connection")
	return c.client.Close()
}
