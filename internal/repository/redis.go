package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fiscalprint/internal/config"
	"fiscalprint/internal/models"
	"fiscalprint/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const subscribeConfirmTimeout = 5 * time.Second

// RedisChangeFeed carries print request changes between daemon instances over
// a Redis pub/sub channel.
type RedisChangeFeed struct {
	client  *redis.Client
	channel string
	retry   worker.RetryPolicy
	logger  *zerolog.Logger
}

// NewRedisClient builds a client from the redis config section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisChangeFeed(client *redis.Client, channel string, logger *zerolog.Logger) *RedisChangeFeed {
	if channel == "" {
		channel = "print_requests:changes"
	}
	return &RedisChangeFeed{
		client:  client,
		channel: channel,
		retry: worker.RetryPolicy{
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
		},
		logger: logger,
	}
}

func (f *RedisChangeFeed) Publish(ctx context.Context, change models.PrintRequestChange) error {
	if f.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change to redis: %w", err)
	}
	return nil
}

// Subscribe waits for the first subscription attempt to settle and keeps
// resubscribing with backoff in the background until unsubscribed.
func (f *RedisChangeFeed) Subscribe(handler func(models.PrintRequestChange)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		f.run(ctx, handler, ready)
	}()

	select {
	case <-ready:
	case <-time.After(subscribeConfirmTimeout):
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (f *RedisChangeFeed) run(ctx context.Context, handler func(models.PrintRequestChange), ready chan struct{}) {
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(ready) }) }
	defer markReady()

	attempt := 0
	for {
		if f.client == nil {
			f.logger.Error().Msg("Redis client is nil, change feed subscription disabled")
			return
		}

		ps := f.client.Subscribe(ctx, f.channel)
		confirmCtx, confirmCancel := context.WithTimeout(ctx, subscribeConfirmTimeout)
		_, err := ps.Receive(confirmCtx)
		confirmCancel()
		if err != nil {
			ps.Close()
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := f.retry.NextDelay(attempt)
			f.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Str("channel", f.channel).
				Msg("Failed to subscribe to redis change feed")
			markReady()
			if f.retry.Wait(ctx, attempt) != nil {
				return
			}
			continue
		}

		attempt = 0
		markReady()
		f.logger.Debug().Str("channel", f.channel).Msg("Subscribed to redis change feed")
		f.consume(ctx, ps, handler)
		ps.Close()
		if ctx.Err() != nil {
			return
		}
	}
}

func (f *RedisChangeFeed) consume(ctx context.Context, ps *redis.PubSub, handler func(models.PrintRequestChange)) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change models.PrintRequestChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				f.logger.Warn().Err(err).Msg("Dropping malformed change feed message")
				continue
			}
			handler(change)
		}
	}
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
