package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig holds the pub/sub bridge settings.
type RedisConfig struct {
	Addr    string
	Channel string
}

// RedisBus publishes progress events on a Redis channel so that other host
// instances and the push-notification layer can forward them to clients.
type RedisBus struct {
	logger  *slog.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(cfg *RedisConfig, logger *slog.Logger) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "job-progress"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{logger: logger, rdb: rdb, channel: channel}, nil
}

// Publish serializes the event and publishes it. Errors are logged, never
// surfaced: progress delivery is best-effort by design.
func (b *RedisBus) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to marshal progress event",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.Warn("Failed to publish progress event to redis",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
	}
}

// Forward subscribes to the channel and invokes onEvent for every decoded
// event until ctx is cancelled. Used by hosts that relay cross-process events
// into their local hub.
func (b *RedisBus) Forward(ctx context.Context, onEvent func(Event)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Bad progress event payload on redis channel",
						slog.Any("error", err),
					)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
