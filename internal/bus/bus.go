// Package bus publishes tick events onto Redis Streams so dashboards
// and downstream consumers can follow a run live. The stream is a
// best-effort mirror; the run logs stay authoritative.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/driftville/internal/scheduler"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const tickStream = "driftville:ticks"

// Bus is a Redis Streams tick publisher.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// PublishTick appends one tick event to the stream.
func (b *Bus) PublishTick(ctx context.Context, ev *scheduler.TickEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: tickStream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish tick: %w", err)
	}
	b.logger.Debug("tick published",
		zap.String("persona", ev.Persona),
		zap.Int("tick", ev.Tick))
	return nil
}

// Subscribe follows the tick stream from now on. Cancel the context to
// stop; the channel closes when the reader exits.
func (b *Bus) Subscribe(ctx context.Context) <-chan *scheduler.TickEvent {
	ch := make(chan *scheduler.TickEvent, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{tickStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev scheduler.TickEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
