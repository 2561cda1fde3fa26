package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/clubchat/internal/logger"
)

// Redis fans events out over Pub/Sub channels "<prefix>:<roomID>".
type Redis struct {
	cli    *redis.Client
	prefix string
	owned  bool
}

// NewRedis uses an existing client; Close does not close it.
func NewRedis(cli *redis.Client, prefix string) *Redis {
	return &Redis{cli: cli, prefix: prefix}
}

// DialRedis connects its own client from a redis:// URL.
func DialRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{cli: cli, prefix: prefix, owned: true}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) channel(roomID string) string {
	return r.prefix + ":" + roomID
}

func (r *Redis) Publish(ctx context.Context, roomID string, data []byte) error {
	if err := r.cli.Publish(ctx, r.channel(roomID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, fn Handler) error {
	ps := r.cli.PSubscribe(ctx, r.prefix+":*")
	// Wait for the subscription to be confirmed so the first events are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					logger.Warnf("broker: redis subscription closed")
					return
				}
				roomID := strings.TrimPrefix(m.Channel, r.prefix+":")
				fn(roomID, []byte(m.Payload))
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.cli.Close()
}
