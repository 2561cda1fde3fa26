package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "chat_limit:"

// Client — лимитер на Redis (INCR + EXPIRE): окно фиксированное, общее для всех экземпляров API.
type Client struct {
	cli    *redis.Client
	max    int
	window time.Duration
}

func New(ctx context.Context, url string, max int, window time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, max: max, window: window}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Redis возвращает нижележащий клиент (используется брокером Pub/Sub).
func (c *Client) Redis() *redis.Client {
	return c.cli
}

// Allow увеличивает chat_limit:{key}; первый инкремент в окне выставляет TTL.
func (c *Client) Allow(ctx context.Context, key string) (bool, error) {
	if c.max <= 0 {
		return true, nil
	}
	k := keyPrefix + key
	n, err := c.cli.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	if n == 1 {
		c.cli.Expire(ctx, k, c.window)
	}
	return n <= int64(c.max), nil
}
