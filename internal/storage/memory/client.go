package memory

import (
	"context"
	"sync"
	"time"
)

// Client — скользящее окно в памяти процесса.
type Client struct {
	mu     sync.Mutex
	limit  map[string][]time.Time
	max    int
	window time.Duration
	now    func() time.Time
}

func New(max int, window time.Duration) *Client {
	return &Client{
		limit:  make(map[string][]time.Time),
		max:    max,
		window: window,
		now:    time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Allow(_ context.Context, key string) (bool, error) {
	if c.max <= 0 {
		return true, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cut := now.Add(-c.window)
	slice := c.limit[key]
	i := 0
	for _, t := range slice {
		if t.After(cut) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= c.max {
		c.limit[key] = slice
		return false, nil
	}
	c.limit[key] = append(slice, now)
	return true, nil
}
