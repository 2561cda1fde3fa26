package storage

import "context"

// RateLimiter — счётчик событий за скользящее окно (лимит отправки сообщений).
// Реализации: redis.Client (общий для всех экземпляров API), memory.Client (один процесс).
type RateLimiter interface {
	// Allow учитывает событие по ключу и сообщает, укладывается ли оно в лимит.
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}
