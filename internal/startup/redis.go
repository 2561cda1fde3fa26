package startup

import (
	"context"
	"time"

	"github.com/clubchat/internal/broker"
	redisstorage "github.com/clubchat/internal/storage/redis"
)

// ConnectRedisWithRetry подключает лимитер отправки на Redis с повторами.
func ConnectRedisWithRetry(redisURL string, max int, window, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	return retry("redis connect", maxWait, logPrefix, func() (*redisstorage.Client, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisstorage.New(ctx, redisURL, max, window)
	})
}

// ConnectRedisBrokerWithRetry подключает брокер комнат на Redis Pub/Sub.
func ConnectRedisBrokerWithRetry(redisURL, prefix string, maxWait time.Duration, logPrefix string) *broker.Redis {
	return retry("redis broker connect", maxWait, logPrefix, func() (*broker.Redis, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return broker.DialRedis(ctx, redisURL, prefix)
	})
}
