package startup

import (
	"os"
	"time"

	"github.com/clubchat/internal/logger"
)

const maxBackoff = 30 * time.Second

// retry вызывает connect, пока он не вернёт nil или не истечёт maxWait.
// При исчерпании времени процесс завершается: без зависимостей API не стартует.
func retry[T any](what string, maxWait time.Duration, logPrefix string, connect func() (T, error)) T {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		v, err := connect()
		if err == nil {
			return v
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
