package middleware

import (
	"net/http"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/metrics"
	"github.com/clubchat/internal/storage"
)

// RateLimitAPI ограничивает запросы к /api/* по IP и по user_id (если есть в контексте). 429 при превышении.
// Ошибка лимитера запрос не блокирует.
func RateLimitAPI(byIP, byUser storage.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(r, byIP, "ip:"+clientIP(r), "ip") {
				writeAuthError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			if userID := GetUserID(r.Context()); userID != "" && !allow(r, byUser, "u:"+userID, "user") {
				writeAuthError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allow(r *http.Request, l storage.RateLimiter, key, scope string) bool {
	if l == nil {
		return true
	}
	ok, err := l.Allow(r.Context(), key)
	if err != nil {
		logger.Warnf("api rate limit %s: %v", scope, err)
		return true
	}
	if !ok {
		metrics.RateLimitHits.WithLabelValues(scope).Inc()
	}
	return ok
}
