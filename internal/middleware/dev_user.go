package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/clubchat/internal/logger"
)

// UserRegistrar записывает пользователя в локальную проекцию хранилища пользователей.
type UserRegistrar interface {
	RegisterUser(ctx context.Context, userID, displayName string) error
}

// DevUser берёт user_id из X-User-Id (или ?user_id= для WebSocket) без проверки подписи.
// Только для -dev и -memory: пользователь сразу регистрируется, чтобы с ним можно было открыть диалог.
func DevUser(users UserRegistrar) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(headerOrQuery(r, "X-User-Id", "user_id"))
			if userID == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if users != nil {
				if err := users.RegisterUser(r.Context(), userID, ""); err != nil {
					logger.Errorf("dev user register %s: %v", userID, err)
					writeAuthError(w, http.StatusServiceUnavailable, "user store unavailable")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
