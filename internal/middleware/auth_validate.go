package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clubchat/internal/logger"
)

// signedRequest — подпись запроса клиентом: заголовки X-Session-Id, X-Timestamp, X-Signature
// (для WebSocket — одноимённые query-параметры, браузер не умеет заголовки в upgrade).
type signedRequest struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Body      string `json:"body"`
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AuthServiceValidate спрашивает у внешнего сервиса авторизации, какому пользователю
// принадлежит подписанный запрос, и кладёт user_id в контекст.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	validateURL := strings.TrimSuffix(authServiceURL, "/") + "/internal/validate"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := signedRequest{
				SessionID: headerOrQuery(r, "X-Session-Id", "session_id"),
				Timestamp: headerOrQuery(r, "X-Timestamp", "timestamp"),
				Signature: headerOrQuery(r, "X-Signature", "signature"),
				Method:    r.Method,
				// Путь для подписи: только pathname, без query.
				Path: r.URL.Path,
			}
			if sr.SessionID == "" || sr.Timestamp == "" || sr.Signature == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if r.Body != nil {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					writeAuthError(w, http.StatusBadRequest, "bad request")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				sr.Body = string(body)
			}

			jsonBody, _ := json.Marshal(sr)
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, validateURL, bytes.NewReader(jsonBody))
			if err != nil {
				writeAuthError(w, http.StatusInternalServerError, "internal")
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				logger.Errorf("auth validate session=%s: %v", MaskSessionID(sr.SessionID), err)
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				logger.Debugf("auth validate session=%s: status %d", MaskSessionID(sr.SessionID), resp.StatusCode)
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			var result struct {
				UserID string `json:"user_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), result.UserID)))
		})
	}
}
