package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/model"
)

const maxPreview = 120

// Client вызывает внешний сервис пуш-уведомлений. Если URL пустой — методы no-op.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. baseURL пустой — пуши отключены.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Enabled() bool { return c.baseURL != "" }

// NotifyRequest — запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Notify отправляет пуш о новом сообщении каждому из userIDs. Ошибки только логируются.
func (c *Client) Notify(ctx context.Context, userIDs []string, msg *model.Message) {
	if c.baseURL == "" || msg == nil {
		return
	}
	body := preview(msg.Body)
	data := map[string]string{"group_id": msg.RoomID, "message_id": msg.ID, "sender_id": msg.SenderID}
	for _, uid := range userIDs {
		if err := c.send(ctx, NotifyRequest{UserID: uid, Title: "New message", Body: body, Data: data}); err != nil {
			logger.Errorf("push notify user=%s message=%s: %v", uid, msg.ID, err)
		}
	}
}

func (c *Client) send(ctx context.Context, payload NotifyRequest) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push notify: %d", resp.StatusCode)
	}
	return nil
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= maxPreview {
		return s
	}
	r := []rune(s)
	return string(r[:maxPreview-3]) + "..."
}
