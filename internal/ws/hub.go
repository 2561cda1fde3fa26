package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clubchat/internal/broker"
	"github.com/clubchat/internal/chat"
	"github.com/clubchat/internal/config"
	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/metrics"
	"github.com/clubchat/internal/model"
)

const (
	defaultEventTimeout = 5 * time.Second
	defaultMaxConns     = 10000
	pushTimeout         = 10 * time.Second
)

// ChatService is the part of the messaging engine the sessions drive.
type ChatService interface {
	Join(ctx context.Context, userID string, req chat.JoinRequest, attach func(room *model.Room, history []model.Message)) (*chat.JoinResult, error)
	Send(ctx context.Context, userID string, req chat.SendRequest, publish func(msg *model.Message, recipients []string)) (*model.Message, error)
	Delete(ctx context.Context, userID string, req chat.DeleteRequest) ([]string, error)
}

// PushNotifier notifies room members that have no open session. A nil notifier disables push.
type PushNotifier interface {
	Notify(ctx context.Context, userIDs []string, msg *model.Message)
}

type eventHandler func(ctx context.Context, c *Client, msg IncomingMessage) error

type Hub struct {
	cfg      config.WSConfig
	chat     ChatService
	broker   broker.Broker
	router   *Router
	push     PushNotifier
	handlers map[EventType]eventHandler

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	pushes sync.WaitGroup
}

func NewHub(svc ChatService, b broker.Broker, push PushNotifier, cfg config.WSConfig) *Hub {
	cfg = withClientDefaults(cfg)
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConns
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = defaultEventTimeout
	}
	h := &Hub{
		cfg:    cfg,
		chat:   svc,
		broker: b,
		router: NewRouter(),
		push:   push,
		done:   make(chan struct{}),
	}
	h.handlers = map[EventType]eventHandler{
		EventJoin:       h.handleJoin,
		EventSend:       h.handleSend,
		EventDelete:     h.handleDelete,
		EventLeave:      h.handleLeave,
		EventDisconnect: h.handleDisconnect,
	}
	return h
}

func (h *Hub) Router() *Router { return h.router }

// Subscribe starts receiving room events from the broker and fanning them out
// to the local sessions. Must be called before sessions are registered.
func (h *Hub) Subscribe(ctx context.Context) error {
	if err := h.broker.Subscribe(ctx, h.deliver); err != nil {
		return fmt.Errorf("hub subscribe %s: %w", h.broker.Name(), err)
	}
	return nil
}

func (h *Hub) deliver(roomID string, data []byte) {
	h.router.Broadcast(roomID, data)
}

// Run blocks until ctx is done and then closes every session.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.shutdown()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	clients := h.router.Close()
	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
	for _, c := range clients {
		c.Wait()
	}
	h.pushes.Wait()
	metrics.WSSessions.Set(0)
}

// Register attaches c as its user's session. A previous session of the same
// user is closed with CloseSessionReplaced. Returns false if c was rejected.
func (h *Hub) Register(c *Client) bool {
	// shutdown flips closed under h.mu before it drains the router, so a
	// session attached here is either drained or rejected.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
		return false
	}
	if h.router.Len() >= h.cfg.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.cfg.MaxConnections, c.userID)
		c.closeWith(websocket.CloseTryAgainLater, "connection limit reached")
		return false
	}
	previous := h.router.Attach(c)
	h.mu.Unlock()

	metrics.WSSessions.Set(float64(h.router.Len()))
	if previous != nil {
		logger.Infof("ws session replaced user=%s", c.userID)
		previous.closeWith(CloseSessionReplaced, "session replaced")
	}
	return true
}

// Unregister drops c with all its subscriptions and closes it.
func (h *Hub) Unregister(c *Client) {
	if h.router.Detach(c) {
		metrics.WSSessions.Set(float64(h.router.Len()))
	}
	c.Close()
}

// HandleMessage dispatches incoming WebSocket messages. Errors are reported
// to the issuing session only and never end it.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	handler, ok := h.handlers[msg.Type]
	if !ok {
		metrics.WSEvents.WithLabelValues("unknown", "error").Inc()
		c.sendEvent(OutgoingMessage{Type: EventError, Payload: "unknown event type"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.EventTimeout)
	defer cancel()

	if err := handler(ctx, c, msg); err != nil {
		metrics.WSEvents.WithLabelValues(string(msg.Type), "error").Inc()
		if errors.Is(err, chat.ErrStoreUnavailable) || !isClientError(err) {
			logger.Errorf("ws %s user=%s: %v", msg.Type, c.userID, err)
		} else {
			logger.Debugf("ws %s user=%s: %v", msg.Type, c.userID, err)
		}
		c.sendEvent(OutgoingMessage{Type: EventError, Payload: chat.Describe(err)})
		return
	}
	metrics.WSEvents.WithLabelValues(string(msg.Type), "ok").Inc()
}

func isClientError(err error) bool {
	return errors.Is(err, chat.ErrNotFound) ||
		errors.Is(err, chat.ErrInvalidPayload) ||
		errors.Is(err, chat.ErrRateLimited) ||
		errors.Is(err, chat.ErrConflict)
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	req := chat.JoinRequest{SenderID: msg.SenderID, RecipientID: msg.RecipientID, GroupID: msg.GroupID}
	res, err := h.chat.Join(ctx, c.userID, req, func(room *model.Room, history []model.Message) {
		// Runs under the room lock: nothing published to the room can be
		// queued between these frames.
		if !h.router.Join(room.ID, c) {
			return
		}
		if history == nil {
			history = []model.Message{}
		}
		c.sendEvent(OutgoingMessage{Type: EventJoined, Payload: JoinedPayload{
			GroupID: room.ID,
			Kind:    room.Kind,
			Name:    room.CanonicalName,
		}})
		c.sendEvent(OutgoingMessage{Type: EventHistory, Payload: history})
	})
	if err != nil {
		return err
	}
	if res.Created {
		logger.Infof("ws user=%s opened new room %s", c.userID, res.Room.ID)
	}
	return nil
}

func (h *Hub) handleSend(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	req := chat.SendRequest{
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		GroupID:     msg.GroupID,
		Body:        msg.Message,
	}
	if msg.MessageTime != nil {
		req.SentAt = msg.MessageTime.UTC()
	}
	_, err := h.chat.Send(ctx, c.userID, req, func(m *model.Message, recipients []string) {
		h.publish(ctx, m, recipients)
	})
	return err
}

// publish hands a persisted message to the broker and pushes it to members
// without a session on this instance.
func (h *Hub) publish(ctx context.Context, m *model.Message, recipients []string) {
	data, err := encode(OutgoingMessage{Type: EventMessage, Payload: m})
	if err != nil {
		logger.Errorf("ws encode message %s: %v", m.ID, err)
		return
	}
	if err := h.broker.Publish(ctx, m.RoomID, data); err != nil {
		metrics.BrokerPublishErrors.WithLabelValues(h.broker.Name()).Inc()
		logger.Errorf("ws publish room=%s message=%s via %s: %v", m.RoomID, m.ID, h.broker.Name(), err)
	}

	if h.push == nil {
		return
	}
	offline := make([]string, 0, len(recipients))
	for _, uid := range recipients {
		if !h.router.Online(uid) {
			offline = append(offline, uid)
		}
	}
	if len(offline) == 0 {
		return
	}
	h.pushes.Add(1)
	go func() {
		defer h.pushes.Done()
		pctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		h.push.Notify(pctx, offline, m)
	}()
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleDelete", time.Now())()
	ids, err := h.chat.Delete(ctx, c.userID, chat.DeleteRequest{
		MessageID: msg.MessageID,
		GroupID:   msg.GroupID,
		UserID:    msg.UserID,
	})
	if err != nil {
		return err
	}
	c.sendEvent(OutgoingMessage{Type: EventDeleteSuccess, Payload: fmt.Sprintf("deleted %d message(s)", len(ids))})
	return nil
}

func (h *Hub) handleLeave(_ context.Context, c *Client, msg IncomingMessage) error {
	if msg.GroupID == "" {
		return fmt.Errorf("%w: groupId is required", chat.ErrInvalidPayload)
	}
	h.router.Leave(msg.GroupID, c)
	return nil
}

func (h *Hub) handleDisconnect(_ context.Context, c *Client, _ IncomingMessage) error {
	h.Unregister(c)
	return nil
}
