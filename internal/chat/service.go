// Package chat is the messaging engine: it resolves rooms, enforces
// membership, persists and tombstones messages, and hands persisted messages
// to the session layer for broadcast.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/oklog/ulid/v2"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/metrics"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/roomkey"
)

const (
	MaxBodyLength    = 4000
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

type RoomStore interface {
	FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (*model.Room, bool, error)
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	GetGroupRoom(ctx context.Context, roomID string) (*model.Room, error)
	CreateGroupRoom(ctx context.Context, room *model.Room, creatorID string) error
	AddMember(ctx context.Context, m *model.Membership) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	MemberIDs(ctx context.Context, roomID string) ([]string, error)
	UpdateMemberLastRead(ctx context.Context, roomID, userID string, t time.Time) error
	HideRoomForUser(ctx context.Context, roomID, userID string) error
	UnhideRoomForUser(ctx context.Context, roomID, userID string) error
	ReactivateRoom(ctx context.Context, roomID string) error
	ListUserRooms(ctx context.Context, q model.RoomQuery) ([]model.RoomSummary, int, error)
}

type MessageStore interface {
	ListVisible(ctx context.Context, roomID, userID string) ([]model.Message, error)
	Append(ctx context.Context, m *model.Message) error
	Tombstone(ctx context.Context, f model.TombstoneFilter, userID string) ([]string, error)
	MessageRoom(ctx context.Context, messageID string) (string, error)
}

// UserDirectory is the identity lookup of the external user store.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	Ensure(ctx context.Context, userID, displayName string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Options struct {
	// ReactivateOnSend clears every hide flag of a room when a message is appended.
	ReactivateOnSend bool
	CacheSize        int
}

type Service struct {
	rooms      RoomStore
	messages   MessageStore
	users      UserDirectory
	limiter    RateLimiter
	cache      *lru.Cache
	locks      *roomLocks
	reactivate bool
	now        func() time.Time
}

// NewService wires the engine. limiter may be nil (no send limit).
func NewService(rooms RoomStore, messages MessageStore, users UserDirectory, limiter RateLimiter, opts Options) (*Service, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("chat: room cache: %w", err)
	}
	return &Service{
		rooms:      rooms,
		messages:   messages,
		users:      users,
		limiter:    limiter,
		cache:      cache,
		locks:      newRoomLocks(),
		reactivate: opts.ReactivateOnSend,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

type JoinRequest struct {
	SenderID    string
	RecipientID string
	GroupID     string
}

type JoinResult struct {
	Room    *model.Room
	Created bool
	History []model.Message
}

type SendRequest struct {
	SenderID    string
	RecipientID string
	GroupID     string
	Body        string
	SentAt      time.Time
}

type DeleteRequest struct {
	MessageID string
	GroupID   string
	UserID    string
}

type CreateGroupRequest struct {
	ID        string
	Name      string
	ClubID    string
	ImageURL  string
	CreatorID string
}

func directCacheKey(name string) string { return "d:" + name }

func memberCacheKey(roomID, userID string) string { return "m:" + roomID + ":" + userID }

// isMember consults the cache first; memberships are never removed, so a
// positive answer stays valid.
func (s *Service) isMember(ctx context.Context, roomID, userID string) (bool, error) {
	key := memberCacheKey(roomID, userID)
	if _, ok := s.cache.Get(key); ok {
		metrics.RoomCacheLookups.WithLabelValues("hit").Inc()
		return true, nil
	}
	metrics.RoomCacheLookups.WithLabelValues("miss").Inc()
	ok, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return false, storeError("isMember", err)
	}
	if ok {
		s.cache.Add(key, struct{}{})
	}
	return ok, nil
}

// memberRoom returns the room if userID belongs to it. Non-members get
// ErrNotFound so room ids cannot be probed.
func (s *Service) memberRoom(ctx context.Context, roomID, userID string) (*model.Room, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, storeError("room "+roomID, err)
	}
	ok, err := s.isMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundf("room %s", roomID)
	}
	return room, nil
}

// directRoom resolves the pair's room, creating it on first contact.
func (s *Service) directRoom(ctx context.Context, userID, peerID string) (*model.Room, bool, error) {
	name := roomkey.Resolve(userID, peerID)
	if v, ok := s.cache.Get(directCacheKey(name)); ok {
		room, err := s.rooms.GetRoom(ctx, v.(string))
		if err == nil {
			return room, false, nil
		}
		s.cache.Remove(directCacheKey(name))
	}

	exists, err := s.users.Exists(ctx, peerID)
	if err != nil {
		return nil, false, storeError("user lookup", err)
	}
	if !exists {
		return nil, false, notFoundf("user %s", peerID)
	}
	room, created, err := s.rooms.FindOrCreateDirectRoom(ctx, userID, peerID)
	if err != nil {
		return nil, false, storeError("findOrCreateDirectRoom", err)
	}
	if created {
		metrics.DirectRoomsCreated.Inc()
		logger.Infof("direct room %s created for %s", room.ID, name)
	}
	s.cache.Add(directCacheKey(name), room.ID)
	s.cache.Add(memberCacheKey(room.ID, userID), struct{}{})
	s.cache.Add(memberCacheKey(room.ID, peerID), struct{}{})
	return room, created, nil
}

// Join resolves the requested room, loads the history visible to userID and
// hands both to attach while the room lock is held. attach subscribes the
// session and queues the history, so no live message of the room can reach
// the session ahead of it or be missing from both.
func (s *Service) Join(ctx context.Context, userID string, req JoinRequest, attach func(room *model.Room, history []model.Message)) (*JoinResult, error) {
	if req.SenderID != "" && req.SenderID != userID {
		return nil, invalidf("senderId does not match the session user")
	}

	var (
		room    *model.Room
		created bool
		err     error
	)
	switch {
	case req.GroupID != "":
		room, err = s.memberRoom(ctx, req.GroupID, userID)
	case req.RecipientID != "":
		if req.RecipientID == userID {
			return nil, invalidf("recipientId must differ from the session user")
		}
		room, created, err = s.directRoom(ctx, userID, req.RecipientID)
	default:
		return nil, invalidf("recipientId or groupId is required")
	}
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(room.ID)
	defer unlock()

	history, err := s.history(ctx, room.ID, userID)
	if err != nil {
		return nil, err
	}
	if attach != nil {
		attach(room, history)
	}
	return &JoinResult{Room: room, Created: created, History: history}, nil
}

func (s *Service) history(ctx context.Context, roomID, userID string) ([]model.Message, error) {
	history, err := s.messages.ListVisible(ctx, roomID, userID)
	if err != nil {
		return nil, storeError("listVisible", err)
	}
	if err := s.rooms.UpdateMemberLastRead(ctx, roomID, userID, s.now()); err != nil {
		logger.Warnf("update last read room=%s user=%s: %v", roomID, userID, err)
	}
	return history, nil
}

// History returns the messages of a room visible to userID and marks them read.
func (s *Service) History(ctx context.Context, userID, roomID string) ([]model.Message, error) {
	if _, err := s.memberRoom(ctx, roomID, userID); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(roomID)
	defer unlock()
	return s.history(ctx, roomID, userID)
}

// Send persists a message and, still holding the room lock, passes it to
// publish together with the other members of the room. A failed append
// leaves nothing behind and publish is not called.
func (s *Service) Send(ctx context.Context, userID string, req SendRequest, publish func(msg *model.Message, recipients []string)) (*model.Message, error) {
	body := strings.TrimSpace(req.Body)
	switch {
	case req.SenderID != "" && req.SenderID != userID:
		return nil, invalidf("senderId does not match the session user")
	case req.GroupID == "":
		return nil, invalidf("groupId is required")
	case body == "":
		return nil, invalidf("message is empty")
	case utf8.RuneCountInString(body) > MaxBodyLength:
		return nil, invalidf("message exceeds %d characters", MaxBodyLength)
	}

	room, err := s.memberRoom(ctx, req.GroupID, userID)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, "send:"+userID)
		if err != nil {
			logger.Warnf("send limiter: %v", err)
		} else if !ok {
			metrics.RateLimitHits.WithLabelValues("send").Inc()
			return nil, ErrRateLimited
		}
	}

	unlock := s.locks.lock(room.ID)
	defer unlock()

	// HideRoom takes the same lock; the hide flags read before it may be stale.
	room, err = s.rooms.GetRoom(ctx, room.ID)
	if err != nil {
		return nil, storeError("room "+req.GroupID, err)
	}

	// Id and timestamp are taken under the lock so that persisted order
	// matches publish order.
	now := s.now()
	msg := &model.Message{
		ID:        ulid.Make().String(),
		RoomID:    room.ID,
		SenderID:  userID,
		Body:      body,
		SentAt:    req.SentAt,
		CreatedAt: now,
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}
	if room.Kind == model.RoomKindDirect {
		peer := otherParticipant(room, userID)
		msg.RecipientID = &peer
	}

	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, storeError("append", err)
	}
	metrics.MessagesSent.WithLabelValues(string(room.Kind)).Inc()

	if s.reactivate && room.DeletedBy.Len() > 0 {
		if err := s.rooms.ReactivateRoom(ctx, room.ID); err != nil {
			logger.Errorf("reactivate room %s: %v", room.ID, err)
		} else {
			metrics.RoomsReactivated.Inc()
		}
	}

	members, err := s.rooms.MemberIDs(ctx, room.ID)
	if err != nil {
		logger.Warnf("member ids room=%s: %v", room.ID, err)
	}
	recipients := make([]string, 0, len(members))
	for _, id := range members {
		if id != userID {
			recipients = append(recipients, id)
		}
	}
	if publish != nil {
		publish(msg, recipients)
	}
	return msg, nil
}

func otherParticipant(room *model.Room, userID string) string {
	if room.ParticipantA != nil && *room.ParticipantA != userID {
		return *room.ParticipantA
	}
	if room.ParticipantB != nil {
		return *room.ParticipantB
	}
	return ""
}

// Delete tombstones messages for the issuing user only and returns the ids
// newly hidden. An empty result is not an error.
func (s *Service) Delete(ctx context.Context, userID string, req DeleteRequest) ([]string, error) {
	if req.UserID != "" && req.UserID != userID {
		return nil, invalidf("userId does not match the session user")
	}
	f := model.TombstoneFilter{MessageID: req.MessageID, RoomID: req.GroupID}
	if f.Empty() {
		return nil, invalidf("messageId or groupId is required")
	}
	if f.RoomID == "" {
		// A message outside the user's rooms reads exactly like a missing one.
		roomID, err := s.messages.MessageRoom(ctx, f.MessageID)
		if err != nil {
			return nil, storeError("message "+f.MessageID, err)
		}
		if _, err := s.memberRoom(ctx, roomID, userID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, notFoundf("message %s", f.MessageID)
			}
			return nil, err
		}
		f.RoomID = roomID
	} else if _, err := s.memberRoom(ctx, f.RoomID, userID); err != nil {
		return nil, err
	}
	ids, err := s.messages.Tombstone(ctx, f, userID)
	if err != nil {
		return nil, storeError("tombstone", err)
	}
	metrics.TombstonesApplied.Add(float64(len(ids)))
	return ids, nil
}

// HideRoom soft-deletes the room for userID together with its history.
func (s *Service) HideRoom(ctx context.Context, userID, roomID string) error {
	if _, err := s.memberRoom(ctx, roomID, userID); err != nil {
		return err
	}
	unlock := s.locks.lock(roomID)
	defer unlock()
	if err := s.rooms.HideRoomForUser(ctx, roomID, userID); err != nil {
		return storeError("hideRoom", err)
	}
	return nil
}

// UnhideRoom brings a hidden room back into the user's listing. Messages
// hidden together with the room stay hidden.
func (s *Service) UnhideRoom(ctx context.Context, userID, roomID string) error {
	if _, err := s.memberRoom(ctx, roomID, userID); err != nil {
		return err
	}
	if err := s.rooms.UnhideRoomForUser(ctx, roomID, userID); err != nil {
		return storeError("unhideRoom", err)
	}
	return nil
}

// ListRooms returns one page of the user's visible rooms.
func (s *Service) ListRooms(ctx context.Context, q model.RoomQuery) (model.Page[model.RoomSummary], error) {
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return model.Page[model.RoomSummary]{}, invalidf("unknown room type %q", q.Kind)
	}
	items, total, err := s.rooms.ListUserRooms(ctx, q)
	if err != nil {
		return model.Page[model.RoomSummary]{}, storeError("listUserRooms", err)
	}
	return model.NewPage(items, total, q.Limit, q.Page), nil
}

// CreateGroup creates the GROUP room of a club with its creator as CREATOR.
func (s *Service) CreateGroup(ctx context.Context, req CreateGroupRequest) (*model.Room, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalidf("name is required")
	}
	if req.CreatorID == "" {
		return nil, invalidf("creatorId is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now()
	room := &model.Room{
		ID:            id,
		Kind:          model.RoomKindGroup,
		CanonicalName: name,
		ImageURL:      req.ImageURL,
		DeletedBy:     model.NewUserSet(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ClubID != "" {
		club := req.ClubID
		room.ClubID = &club
	}
	if err := s.rooms.CreateGroupRoom(ctx, room, req.CreatorID); err != nil {
		return nil, storeError("createGroupRoom", err)
	}
	s.cache.Add(memberCacheKey(room.ID, req.CreatorID), struct{}{})
	logger.Infof("group room %s created by %s", room.ID, req.CreatorID)
	return room, nil
}

// AddGroupMember adds userID to a GROUP room. Adding an existing member is a no-op.
func (s *Service) AddGroupMember(ctx context.Context, roomID, userID string, role model.Role) error {
	if userID == "" {
		return invalidf("userId is required")
	}
	if role == "" {
		role = model.RoleMember
	}
	if !role.Valid() {
		return invalidf("unknown role %q", role)
	}
	if _, err := s.rooms.GetGroupRoom(ctx, roomID); err != nil {
		return storeError("group "+roomID, err)
	}
	if err := s.rooms.AddMember(ctx, &model.Membership{
		RoomID: roomID, UserID: userID, Role: role, JoinedAt: s.now(),
	}); err != nil {
		return storeError("addMember", err)
	}
	s.cache.Add(memberCacheKey(roomID, userID), struct{}{})
	return nil
}

// RegisterUser records a user id announced by the external user store.
func (s *Service) RegisterUser(ctx context.Context, userID, displayName string) error {
	if userID == "" {
		return invalidf("id is required")
	}
	if err := s.users.Ensure(ctx, userID, displayName); err != nil {
		return storeError("registerUser", err)
	}
	return nil
}
