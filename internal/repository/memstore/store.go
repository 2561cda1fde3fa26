// Package memstore keeps rooms, memberships and messages in process memory.
// It backs the -memory mode and the chat service tests, and mirrors the
// semantics of the Postgres repositories.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/repository"
	"github.com/clubchat/internal/roomkey"
)

type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*model.Room
	direct   map[string]string
	members  map[string]map[string]*model.Membership
	messages map[string][]*model.Message
	byID     map[string]*model.Message
	users    map[string]string
	failErr  error
	now      func() time.Time
}

func New() *Store {
	return &Store{
		rooms:    make(map[string]*model.Room),
		direct:   make(map[string]string),
		members:  make(map[string]map[string]*model.Membership),
		messages: make(map[string][]*model.Message),
		byID:     make(map[string]*model.Message),
		users:    make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InjectFailure makes every subsequent call return err until it is reset with nil.
func (s *Store) InjectFailure(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func cloneRoom(r *model.Room) *model.Room {
	c := *r
	c.DeletedBy = r.DeletedBy.Clone()
	return &c
}

func cloneMessage(m *model.Message) model.Message {
	c := *m
	c.DeletedBy = m.DeletedBy.Clone()
	return c
}

func (s *Store) GetRoom(_ context.Context, roomID string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRoom(r), nil
}

func (s *Store) GetGroupRoom(ctx context.Context, roomID string) (*model.Room, error) {
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r.Kind != model.RoomKindGroup {
		return nil, repository.ErrNotFound
	}
	return r, nil
}

// FindOrCreateDirectRoom checks and creates under one write lock, so
// concurrent callers for the same pair always observe a single room.
func (s *Store) FindOrCreateDirectRoom(_ context.Context, userA, userB string) (*model.Room, bool, error) {
	name := roomkey.Resolve(userA, userB)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, false, s.failErr
	}
	if id, ok := s.direct[name]; ok {
		return cloneRoom(s.rooms[id]), false, nil
	}
	a, b, _ := roomkey.Split(name)
	ts := s.now()
	r := &model.Room{
		ID:            uuid.New().String(),
		Kind:          model.RoomKindDirect,
		CanonicalName: name,
		ParticipantA:  &a,
		ParticipantB:  &b,
		DeletedBy:     model.NewUserSet(),
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	s.rooms[r.ID] = r
	s.direct[name] = r.ID
	s.members[r.ID] = map[string]*model.Membership{
		a: {RoomID: r.ID, UserID: a, Role: model.RoleMember, JoinedAt: ts, LastReadAt: ts},
		b: {RoomID: r.ID, UserID: b, Role: model.RoleMember, JoinedAt: ts, LastReadAt: ts},
	}
	return cloneRoom(r), true, nil
}

func (s *Store) CreateGroupRoom(_ context.Context, room *model.Room, creatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.rooms[room.ID]; ok {
		return repository.ErrConflict
	}
	r := cloneRoom(room)
	if r.DeletedBy == nil {
		r.DeletedBy = model.NewUserSet()
	}
	s.rooms[r.ID] = r
	s.members[r.ID] = map[string]*model.Membership{
		creatorID: {RoomID: r.ID, UserID: creatorID, Role: model.RoleCreator, JoinedAt: r.CreatedAt, LastReadAt: r.CreatedAt},
	}
	return nil
}

func (s *Store) AddMember(_ context.Context, m *model.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.rooms[m.RoomID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.members[m.RoomID][m.UserID]; ok {
		return nil
	}
	c := *m
	c.LastReadAt = c.JoinedAt
	s.members[m.RoomID][m.UserID] = &c
	return nil
}

func (s *Store) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return false, s.failErr
	}
	_, ok := s.members[roomID][userID]
	return ok, nil
}

func (s *Store) MemberIDs(_ context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	ms := make([]*model.Membership, 0, len(s.members[roomID]))
	for _, m := range s.members[roomID] {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].JoinedAt.Equal(ms[j].JoinedAt) {
			return ms[i].JoinedAt.Before(ms[j].JoinedAt)
		}
		return ms[i].UserID < ms[j].UserID
	})
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.UserID
	}
	return ids, nil
}

func (s *Store) UpdateMemberLastRead(_ context.Context, roomID, userID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if m, ok := s.members[roomID][userID]; ok && t.After(m.LastReadAt) {
		m.LastReadAt = t
	}
	return nil
}

// HideRoomForUser flags the room and tombstones its messages under one lock,
// so readers never observe one without the other.
func (s *Store) HideRoomForUser(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	r, ok := s.rooms[roomID]
	if !ok {
		return repository.ErrNotFound
	}
	r.DeletedBy.Add(userID)
	for _, m := range s.messages[roomID] {
		m.DeletedBy.Add(userID)
	}
	return nil
}

func (s *Store) UnhideRoomForUser(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if r, ok := s.rooms[roomID]; ok {
		delete(r.DeletedBy, userID)
	}
	return nil
}

func (s *Store) ReactivateRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if r, ok := s.rooms[roomID]; ok {
		r.DeletedBy = model.NewUserSet()
	}
	return nil
}

func (s *Store) ListUserRooms(_ context.Context, q model.RoomQuery) ([]model.RoomSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, 0, s.failErr
	}
	name := strings.ToLower(q.Name)
	all := make([]model.RoomSummary, 0, 16)
	for roomID, ms := range s.members {
		m, ok := ms[q.UserID]
		if !ok {
			continue
		}
		r := s.rooms[roomID]
		if r.HiddenFor(q.UserID) {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(r.CanonicalName), name) {
			continue
		}
		sum := model.RoomSummary{Room: *cloneRoom(r), Role: m.Role}
		for _, msg := range s.messages[roomID] {
			t := msg.CreatedAt
			if sum.LastMessageAt == nil || t.After(*sum.LastMessageAt) {
				sum.LastMessageAt = &t
			}
			if msg.SenderID != q.UserID && msg.CreatedAt.After(m.LastReadAt) && msg.VisibleTo(q.UserID) {
				sum.UnreadCount++
			}
		}
		all = append(all, sum)
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		var less, equal bool
		switch q.Sort {
		case model.RoomSortName:
			less, equal = a.CanonicalName < b.CanonicalName, a.CanonicalName == b.CanonicalName
		case model.RoomSortCreated:
			less, equal = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		default:
			less, equal = a.UpdatedAt.Before(b.UpdatedAt), a.UpdatedAt.Equal(b.UpdatedAt)
		}
		if equal {
			return a.ID < b.ID
		}
		if q.Desc {
			return !less
		}
		return less
	})

	total := len(all)
	start := q.Offset()
	if start < 0 || start >= total {
		return []model.RoomSummary{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Limit < total-start {
		end = start + q.Limit
	}
	return all[start:end], total, nil
}

func (s *Store) Append(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	r, ok := s.rooms[m.RoomID]
	if !ok {
		return repository.ErrNotFound
	}
	if _, dup := s.byID[m.ID]; dup {
		return repository.ErrConflict
	}
	c := cloneMessage(m)
	if c.DeletedBy == nil {
		c.DeletedBy = model.NewUserSet()
	}
	s.messages[m.RoomID] = append(s.messages[m.RoomID], &c)
	s.byID[c.ID] = &c
	if c.CreatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = c.CreatedAt
	}
	return nil
}

func (s *Store) ListVisible(_ context.Context, roomID, userID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]model.Message, 0, len(s.messages[roomID]))
	for _, m := range s.messages[roomID] {
		if !m.VisibleTo(userID) {
			continue
		}
		m.IsRead = true
		out = append(out, cloneMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Tombstone(_ context.Context, f model.TombstoneFilter, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	var candidates []*model.Message
	switch {
	case f.MessageID != "":
		if m, ok := s.byID[f.MessageID]; ok && (f.RoomID == "" || m.RoomID == f.RoomID) {
			candidates = []*model.Message{m}
		}
	case f.RoomID != "":
		candidates = s.messages[f.RoomID]
	}
	ids := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if m.DeletedBy.Add(userID) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// MessageRoom returns the room a message belongs to.
func (s *Store) MessageRoom(_ context.Context, messageID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	m, ok := s.byID[messageID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return m.RoomID, nil
}

func (s *Store) Exists(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return false, s.failErr
	}
	_, ok := s.users[userID]
	return ok, nil
}

func (s *Store) Ensure(_ context.Context, userID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if prev, ok := s.users[userID]; ok && displayName == "" {
		displayName = prev
	}
	s.users[userID] = displayName
	return nil
}
