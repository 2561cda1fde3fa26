package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/repository/memstore"
	"github.com/clubchat/internal/storage/memory"
)

func newTestService(t *testing.T, reactivate bool, users ...string) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	for _, u := range users {
		require.NoError(t, store.Ensure(context.Background(), u, ""))
	}
	svc, err := NewService(store, store, store, nil, Options{ReactivateOnSend: reactivate, CacheSize: 64})
	require.NoError(t, err)
	return svc, store
}

func joinDirect(t *testing.T, svc *Service, user, peer string) *JoinResult {
	t.Helper()
	res, err := svc.Join(context.Background(), user, JoinRequest{SenderID: user, RecipientID: peer}, nil)
	require.NoError(t, err)
	return res
}

func send(t *testing.T, svc *Service, user, roomID, body string) *model.Message {
	t.Helper()
	msg, err := svc.Send(context.Background(), user, SendRequest{SenderID: user, GroupID: roomID, Body: body}, nil)
	require.NoError(t, err)
	return msg
}

func bodies(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestScenarioA_BothSidesResolveSameRoom(t *testing.T) {
	svc, _ := newTestService(t, true, "x", "y")

	fromX := joinDirect(t, svc, "x", "y")
	fromY := joinDirect(t, svc, "y", "x")

	assert.Equal(t, fromX.Room.ID, fromY.Room.ID)
	assert.True(t, fromX.Created)
	assert.False(t, fromY.Created)
	assert.Equal(t, model.RoomKindDirect, fromX.Room.Kind)
}

func TestScenarioB_BulkDeleteHidesForIssuerOnly(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v")
	ctx := context.Background()
	room := joinDirect(t, svc, "u", "v").Room
	send(t, svc, "u", room.ID, "m1")
	send(t, svc, "v", room.ID, "m2")

	ids, err := svc.Delete(ctx, "u", DeleteRequest{GroupID: room.ID, UserID: "u"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	forU, err := svc.History(ctx, "u", room.ID)
	require.NoError(t, err)
	assert.Empty(t, forU)

	forV, err := svc.History(ctx, "v", room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, bodies(forV))
}

func TestScenarioC_SendReactivatesHiddenRoom(t *testing.T) {
	svc, store := newTestService(t, true, "u", "v")
	ctx := context.Background()
	room := joinDirect(t, svc, "u", "v").Room
	send(t, svc, "v", room.ID, "before")

	require.NoError(t, svc.HideRoom(ctx, "u", room.ID))
	page, err := svc.ListRooms(ctx, model.RoomQuery{UserID: "u"})
	require.NoError(t, err)
	assert.Zero(t, page.TotalItems)

	send(t, svc, "v", room.ID, "after")

	got, err := store.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Zero(t, got.DeletedBy.Len())

	page, err = svc.ListRooms(ctx, model.RoomQuery{UserID: "u"})
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalItems)
	assert.Equal(t, room.ID, page.Items[0].ID)

	// The history hidden with the room stays hidden.
	forU, err := svc.History(ctx, "u", room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, bodies(forU))
}

// hideOnLookup runs hook once, right after the first room lookup returns.
type hideOnLookup struct {
	*memstore.Store
	hook func()
}

func (h *hideOnLookup) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := h.Store.GetRoom(ctx, roomID)
	if hook := h.hook; hook != nil {
		h.hook = nil
		hook()
	}
	return room, err
}

func TestSendReactivatesRoomHiddenDuringSend(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.Ensure(ctx, "v", ""))
	rooms := &hideOnLookup{Store: store}
	svc, err := NewService(rooms, store, store, nil, Options{ReactivateOnSend: true})
	require.NoError(t, err)
	room := joinDirect(t, svc, "u", "v").Room

	// The hide commits after Send has checked membership but before it
	// takes the room lock.
	rooms.hook = func() {
		assert.NoError(t, svc.HideRoom(ctx, "u", room.ID))
	}
	send(t, svc, "v", room.ID, "are you there?")

	got, err := store.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Zero(t, got.DeletedBy.Len())

	page, err := svc.ListRooms(ctx, model.RoomQuery{UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalItems)
}

func TestSendWithoutReactivateKeepsRoomHidden(t *testing.T) {
	svc, _ := newTestService(t, false, "u", "v")
	ctx := context.Background()
	room := joinDirect(t, svc, "u", "v").Room
	require.NoError(t, svc.HideRoom(ctx, "u", room.ID))

	send(t, svc, "v", room.ID, "hello?")
	page, err := svc.ListRooms(ctx, model.RoomQuery{UserID: "u"})
	require.NoError(t, err)
	assert.Zero(t, page.TotalItems)

	require.NoError(t, svc.UnhideRoom(ctx, "u", room.ID))
	page, err = svc.ListRooms(ctx, model.RoomQuery{UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalItems)
}

func TestScenarioD_SendToMissingRoom(t *testing.T) {
	svc, store := newTestService(t, true, "u")
	ctx := context.Background()

	published := false
	_, err := svc.Send(ctx, "u", SendRequest{GroupID: "no-such-room", Body: "hi"}, func(*model.Message, []string) {
		published = true
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, published)

	visible, err := store.ListVisible(ctx, "no-such-room", "u")
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestTombstoneSingleMessageAndIdempotence(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v")
	ctx := context.Background()
	room := joinDirect(t, svc, "u", "v").Room
	m1 := send(t, svc, "u", room.ID, "m1")
	send(t, svc, "u", room.ID, "m2")

	ids, err := svc.Delete(ctx, "u", DeleteRequest{MessageID: m1.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, ids)

	once, err := svc.History(ctx, "u", room.ID)
	require.NoError(t, err)

	ids, err = svc.Delete(ctx, "u", DeleteRequest{MessageID: m1.ID})
	require.NoError(t, err)
	assert.Empty(t, ids)

	twice, err := svc.History(ctx, "u", room.ID)
	require.NoError(t, err)
	assert.Equal(t, bodies(once), bodies(twice))
	assert.Equal(t, []string{"m2"}, bodies(twice))

	forV, err := svc.History(ctx, "v", room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, bodies(forV))
}

func TestDeleteByMessageIDRequiresMembership(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v", "w")
	ctx := context.Background()
	room := joinDirect(t, svc, "u", "v").Room
	m := send(t, svc, "u", room.ID, "private")

	_, foreign := svc.Delete(ctx, "w", DeleteRequest{MessageID: m.ID})
	require.ErrorIs(t, foreign, ErrNotFound)
	_, missing := svc.Delete(ctx, "w", DeleteRequest{MessageID: "no-such-message"})
	require.ErrorIs(t, missing, ErrNotFound)
	assert.Equal(t, "message "+m.ID+": not found", Describe(foreign))
	assert.Equal(t, "message no-such-message: not found", Describe(missing))

	forU, err := svc.History(ctx, "u", room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"private"}, bodies(forU))
}

func TestAppendListRoundTripKeepsOrder(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v")
	room := joinDirect(t, svc, "u", "v").Room

	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		body := fmt.Sprintf("msg-%02d", i)
		send(t, svc, []string{"u", "v"}[i%2], room.ID, body)
		want = append(want, body)
	}
	got, err := svc.History(context.Background(), "v", room.ID)
	require.NoError(t, err)
	assert.Equal(t, want, bodies(got))
	for _, m := range got {
		assert.True(t, m.IsRead)
	}
}

func TestConcurrentJoinSamePairCreatesOneRoom(t *testing.T) {
	for round := 0; round < 20; round++ {
		svc, _ := newTestService(t, true, "x", "y")
		var wg sync.WaitGroup
		ids := make(chan string, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				user, peer := "x", "y"
				if i%2 == 0 {
					user, peer = peer, user
				}
				res, err := svc.Join(context.Background(), user, JoinRequest{RecipientID: peer}, nil)
				if assert.NoError(t, err) {
					ids <- res.Room.ID
				}
			}(i)
		}
		wg.Wait()
		close(ids)
		seen := map[string]struct{}{}
		for id := range ids {
			seen[id] = struct{}{}
		}
		assert.Len(t, seen, 1, "round %d", round)
	}
}

func TestConcurrentSendsPublishInPersistedOrder(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v")
	ctx := context.Background()
	room := joinDirect(t, svc, "u", "v").Room

	var mu sync.Mutex
	var published []string
	publish := func(m *model.Message, _ []string) {
		mu.Lock()
		published = append(published, m.ID)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Send(ctx, "u", SendRequest{GroupID: room.ID, Body: fmt.Sprint(i)}, publish)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := svc.History(ctx, "v", room.ID)
	require.NoError(t, err)
	persisted := make([]string, len(history))
	for i, m := range history {
		persisted[i] = m.ID
	}
	assert.Equal(t, persisted, published)
	assert.Zero(t, svc.locks.size())
}

func TestJoinAttachRunsWithHistory(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v")
	room := joinDirect(t, svc, "u", "v").Room
	send(t, svc, "v", room.ID, "hi")

	var attached string
	var got []model.Message
	res, err := svc.Join(context.Background(), "u", JoinRequest{GroupID: room.ID}, func(r *model.Room, h []model.Message) {
		attached, got = r.ID, h
	})
	require.NoError(t, err)
	assert.Equal(t, room.ID, attached)
	assert.Equal(t, res.History, got)
}

func TestSendSetsDirectRecipientAndNotifiesOthers(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v")
	room := joinDirect(t, svc, "u", "v").Room

	var recipients []string
	msg, err := svc.Send(context.Background(), "u", SendRequest{GroupID: room.ID, Body: " hello "}, func(_ *model.Message, r []string) {
		recipients = r
	})
	require.NoError(t, err)
	require.NotNil(t, msg.RecipientID)
	assert.Equal(t, "v", *msg.RecipientID)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, []string{"v"}, recipients)
}

func TestInvalidPayloads(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v")
	ctx := context.Background()
	room := joinDirect(t, svc, "u", "v").Room

	cases := map[string]error{
		"join without target": func() error {
			_, err := svc.Join(ctx, "u", JoinRequest{}, nil)
			return err
		}(),
		"join with self": func() error {
			_, err := svc.Join(ctx, "u", JoinRequest{RecipientID: "u"}, nil)
			return err
		}(),
		"join spoofed sender": func() error {
			_, err := svc.Join(ctx, "u", JoinRequest{SenderID: "v", RecipientID: "v"}, nil)
			return err
		}(),
		"send empty body": func() error {
			_, err := svc.Send(ctx, "u", SendRequest{GroupID: room.ID, Body: "   "}, nil)
			return err
		}(),
		"send without room": func() error {
			_, err := svc.Send(ctx, "u", SendRequest{Body: "x"}, nil)
			return err
		}(),
		"delete without filter": func() error {
			_, err := svc.Delete(ctx, "u", DeleteRequest{UserID: "u"})
			return err
		}(),
		"delete for someone else": func() error {
			_, err := svc.Delete(ctx, "u", DeleteRequest{GroupID: room.ID, UserID: "v"})
			return err
		}(),
	}
	for name, err := range cases {
		assert.ErrorIs(t, err, ErrInvalidPayload, name)
	}
}

func TestJoinUnknownPeerAndForeignGroup(t *testing.T) {
	svc, _ := newTestService(t, true, "u", "v", "w")
	ctx := context.Background()

	_, err := svc.Join(ctx, "u", JoinRequest{RecipientID: "ghost"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	room := joinDirect(t, svc, "u", "v").Room
	_, err = svc.Join(ctx, "w", JoinRequest{GroupID: room.ID}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Send(ctx, "w", SendRequest{GroupID: room.ID, Body: "sneaky"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreFailureLeavesNoMessage(t *testing.T) {
	svc, store := newTestService(t, true, "u", "v")
	ctx := context.Background()
	room := joinDirect(t, svc, "u", "v").Room

	store.InjectFailure(errors.New("connection refused"))
	_, err := svc.Send(ctx, "u", SendRequest{GroupID: room.ID, Body: "lost"}, nil)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, "storage temporarily unavailable, try again later", Describe(err))
	store.InjectFailure(nil)

	history, err := svc.History(ctx, "v", room.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendRateLimit(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.Ensure(ctx, "v", ""))
	svc, err := NewService(store, store, store, memory.New(2, time.Minute), Options{})
	require.NoError(t, err)
	room := joinDirect(t, svc, "u", "v").Room

	send(t, svc, "u", room.ID, "1")
	send(t, svc, "u", room.ID, "2")
	_, err = svc.Send(ctx, "u", SendRequest{GroupID: room.ID, Body: "3"}, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
	send(t, svc, "v", room.ID, "other user is not limited")
}

func TestGroupLifecycle(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()
	clock := time.Now().UTC()
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	room, err := svc.CreateGroup(ctx, CreateGroupRequest{Name: "Morning Runners", ClubID: "club-1", CreatorID: "coach"})
	require.NoError(t, err)
	assert.Equal(t, model.RoomKindGroup, room.Kind)

	_, err = svc.Send(ctx, "runner", SendRequest{GroupID: room.ID, Body: "hi"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.AddGroupMember(ctx, room.ID, "runner", ""))
	require.NoError(t, svc.AddGroupMember(ctx, room.ID, "runner", ""))
	var recipients []string
	msg, err := svc.Send(ctx, "runner", SendRequest{GroupID: room.ID, Body: "hi"}, func(_ *model.Message, r []string) {
		recipients = r
	})
	require.NoError(t, err)
	assert.Nil(t, msg.RecipientID)
	assert.Equal(t, []string{"coach"}, recipients)

	page, err := svc.ListRooms(ctx, model.RoomQuery{UserID: "coach", Kind: model.RoomKindGroup})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, model.RoleCreator, page.Items[0].Role)
	assert.Equal(t, 1, page.Items[0].UnreadCount)

	direct := joinDirectAfterRegister(t, svc, "coach", "runner")
	assert.ErrorIs(t, svc.AddGroupMember(ctx, direct.ID, "x", ""), ErrNotFound)
	assert.ErrorIs(t, svc.AddGroupMember(ctx, room.ID, "x", "OWNER"), ErrInvalidPayload)
}

func joinDirectAfterRegister(t *testing.T, svc *Service, user, peer string) *model.Room {
	t.Helper()
	require.NoError(t, svc.RegisterUser(context.Background(), peer, "Peer"))
	return joinDirect(t, svc, user, peer).Room
}

func TestListRoomsValidatesType(t *testing.T) {
	svc, _ := newTestService(t, true)
	_, err := svc.ListRooms(context.Background(), model.RoomQuery{UserID: "u", Kind: "CHANNEL"})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	page, err := svc.ListRooms(context.Background(), model.RoomQuery{UserID: "u", Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.CurrentPage)
	assert.NotNil(t, page.Items)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "too many messages, slow down", Describe(ErrRateLimited))
	assert.Contains(t, Describe(notFoundf("room %s", "r1")), "room r1")
	assert.Equal(t, "internal error", Describe(errors.New("boom")))
}
