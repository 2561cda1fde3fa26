package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubchat/internal/chat"
	"github.com/clubchat/internal/middleware"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/repository/memstore"
)

type fixture struct {
	store  *memstore.Store
	svc    *chat.Service
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	svc, err := chat.NewService(store, store, store, nil, chat.Options{ReactivateOnSend: true})
	require.NoError(t, err)

	rooms := NewRoomHandler(svc)
	groups := NewGroupHandler(svc)
	r := chi.NewRouter()
	r.Route("/api/chat", func(r chi.Router) {
		r.Use(middleware.DevUser(svc))
		r.Get("/rooms", rooms.ListRooms)
		r.Delete("/rooms/{roomId}", rooms.HideRoom)
		r.Post("/rooms/{roomId}/unhide", rooms.UnhideRoom)
		r.Get("/rooms/{roomId}/messages", rooms.Messages)
	})
	r.Route("/internal", func(r chi.Router) {
		r.Post("/groups", groups.CreateGroup)
		r.Post("/groups/{roomId}/members", groups.AddMember)
		r.Post("/users", groups.RegisterUser)
	})
	return &fixture{store: store, svc: svc, router: r}
}

func (f *fixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) directRoom(t *testing.T, a, b string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.RegisterUser(ctx, a, ""))
	require.NoError(t, f.svc.RegisterUser(ctx, b, ""))
	res, err := f.svc.Join(ctx, a, chat.JoinRequest{RecipientID: b}, nil)
	require.NoError(t, err)
	return res.Room.ID
}

func (f *fixture) send(t *testing.T, user, roomID, body string) {
	t.Helper()
	_, err := f.svc.Send(context.Background(), user, chat.SendRequest{GroupID: roomID, Body: body}, nil)
	require.NoError(t, err)
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) model.Page[model.RoomSummary] {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page model.Page[model.RoomSummary]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	return page
}

func TestListRoomsPaginationShape(t *testing.T) {
	f := newFixture(t)
	for _, peer := range []string{"b", "c", "d"} {
		f.directRoom(t, "a", peer)
	}

	rec := f.do(t, http.MethodGet, "/api/chat/rooms?page=1&limit=2", "a", "")
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	for _, k := range []string{"items", "totalItems", "totalPages", "currentPage"} {
		assert.Contains(t, raw, k)
	}

	page := decodePage(t, rec)
	assert.Equal(t, 3, page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 2)

	page = decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms?page=2&limit=2", "a", ""))
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.CurrentPage)

	empty := decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms", "nobody", ""))
	assert.Zero(t, empty.TotalItems)
	assert.NotNil(t, empty.Items)
}

func TestListRoomsPageBeyondRangeIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.directRoom(t, "a", "b")

	page := decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms?page=2305843009213693953&limit=20", "a", ""))
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)
	assert.Equal(t, 1, page.TotalItems)
	assert.Equal(t, 2305843009213693953, page.CurrentPage)
}

func TestListRoomsFiltersAndValidation(t *testing.T) {
	f := newFixture(t)
	f.directRoom(t, "a", "b")
	rec := f.do(t, http.MethodPost, "/internal/groups", "", `{"name":"Morning Runners","clubId":"club-1","creatorId":"a"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	page := decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms?type=group", "a", ""))
	require.Len(t, page.Items, 1)
	assert.Equal(t, model.RoomKindGroup, page.Items[0].Kind)
	assert.Equal(t, model.RoleCreator, page.Items[0].Role)

	page = decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms?name=runners", "a", ""))
	assert.Len(t, page.Items, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/chat/rooms?type=channel", "a", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/chat/rooms?sort=secret", "a", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/chat/rooms?order=sideways", "a", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/chat/rooms", "", "").Code)
}

func TestHideRoomHidesOnlyForCaller(t *testing.T) {
	f := newFixture(t)
	roomID := f.directRoom(t, "a", "b")
	f.send(t, "a", roomID, "hello")

	rec := f.do(t, http.MethodDelete, "/api/chat/rooms/"+roomID, "a", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Zero(t, decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms", "a", "")).TotalItems)
	assert.Equal(t, 1, decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms", "b", "")).TotalItems)

	var msgs []model.Message
	rec = f.do(t, http.MethodGet, "/api/chat/rooms/"+roomID+"/messages", "a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Empty(t, msgs)

	rec = f.do(t, http.MethodGet, "/api/chat/rooms/"+roomID+"/messages", "b", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Len(t, msgs, 1)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/chat/rooms/"+roomID+"/unhide", "a", "").Code)
	assert.Equal(t, 1, decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms", "a", "")).TotalItems)
}

func TestRoomEndpointsNotFoundForStrangers(t *testing.T) {
	f := newFixture(t)
	roomID := f.directRoom(t, "a", "b")

	for _, tc := range []struct{ method, path string }{
		{http.MethodDelete, "/api/chat/rooms/" + roomID},
		{http.MethodPost, "/api/chat/rooms/" + roomID + "/unhide"},
		{http.MethodGet, "/api/chat/rooms/" + roomID + "/messages"},
		{http.MethodDelete, "/api/chat/rooms/missing"},
	} {
		rec := f.do(t, tc.method, tc.path, "mallory", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestStoreFailureIs503(t *testing.T) {
	f := newFixture(t)
	roomID := f.directRoom(t, "a", "b")
	f.store.InjectFailure(errors.New("connection refused"))
	defer f.store.InjectFailure(nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/chat/rooms/"+roomID, nil)
	rec := httptest.NewRecorder()
	// DevUser would also hit the failing store, so the user is set directly.
	h := NewRoomHandler(f.svc)
	r := chi.NewRouter()
	r.Delete("/api/chat/rooms/{roomId}", h.HideRoom)
	r.ServeHTTP(rec, req.WithContext(middleware.WithUserID(req.Context(), "a")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestGroupHooks(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/internal/groups", "", `{"id":"club-room-1","name":"Cyclists","creatorId":"owner"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var room model.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	assert.Equal(t, "club-room-1", room.ID)
	assert.Equal(t, model.RoomKindGroup, room.Kind)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/internal/groups/club-room-1/members", "", `{"userId":"rider"}`).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/internal/groups/club-room-1/members", "", `{"userId":"rider"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/internal/groups/club-room-1/members", "", `{"userId":"x","role":"OWNER"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/internal/groups/nope/members", "", `{"userId":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/internal/groups", "", `{"name":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/internal/groups", "", `not json`).Code)

	page := decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms", "rider", ""))
	require.Len(t, page.Items, 1)
	assert.Equal(t, model.RoleMember, page.Items[0].Role)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/internal/users", "", `{"id":"newbie","displayName":"New"}`).Code)
	ok, err := f.store.Exists(context.Background(), "newbie")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/internal/users", "", `{"id":""}`).Code)
}

func TestUnreadCountFollowsReads(t *testing.T) {
	f := newFixture(t)
	roomID := f.directRoom(t, "a", "b")
	time.Sleep(2 * time.Millisecond)
	f.send(t, "a", roomID, "one")
	time.Sleep(2 * time.Millisecond)
	f.send(t, "a", roomID, "two")

	page := decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms", "b", ""))
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Items[0].UnreadCount)

	time.Sleep(2 * time.Millisecond)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chat/rooms/"+roomID+"/messages", "b", "").Code)
	page = decodePage(t, f.do(t, http.MethodGet, "/api/chat/rooms", "b", ""))
	assert.Zero(t, page.Items[0].UnreadCount)
}
