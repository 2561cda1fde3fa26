package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clubchat/internal/chat"
	"github.com/clubchat/internal/middleware"
	"github.com/clubchat/internal/model"
)

// RoomService — запросы к комнатам пользователя (REST-поверхность движка).
type RoomService interface {
	ListRooms(ctx context.Context, q model.RoomQuery) (model.Page[model.RoomSummary], error)
	HideRoom(ctx context.Context, userID, roomID string) error
	UnhideRoom(ctx context.Context, userID, roomID string) error
	History(ctx context.Context, userID, roomID string) ([]model.Message, error)
}

type RoomHandler struct {
	rooms RoomService
}

func NewRoomHandler(rooms RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

var roomSorts = map[string]model.RoomSort{
	"":           model.RoomSortUpdated,
	"updated_at": model.RoomSortUpdated,
	"updatedAt":  model.RoomSortUpdated,
	"created_at": model.RoomSortCreated,
	"createdAt":  model.RoomSortCreated,
	"name":       model.RoomSortName,
}

// ListRooms — GET /api/chat/rooms?page&limit&name&type&sort&order.
func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sort, ok := roomSorts[q.Get("sort")]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown sort field")
		return
	}
	order := strings.ToLower(q.Get("order"))
	if order != "" && order != "asc" && order != "desc" {
		writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	page, err := h.rooms.ListRooms(r.Context(), model.RoomQuery{
		UserID: middleware.GetUserID(r.Context()),
		Name:   strings.TrimSpace(q.Get("name")),
		Kind:   model.RoomKind(strings.ToUpper(q.Get("type"))),
		Sort:   sort,
		Desc:   order != "asc",
		Page:   queryInt(r, "page", 1),
		Limit:  queryInt(r, "limit", chat.DefaultPageLimit),
	})
	if err != nil {
		writeChatError(w, "list rooms", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HideRoom — DELETE /api/chat/rooms/{roomId}: комната и её история скрываются только для вызывающего.
func (h *RoomHandler) HideRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.HideRoom(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "roomId")); err != nil {
		writeChatError(w, "hide room", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnhideRoom — POST /api/chat/rooms/{roomId}/unhide.
func (h *RoomHandler) UnhideRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.UnhideRoom(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "roomId")); err != nil {
		writeChatError(w, "unhide room", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Messages — GET /api/chat/rooms/{roomId}/messages: та же видимость и отметка о прочтении, что у join.
func (h *RoomHandler) Messages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.rooms.History(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "roomId"))
	if err != nil {
		writeChatError(w, "room messages", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
