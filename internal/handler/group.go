package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clubchat/internal/chat"
	"github.com/clubchat/internal/model"
)

// GroupService — хуки соседних сервисов: создание клуба, вступление в клуб, новый пользователь.
type GroupService interface {
	CreateGroup(ctx context.Context, req chat.CreateGroupRequest) (*model.Room, error)
	AddGroupMember(ctx context.Context, roomID, userID string, role model.Role) error
	RegisterUser(ctx context.Context, userID, displayName string) error
}

type GroupHandler struct {
	groups GroupService
}

func NewGroupHandler(groups GroupService) *GroupHandler {
	return &GroupHandler{groups: groups}
}

type CreateGroupRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClubID    string `json:"clubId"`
	ImageURL  string `json:"imageUrl"`
	CreatorID string `json:"creatorId"`
}

type AddMemberRequest struct {
	UserID string     `json:"userId"`
	Role   model.Role `json:"role"`
}

type RegisterUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// CreateGroup — POST /internal/groups (клуб создан: GROUP-комната + CREATOR).
func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	room, err := h.groups.CreateGroup(r.Context(), chat.CreateGroupRequest(req))
	if err != nil {
		writeChatError(w, "create group", err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// AddMember — POST /internal/groups/{roomId}/members. Повторное добавление — no-op.
func (h *GroupHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.groups.AddGroupMember(r.Context(), chi.URLParam(r, "roomId"), req.UserID, req.Role); err != nil {
		writeChatError(w, "add group member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterUser — POST /internal/users (пользователь появился во внешнем хранилище).
func (h *GroupHandler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.groups.RegisterUser(r.Context(), req.ID, req.DisplayName); err != nil {
		writeChatError(w, "register user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
