package model

import (
	"math"
	"time"
)

type RoomKind string

const (
	RoomKindDirect RoomKind = "DIRECT"
	RoomKindGroup  RoomKind = "GROUP"
)

// Valid reports whether k is one of the known room kinds.
func (k RoomKind) Valid() bool {
	return k == RoomKindDirect || k == RoomKindGroup
}

type Role string

const (
	RoleCreator Role = "CREATOR"
	RoleAdmin   Role = "ADMIN"
	RoleMember  Role = "MEMBER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCreator, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Room is a conversation scope. For DIRECT rooms CanonicalName is derived from
// the participant pair (see roomkey.Resolve); for GROUP rooms it is the display name.
type Room struct {
	ID            string    `json:"id"`
	Kind          RoomKind  `json:"kind"`
	CanonicalName string    `json:"name"`
	ClubID        *string   `json:"clubId,omitempty"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	ParticipantA  *string   `json:"participantA,omitempty"`
	ParticipantB  *string   `json:"participantB,omitempty"`
	DeletedBy     UserSet   `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HiddenFor reports whether the user has hidden this room from their own view.
func (r *Room) HiddenFor(userID string) bool {
	return r.DeletedBy.Has(userID)
}

type Membership struct {
	RoomID     string    `json:"roomId"`
	UserID     string    `json:"userId"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastReadAt time.Time `json:"lastReadAt"`
}

// RoomSummary is one row of a user's room listing.
type RoomSummary struct {
	Room
	Role          Role       `json:"role"`
	UnreadCount   int        `json:"unreadCount"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

type RoomSort string

const (
	RoomSortUpdated RoomSort = "updated_at"
	RoomSortCreated RoomSort = "created_at"
	RoomSortName    RoomSort = "name"
)

// RoomQuery filters and pages a user's room listing.
type RoomQuery struct {
	UserID string
	Name   string
	Kind   RoomKind
	Sort   RoomSort
	Desc   bool
	Page   int
	Limit  int
}

// Offset returns the row offset for a 1-based page. A page beyond the
// addressable range saturates at math.MaxInt instead of wrapping.
func (q RoomQuery) Offset() int {
	if q.Page <= 1 || q.Limit <= 0 {
		return 0
	}
	if q.Page-1 > math.MaxInt/q.Limit {
		return math.MaxInt
	}
	return (q.Page - 1) * q.Limit
}

// Page is the paginated response shape used by the REST query surface.
type Page[T any] struct {
	Items       []T `json:"items"`
	TotalItems  int `json:"totalItems"`
	TotalPages  int `json:"totalPages"`
	CurrentPage int `json:"currentPage"`
}

func NewPage[T any](items []T, total, limit, page int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	if page < 1 {
		page = 1
	}
	return Page[T]{Items: items, TotalItems: total, TotalPages: pages, CurrentPage: page}
}
