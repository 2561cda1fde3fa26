package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/roomkey"
)

// roomCols — колонки комнаты вместе с множеством пользователей, скрывших её.
const roomCols = `r.id, r.kind, r.canonical_name, r.club_id, r.image_url, r.participant_a, r.participant_b,
	COALESCE((SELECT array_agg(h.user_id ORDER BY h.user_id) FROM room_hidden h WHERE h.room_id = r.id), '{}'),
	r.created_at, r.updated_at`

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func scanRoom(s interface{ Scan(dest ...any) error }, room *model.Room) error {
	var kind string
	var hidden []string
	if err := s.Scan(&room.ID, &kind, &room.CanonicalName, &room.ClubID, &room.ImageURL,
		&room.ParticipantA, &room.ParticipantB, &hidden, &room.CreatedAt, &room.UpdatedAt); err != nil {
		return err
	}
	room.Kind = model.RoomKind(kind)
	room.DeletedBy = model.NewUserSet(hidden...)
	return nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (r *RoomRepository) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetRoom", time.Now())()
	room := &model.Room{}
	err := scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomCols+` FROM rooms r WHERE r.id = $1`, roomID), room)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetRoom: %w", err)
	}
	return room, nil
}

// GetGroupRoom returns ErrNotFound for direct rooms as well as for missing ones.
func (r *RoomRepository) GetGroupRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Kind != model.RoomKindGroup {
		return nil, ErrNotFound
	}
	return room, nil
}

func (r *RoomRepository) getDirectByName(ctx context.Context, name string) (*model.Room, error) {
	room := &model.Room{}
	err := scanRoom(r.pool.QueryRow(ctx,
		`SELECT `+roomCols+` FROM rooms r WHERE r.kind = 'DIRECT' AND r.canonical_name = $1`, name), room)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.getDirectByName: %w", err)
	}
	return room, nil
}

// FindOrCreateDirectRoom returns the direct room of the pair, creating it with
// both MEMBER rows when absent. Concurrent callers converge on one row through
// the unique partial index on canonical_name.
func (r *RoomRepository) FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (*model.Room, bool, error) {
	defer logger.DeferLogDuration("room.FindOrCreateDirectRoom", time.Now())()
	name := roomkey.Resolve(userA, userB)
	room, err := r.getDirectByName(ctx, name)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	a, b, _ := roomkey.Split(name)
	ts := now()
	room = &model.Room{
		ID:            uuid.New().String(),
		Kind:          model.RoomKindDirect,
		CanonicalName: name,
		ParticipantA:  &a,
		ParticipantB:  &b,
		DeletedBy:     model.NewUserSet(),
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO rooms (id, kind, canonical_name, image_url, participant_a, participant_b, created_at, updated_at)
		 VALUES ($1, 'DIRECT', $2, '', $3, $4, $5, $5)
		 ON CONFLICT (canonical_name) WHERE kind = 'DIRECT' DO NOTHING`,
		room.ID, name, a, b, ts,
	)
	if err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Другой запрос успел создать комнату этой пары.
		_ = tx.Rollback(ctx)
		existing, err := r.getDirectByName(ctx, name)
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrConflict
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	for _, uid := range []string{a, b} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id, role, joined_at, last_read_at)
			 VALUES ($1, $2, $3, $4, $4) ON CONFLICT DO NOTHING`,
			room.ID, uid, string(model.RoleMember), ts,
		); err != nil {
			return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom commit: %w", err)
	}
	return room, true, nil
}

// CreateGroupRoom inserts a GROUP room together with its CREATOR membership.
func (r *RoomRepository) CreateGroupRoom(ctx context.Context, room *model.Room, creatorID string) error {
	defer logger.DeferLogDuration("room.CreateGroupRoom", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roomRepo.CreateGroupRoom begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO rooms (id, kind, canonical_name, club_id, image_url, created_at, updated_at)
		 VALUES ($1, 'GROUP', $2, $3, $4, $5, $6)`,
		room.ID, room.CanonicalName, room.ClubID, room.ImageURL, room.CreatedAt, room.UpdatedAt,
	); err != nil {
		return fmt.Errorf("roomRepo.CreateGroupRoom room: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, role, joined_at, last_read_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		room.ID, creatorID, string(model.RoleCreator), room.CreatedAt,
	); err != nil {
		return fmt.Errorf("roomRepo.CreateGroupRoom member: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("roomRepo.CreateGroupRoom commit: %w", err)
	}
	return nil
}

func (r *RoomRepository) AddMember(ctx context.Context, m *model.Membership) error {
	defer logger.DeferLogDuration("room.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, role, joined_at, last_read_at)
		 VALUES ($1, $2, $3, $4, $4) ON CONFLICT DO NOTHING`,
		m.RoomID, m.UserID, string(m.Role), m.JoinedAt,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("roomRepo.AddMember: %w", err)
	}
	return nil
}

func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *RoomRepository) MemberIDs(ctx context.Context, roomID string) ([]string, error) {
	defer logger.DeferLogDuration("room.MemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY joined_at, user_id`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.MemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.MemberIDs rows: %w", err)
	}
	return ids, nil
}

// UpdateMemberLastRead moves the member's read cursor forward; it never moves back.
func (r *RoomRepository) UpdateMemberLastRead(ctx context.Context, roomID, userID string, t time.Time) error {
	defer logger.DeferLogDuration("room.UpdateMemberLastRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE room_members SET last_read_at = GREATEST(last_read_at, $1)
		 WHERE room_id = $2 AND user_id = $3`,
		t, roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.UpdateMemberLastRead: %w", err)
	}
	return nil
}

// HideRoomForUser marks the room deleted for one user and tombstones every
// message of the room for them. Both writes commit or neither does.
func (r *RoomRepository) HideRoomForUser(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.HideRoomForUser", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roomRepo.HideRoomForUser begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists); err != nil {
		return fmt.Errorf("roomRepo.HideRoomForUser lookup: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO room_hidden (room_id, user_id, hidden_at) VALUES ($1, $2, now())
		 ON CONFLICT DO NOTHING`,
		roomID, userID,
	); err != nil {
		return fmt.Errorf("roomRepo.HideRoomForUser hide: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO message_tombstones (message_id, user_id, room_id, deleted_at)
		 SELECT m.id, $2, m.room_id, now() FROM messages m WHERE m.room_id = $1
		 ON CONFLICT DO NOTHING`,
		roomID, userID,
	); err != nil {
		return fmt.Errorf("roomRepo.HideRoomForUser tombstones: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("roomRepo.HideRoomForUser commit: %w", err)
	}
	return nil
}

func (r *RoomRepository) UnhideRoomForUser(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.UnhideRoomForUser", time.Now())()
	_, err := r.pool.Exec(ctx, `DELETE FROM room_hidden WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("roomRepo.UnhideRoomForUser: %w", err)
	}
	return nil
}

// ReactivateRoom clears every pending hide flag of the room.
func (r *RoomRepository) ReactivateRoom(ctx context.Context, roomID string) error {
	defer logger.DeferLogDuration("room.ReactivateRoom", time.Now())()
	_, err := r.pool.Exec(ctx, `DELETE FROM room_hidden WHERE room_id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("roomRepo.ReactivateRoom: %w", err)
	}
	return nil
}

var roomSortColumns = map[model.RoomSort]string{
	model.RoomSortUpdated: "r.updated_at",
	model.RoomSortCreated: "r.created_at",
	model.RoomSortName:    "r.canonical_name",
}

const userRoomsWhere = `FROM rooms r
	JOIN room_members rm ON rm.room_id = r.id AND rm.user_id = $1
	WHERE NOT EXISTS (SELECT 1 FROM room_hidden h WHERE h.room_id = r.id AND h.user_id = $1)
	  AND ($2::text = '' OR r.canonical_name ILIKE '%' || $2::text || '%')
	  AND ($3::text = '' OR r.kind = $3::text)`

// ListUserRooms returns one page of the rooms the user belongs to and has not
// hidden, with the per-member unread counter, and the total row count.
func (r *RoomRepository) ListUserRooms(ctx context.Context, q model.RoomQuery) ([]model.RoomSummary, int, error) {
	defer logger.DeferLogDuration("room.ListUserRooms", time.Now())()
	col, ok := roomSortColumns[q.Sort]
	if !ok {
		col = roomSortColumns[model.RoomSortUpdated]
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) `+userRoomsWhere,
		q.UserID, q.Name, string(q.Kind),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("roomRepo.ListUserRooms count: %w", err)
	}
	if total == 0 {
		return []model.RoomSummary{}, 0, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+roomCols+`, rm.role,
		        (SELECT COUNT(*) FROM messages m
		          WHERE m.room_id = r.id AND m.sender_id <> $1 AND m.created_at > rm.last_read_at
		            AND NOT EXISTS (SELECT 1 FROM message_tombstones t WHERE t.message_id = m.id AND t.user_id = $1)),
		        (SELECT MAX(m.created_at) FROM messages m WHERE m.room_id = r.id)
		 `+userRoomsWhere+`
		 ORDER BY `+col+` `+dir+`, r.id
		 LIMIT $4 OFFSET $5`,
		q.UserID, q.Name, string(q.Kind), q.Limit, q.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("roomRepo.ListUserRooms query: %w", err)
	}
	defer rows.Close()

	out := make([]model.RoomSummary, 0, q.Limit)
	for rows.Next() {
		var s model.RoomSummary
		var kind, role string
		var hidden []string
		if err := rows.Scan(&s.ID, &kind, &s.CanonicalName, &s.ClubID, &s.ImageURL,
			&s.ParticipantA, &s.ParticipantB, &hidden, &s.CreatedAt, &s.UpdatedAt,
			&role, &s.UnreadCount, &s.LastMessageAt); err != nil {
			return nil, 0, fmt.Errorf("roomRepo.ListUserRooms scan: %w", err)
		}
		s.Kind = model.RoomKind(kind)
		s.Role = model.Role(role)
		s.DeletedBy = model.NewUserSet(hidden...)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("roomRepo.ListUserRooms rows: %w", err)
	}
	return out, total, nil
}
