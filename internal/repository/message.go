package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Append persists m and bumps the room's updated_at in the same transaction.
func (r *MessageRepository) Append(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, recipient_id, body, is_read, sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.RoomID, m.SenderID, m.RecipientID, m.Body, m.IsRead, m.SentAt, m.CreatedAt,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("msgRepo.Append insert: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET updated_at = GREATEST(updated_at, $1) WHERE id = $2`,
		m.CreatedAt, m.RoomID,
	); err != nil {
		return fmt.Errorf("msgRepo.Append touch room: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	return nil
}

// ListVisible returns the room's messages that userID has not tombstoned,
// oldest first, and flags them as read.
func (r *MessageRepository) ListVisible(ctx context.Context, roomID, userID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListVisible", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListVisible begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const visible = `m.room_id = $1
		AND NOT EXISTS (SELECT 1 FROM message_tombstones t WHERE t.message_id = m.id AND t.user_id = $2)`

	if _, err := tx.Exec(ctx,
		`UPDATE messages m SET is_read = true WHERE `+visible+` AND m.is_read = false`,
		roomID, userID,
	); err != nil {
		return nil, fmt.Errorf("msgRepo.ListVisible mark read: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT m.id, m.room_id, m.sender_id, m.recipient_id, m.body, m.is_read, m.sent_at, m.created_at
		 FROM messages m
		 WHERE `+visible+`
		 ORDER BY m.created_at ASC, m.id ASC`,
		roomID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListVisible query: %w", err)
	}
	messages := make([]model.Message, 0, 32)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.RecipientID, &m.Body, &m.IsRead, &m.SentAt, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("msgRepo.ListVisible scan: %w", err)
		}
		messages = append(messages, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListVisible rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.ListVisible commit: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) MessageRoom(ctx context.Context, messageID string) (string, error) {
	defer logger.DeferLogDuration("msg.MessageRoom", time.Now())()
	var roomID string
	err := r.pool.QueryRow(ctx, `SELECT room_id FROM messages WHERE id = $1`, messageID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("msgRepo.MessageRoom: %w", err)
	}
	return roomID, nil
}

// Tombstone hides the matching messages for userID and returns the ids that
// were not already hidden for them.
func (r *MessageRepository) Tombstone(ctx context.Context, f model.TombstoneFilter, userID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.Tombstone", time.Now())()
	if f.Empty() {
		return nil, errors.New("msgRepo.Tombstone: empty filter")
	}
	rows, err := r.pool.Query(ctx,
		`INSERT INTO message_tombstones (message_id, user_id, room_id, deleted_at)
		 SELECT m.id, $1, m.room_id, now() FROM messages m
		 WHERE ($2::text = '' OR m.id = $2::text) AND ($3::text = '' OR m.room_id = $3::text)
		 ON CONFLICT DO NOTHING
		 RETURNING message_id`,
		userID, f.MessageID, f.RoomID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Tombstone query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.Tombstone scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Tombstone rows: %w", err)
	}
	return ids, nil
}
