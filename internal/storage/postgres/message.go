package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMessageNotFound is returned when a message lookup yields no live row.
var ErrMessageNotFound = errors.New("message not found")

// Message represents a persisted chat message.
type Message struct {
	ID        string
	RoomID    string
	UserID    string
	Content   string
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRepository provides message persistence operations.
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a MessageRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a new message and returns the stored record. The id is
// generated here so the broadcast payload always carries a durable
// identifier.
//
// Precondition: roomID, userID, and content must be non-empty.
// Postcondition: Returns the stored Message with ID and CreatedAt set.
func (r *MessageRepository) Create(ctx context.Context, roomID, userID, content string, metadata json.RawMessage) (Message, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	var msg Message
	err := r.db.QueryRow(ctx,
		`INSERT INTO messages (id, room_id, user_id, content, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, room_id, user_id, content, metadata, created_at, updated_at`,
		uuid.NewString(), roomID, userID, content, metadata,
	).Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Content, &msg.Metadata, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

// Update replaces a message's content and bumps updated_at.
//
// Postcondition: Returns the updated Message, or ErrMessageNotFound when the
// id does not exist or the message is deleted.
func (r *MessageRepository) Update(ctx context.Context, id, content string) (Message, error) {
	var msg Message
	err := r.db.QueryRow(ctx,
		`UPDATE messages
		 SET content = $2, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING id, room_id, user_id, content, metadata, created_at, updated_at`,
		id, content,
	).Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Content, &msg.Metadata, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("updating message: %w", err)
	}
	return msg, nil
}

// SoftDelete marks a message deleted without removing the row.
//
// Postcondition: Returns ErrMessageNotFound when the id does not exist or is
// already deleted.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// GetByID retrieves a live message by id.
//
// Postcondition: Returns the Message or ErrMessageNotFound.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (Message, error) {
	var msg Message
	err := r.db.QueryRow(ctx,
		`SELECT id, room_id, user_id, content, metadata, created_at, updated_at
		 FROM messages WHERE id = $1 AND deleted_at IS NULL`,
		id,
	).Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Content, &msg.Metadata, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListRecent returns up to limit live messages for a room, newest first.
//
// Precondition: limit must be > 0.
func (r *MessageRepository) ListRecent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, room_id, user_id, content, metadata, created_at, updated_at
		 FROM messages
		 WHERE room_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Content, &msg.Metadata, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}
