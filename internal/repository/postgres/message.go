package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/relaychat/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, content, status, is_edited, created_at, updated_at`

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var status string
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&status,
		&msg.IsEdited,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Status = models.MessageStatus(status)
	return &msg, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *MessageStore) InsertMessage(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'sent', now(), now())
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, conversationID, senderID, content))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) UpdateMessage(ctx context.Context, messageID uuid.UUID, fields models.MessageUpdate) (*models.Message, error) {
	// COALESCE keeps the stored value for every field left nil. The status
	// CASE only lets the status move forward along sent -> delivered -> read.
	query := `
		UPDATE messages
		SET content = COALESCE($2, content),
		    status = CASE
		        WHEN $3::text IS NULL THEN status
		        WHEN array_position(ARRAY['sent', 'delivered', 'read'], $3::text)
		           > array_position(ARRAY['sent', 'delivered', 'read'], status) THEN $3::text
		        ELSE status
		    END,
		    is_edited = COALESCE($4, is_edited),
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + messageColumns

	var status *string
	if fields.Status != nil {
		v := string(*fields.Status)
		status = &v
	}

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID, fields.Content, status, fields.IsEdited))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) DeleteMessage(ctx context.Context, messageID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *MessageStore) MarkConversationRead(ctx context.Context, conversationID, readerID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		UPDATE messages
		SET status = 'read', updated_at = now()
		WHERE conversation_id = $1 AND sender_id <> $2 AND status <> 'read'
		RETURNING id`

	rows, err := s.pool.Query(ctx, query, conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect read ids: %w", err)
	}
	return ids, nil
}

func (s *MessageStore) ListMessagesSince(ctx context.Context, conversationID uuid.UUID, since *time.Time, excludeSender uuid.UUID) ([]models.Message, error) {
	// A NULL $2 means "no watermark yet": every message counts.
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL OR created_at > $2)
		  AND sender_id <> $3
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, conversationID, since, excludeSender)
	if err != nil {
		return nil, fmt.Errorf("list messages since: %w", err)
	}
	return collectMessages(rows)
}

func (s *MessageStore) CountMessagesSince(ctx context.Context, conversationID uuid.UUID, since *time.Time, excludeSender uuid.UUID) (int, error) {
	query := `
		SELECT count(*)
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL OR created_at > $2)
		  AND sender_id <> $3`

	var n int
	if err := s.pool.QueryRow(ctx, query, conversationID, since, excludeSender).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages since: %w", err)
	}
	return n, nil
}

func (s *MessageStore) LastMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last message: %w", err)
	}
	return msg, nil
}

// ListMessages pages through history newest first. Offset paging matches the
// REST contract (?limit&offset); the (conversation_id, created_at DESC) index
// keeps shallow pages cheap.
func (s *MessageStore) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}
