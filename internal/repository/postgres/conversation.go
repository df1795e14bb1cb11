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

const conversationColumns = `c.id, c.name, c.is_group, c.created_at, c.updated_at`

type ConversationStore struct {
	pool         *pgxpool.Pool
	messages     *MessageStore
	participants *ParticipantStore
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{
		pool:         pool,
		messages:     NewMessageStore(pool),
		participants: NewParticipantStore(pool),
	}
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Create writes the conversation row and its participant rows in one
// transaction, so a conversation is never visible without its roster.
func (s *ConversationStore) Create(ctx context.Context, name *string, isGroup bool, participantIDs []uuid.UUID) (*models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create conversation: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := scanConversation(tx.QueryRow(ctx, `
		INSERT INTO conversations AS c (name, is_group, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		RETURNING `+conversationColumns, name, isGroup))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	batch := &pgx.Batch{}
	for _, userID := range participantIDs {
		batch.Queue(`
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES ($1, $2, now())
			ON CONFLICT (conversation_id, user_id) DO NOTHING`, conv.ID, userID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationStore) GetByID(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationStore) FindDirect(ctx context.Context, userA, userB uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.is_group = false
		  AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $1)
		  AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $2)
		  AND (SELECT count(*) FROM conversation_participants p WHERE p.conversation_id = c.id) = 2
		LIMIT 1`

	conv, err := scanConversation(s.pool.QueryRow(ctx, query, userA, userB))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

func (s *ConversationStore) TouchConversation(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, conversationID, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	return s.participants.ListParticipants(ctx, conversationID)
}

func (s *ConversationStore) LastMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	return s.messages.LastMessage(ctx, conversationID)
}

func (s *ConversationStore) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	return s.messages.ListMessages(ctx, conversationID, limit, offset)
}
