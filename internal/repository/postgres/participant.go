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

type ParticipantStore struct {
	pool *pgxpool.Pool
}

func NewParticipantStore(pool *pgxpool.Pool) *ParticipantStore {
	return &ParticipantStore{pool: pool}
}

// FindParticipant is the hot-path membership check: every room join and
// every REST action on a conversation goes through it.
func (s *ParticipantStore) FindParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*models.Participant, error) {
	query := `
		SELECT conversation_id, user_id, joined_at, last_read_at
		FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`

	var p models.Participant
	err := s.pool.QueryRow(ctx, query, conversationID, userID).Scan(
		&p.ConversationID,
		&p.UserID,
		&p.JoinedAt,
		&p.LastReadAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find participant: %w", err)
	}
	return &p, nil
}

func (s *ParticipantStore) ListParticipantConversations(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id FROM conversation_participants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list participant conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect conversation ids: %w", err)
	}
	return ids, nil
}

func (s *ParticipantStore) UpdateParticipantLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	// GREATEST keeps the watermark non-decreasing even if two reads race.
	query := `
		UPDATE conversation_participants
		SET last_read_at = GREATEST(COALESCE(last_read_at, $3), $3)
		WHERE conversation_id = $1 AND user_id = $2`

	_, err := s.pool.Exec(ctx, query, conversationID, userID, at)
	if err != nil {
		return fmt.Errorf("update last read: %w", err)
	}
	return nil
}

func (s *ParticipantStore) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	query := `
		SELECT conversation_id, user_id, joined_at, last_read_at
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at`

	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &p.LastReadAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}
