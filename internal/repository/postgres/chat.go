package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/relaychat/internal/repository"
)

var (
	_ repository.ChatStore              = (*ChatStore)(nil)
	_ repository.UserRepository         = (*UserStore)(nil)
	_ repository.ConversationRepository = (*ConversationStore)(nil)
)

// ChatStore is the store handed to the realtime core. It stitches the
// per-table stores together behind repository.ChatStore.
type ChatStore struct {
	*MessageStore
	*ParticipantStore
	users         *UserStore
	conversations *ConversationStore
}

func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{
		MessageStore:     NewMessageStore(pool),
		ParticipantStore: NewParticipantStore(pool),
		users:            NewUserStore(pool),
		conversations:    NewConversationStore(pool),
	}
}

func (s *ChatStore) TouchConversation(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	return s.conversations.TouchConversation(ctx, conversationID, at)
}

func (s *ChatStore) UpdateUserPresence(ctx context.Context, userID uuid.UUID, isOnline bool, lastSeen time.Time) error {
	return s.users.UpdateUserPresence(ctx, userID, isOnline, lastSeen)
}
