package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
)

// Every method takes a context first: it carries the deadline the realtime
// core puts on store calls, and request cancellation for REST handlers.
//
// Lookups return nil, nil when the row does not exist. Errors are reserved
// for the store itself failing.

// ChatStore is the gateway the realtime core persists through. It is the
// only storage contract the broker, registry, presence tracker and
// reconciler depend on.
type ChatStore interface {
	// FindParticipant returns the participant row, or nil if the user is not
	// a member of the conversation.
	FindParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*models.Participant, error)

	// ListParticipantConversations returns the ids of every conversation the
	// user belongs to.
	ListParticipantConversations(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	// InsertMessage persists a message with status "sent".
	InsertMessage(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error)

	GetMessage(ctx context.Context, messageID uuid.UUID) (*models.Message, error)

	// UpdateMessage applies the non-nil fields, bumps updated_at and returns
	// the new row (nil if the message no longer exists).
	UpdateMessage(ctx context.Context, messageID uuid.UUID, fields models.MessageUpdate) (*models.Message, error)

	DeleteMessage(ctx context.Context, messageID uuid.UUID) error

	// TouchConversation bumps conversations.updated_at.
	TouchConversation(ctx context.Context, conversationID uuid.UUID, at time.Time) error

	// UpdateParticipantLastRead moves the watermark forward. A timestamp
	// older than the stored one is ignored.
	UpdateParticipantLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error

	// MarkConversationRead sets every message in the conversation not sent by
	// readerID and not yet read to "read", in one statement, and returns the
	// ids it changed.
	MarkConversationRead(ctx context.Context, conversationID, readerID uuid.UUID) ([]uuid.UUID, error)

	UpdateUserPresence(ctx context.Context, userID uuid.UUID, isOnline bool, lastSeen time.Time) error

	// ListMessagesSince returns messages created strictly after since (all
	// messages when since is nil) not sent by excludeSender, oldest first.
	ListMessagesSince(ctx context.Context, conversationID uuid.UUID, since *time.Time, excludeSender uuid.UUID) ([]models.Message, error)

	// CountMessagesSince is the counting form of ListMessagesSince.
	CountMessagesSince(ctx context.Context, conversationID uuid.UUID, since *time.Time, excludeSender uuid.UUID) (int, error)
}

// UserRepository handles accounts.
type UserRepository interface {
	Create(ctx context.Context, email, username, passwordHash string) (*models.User, error)
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	// ListByIDs returns the users that exist among ids, in no particular order.
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error)
}

// ConversationRepository covers the REST-only reads and conversation creation.
type ConversationRepository interface {
	// Create inserts the conversation and all participant rows atomically.
	Create(ctx context.Context, name *string, isGroup bool, participantIDs []uuid.UUID) (*models.Conversation, error)

	GetByID(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error)

	// FindDirect returns the non-group conversation shared by exactly these
	// two users, or nil.
	FindDirect(ctx context.Context, userA, userB uuid.UUID) (*models.Conversation, error)

	// ListForUser returns the user's conversations, most recently active first.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)

	ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error)

	// LastMessage returns the newest message, or nil for an empty conversation.
	LastMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error)

	// ListMessages returns messages newest first.
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error)
}
