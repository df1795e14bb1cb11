package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account. IsOnline/LastSeen are written by the presence tracker;
// the store is the system of record for both.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	PasswordHash string     `json:"-"`
	IsOnline     bool       `json:"isOnline"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// PublicUser is the subset of User that other participants may see.
type PublicUser struct {
	ID        uuid.UUID  `json:"id"`
	Username  string     `json:"username"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		IsOnline:  u.IsOnline,
		LastSeen:  u.LastSeen,
	}
}

// Conversation is a 1:1 or group thread. UpdatedAt is bumped on every new message
// so conversation lists can be ordered by activity.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Name      *string   `json:"name,omitempty"`
	IsGroup   bool      `json:"isGroup"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Participant is the conversation_participants join row. LastReadAt is the
// read watermark; nil means the participant never read anything.
type Participant struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	UserID         uuid.UUID  `json:"userId"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
}

// MessageStatus only moves forward: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses. Unknown values rank below sent.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.Rank() > s.Rank()
}

type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversationId"`
	SenderID       uuid.UUID     `json:"senderId"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	IsEdited       bool          `json:"isEdited"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// MessageUpdate lists the mutable message fields. Nil fields are left alone.
type MessageUpdate struct {
	Content  *string
	Status   *MessageStatus
	IsEdited *bool
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation
	Participants []PublicUser `json:"participants"`
	LastMessage  *Message     `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
}
