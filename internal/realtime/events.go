package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
)

// Client -> server events.
const (
	EventJoin        = "conversation:join"
	EventLeave       = "conversation:leave"
	EventSend        = "message:send"
	EventEdit        = "message:edit"
	EventDelete      = "message:delete"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventStatus      = "message:status"
	EventMarkRead    = "conversation:read"
)

// Server -> client events.
const (
	EventJoined             = "conversation:joined"
	EventLeft               = "conversation:left"
	EventMessageNew         = "message:new"
	EventMessageUpdated     = "message:updated"
	EventMessageDeleted     = "message:deleted"
	EventConversationUpdate = "conversation:update"
	EventTypingUpdate       = "typing:update"
	EventStatusUpdate       = "message:status:update"
	EventUserOnline         = "user:online"
	EventUserOffline        = "user:offline"
	EventError              = "error"
)

// Envelope is the frame exchanged over a live connection:
//
//	{"type": "message:send", "data": {"conversationId": "...", "content": "hi"}}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Encode builds a server -> client frame.
func Encode(eventType string, data any) ([]byte, error) {
	payload, err := json.Marshal(outgoing{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return payload, nil
}

// ConversationRef is both the conversation:join/leave/read argument and the
// conversation:joined/left acknowledgement.
type ConversationRef struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

// UnmarshalJSON accepts the bare id form ("conversation:join", "<uuid>") as
// well as {"conversationId": "<uuid>"}.
func (r *ConversationRef) UnmarshalJSON(data []byte) error {
	var id uuid.UUID
	if err := json.Unmarshal(data, &id); err == nil {
		r.ConversationID = id
		return nil
	}
	var obj struct {
		ConversationID uuid.UUID `json:"conversationId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ConversationID = obj.ConversationID
	return nil
}

// SendPayload is the data of message:send.
type SendPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Content        string    `json:"content"`
}

// EditPayload is the data of message:edit.
type EditPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	Content   string    `json:"content"`
}

// MessageRef names a single message, as in message:delete.
type MessageRef struct {
	MessageID uuid.UUID `json:"messageId"`
}

// StatusPayload is the data of message:status.
type StatusPayload struct {
	MessageID uuid.UUID            `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
}

// MessageNew carries a persisted message and its sender.
type MessageNew struct {
	Message models.Message    `json:"message"`
	Sender  models.PublicUser `json:"sender"`
}

// MessageUpdated carries an edited message.
type MessageUpdated struct {
	Message models.Message `json:"message"`
}

// MessageDeleted identifies a removed message without its content.
type MessageDeleted struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
}

// ConversationUpdate tells room members about a conversation's latest message.
type ConversationUpdate struct {
	ConversationID uuid.UUID      `json:"conversationId"`
	LastMessage    models.Message `json:"lastMessage"`
}

// TypingUpdate reports one user starting or stopping typing.
type TypingUpdate struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
}

// StatusUpdate announces a message status that moved forward.
type StatusUpdate struct {
	MessageID uuid.UUID            `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
	UpdatedBy uuid.UUID            `json:"updatedBy"`
}

// UserPresence is the data of user:online and user:offline. LastSeen is
// set only when going offline.
type UserPresence struct {
	UserID   uuid.UUID  `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ErrorPayload is sent back to the connection whose event failed.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	// Event names the client event that failed, when known.
	Event string `json:"event,omitempty"`
}
