// Package memory is an in-process implementation of the repository
// contracts. It backs STORE_DRIVER=memory and the test suites; state lives
// only as long as the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository"
)

var (
	_ repository.ChatStore              = (*Store)(nil)
	_ repository.UserRepository         = (*UserRepo)(nil)
	_ repository.ConversationRepository = (*ConversationRepo)(nil)
)

type participantKey struct {
	conversationID uuid.UUID
	userID         uuid.UUID
}

type Store struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]*models.User
	emails        map[string]uuid.UUID
	conversations map[uuid.UUID]*models.Conversation
	participants  map[participantKey]*models.Participant
	messages      map[uuid.UUID]*models.Message
	lastStamp     time.Time
}

func New() *Store {
	return &Store{
		users:         make(map[uuid.UUID]*models.User),
		emails:        make(map[string]uuid.UUID),
		conversations: make(map[uuid.UUID]*models.Conversation),
		participants:  make(map[participantKey]*models.Participant),
		messages:      make(map[uuid.UUID]*models.Message),
	}
}

// now hands out strictly increasing timestamps so created_at ordering is
// total, as it is with a database sequence. Callers hold s.mu.
func (s *Store) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

func (s *Store) Users() *UserRepo {
	return &UserRepo{s: s}
}

func (s *Store) Conversations() *ConversationRepo {
	return &ConversationRepo{s: s}
}

func (s *Store) FindParticipant(_ context.Context, conversationID, userID uuid.UUID) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[participantKey{conversationID, userID}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListParticipantConversations(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0)
	for key := range s.participants {
		if key.userID == userID {
			ids = append(ids, key.conversationID)
		}
	}
	return ids, nil
}

func (s *Store) InsertMessage(_ context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("insert message: conversation %s does not exist", conversationID)
	}
	now := s.now()
	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Status:         models.StatusSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages[msg.ID] = msg
	cp := *msg
	return &cp, nil
}

func (s *Store) GetMessage(_ context.Context, messageID uuid.UUID) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (s *Store) UpdateMessage(_ context.Context, messageID uuid.UUID, fields models.MessageUpdate) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	if fields.Content != nil {
		msg.Content = *fields.Content
	}
	// Status never moves backwards, matching the SQL implementation.
	if fields.Status != nil && msg.Status.Advances(*fields.Status) {
		msg.Status = *fields.Status
	}
	if fields.IsEdited != nil {
		msg.IsEdited = *fields.IsEdited
	}
	msg.UpdatedAt = s.now()
	cp := *msg
	return &cp, nil
}

func (s *Store) DeleteMessage(_ context.Context, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, messageID)
	return nil
}

func (s *Store) TouchConversation(_ context.Context, conversationID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[conversationID]; ok && at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	return nil
}

func (s *Store) UpdateParticipantLastRead(_ context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantKey{conversationID, userID}]
	if !ok {
		return nil
	}
	if p.LastReadAt == nil || at.After(*p.LastReadAt) {
		t := at
		p.LastReadAt = &t
	}
	return nil
}

func (s *Store) MarkConversationRead(_ context.Context, conversationID, readerID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0)
	for _, msg := range s.sortedMessages(conversationID) {
		if msg.SenderID == readerID || msg.Status == models.StatusRead {
			continue
		}
		msg.Status = models.StatusRead
		msg.UpdatedAt = s.now()
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

func (s *Store) UpdateUserPresence(_ context.Context, userID uuid.UUID, isOnline bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[userID]; ok {
		u.IsOnline = isOnline
		t := lastSeen
		u.LastSeen = &t
	}
	return nil
}

func (s *Store) ListMessagesSince(_ context.Context, conversationID uuid.UUID, since *time.Time, excludeSender uuid.UUID) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, 0)
	for _, msg := range s.sortedMessages(conversationID) {
		if msg.SenderID == excludeSender {
			continue
		}
		if since != nil && !msg.CreatedAt.After(*since) {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (s *Store) CountMessagesSince(ctx context.Context, conversationID uuid.UUID, since *time.Time, excludeSender uuid.UUID) (int, error) {
	msgs, err := s.ListMessagesSince(ctx, conversationID, since, excludeSender)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// sortedMessages returns the conversation's messages oldest first. Callers
// hold s.mu.
func (s *Store) sortedMessages(conversationID uuid.UUID) []*models.Message {
	out := make([]*models.Message, 0)
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
