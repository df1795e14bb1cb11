package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type typingKey struct {
	conversationID uuid.UUID
	userID         uuid.UUID
}

// typingState holds who is typing where. Entries older than ttl are treated
// as absent and removed the next time they are looked at; expiry never
// produces a broadcast of its own.
type typingState struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[typingKey]time.Time
}

func newTypingState(ttl time.Duration) *typingState {
	return &typingState{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[typingKey]time.Time),
	}
}

// set records a start or stop and reports whether observers should be told.
// A start while already typing only refreshes the entry; a stop for someone
// not typing is ignored.
func (s *typingState) set(conversationID, userID uuid.UUID, isTyping bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := typingKey{conversationID, userID}
	now := s.now()
	updated, ok := s.entries[key]
	wasTyping := ok && now.Sub(updated) < s.ttl

	if isTyping {
		s.entries[key] = now
		return !wasTyping
	}
	delete(s.entries, key)
	return wasTyping
}

// active lists users currently typing in the conversation.
func (s *typingState) active(conversationID uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	users := make([]uuid.UUID, 0)
	for key, updated := range s.entries {
		if key.conversationID != conversationID {
			continue
		}
		if now.Sub(updated) >= s.ttl {
			delete(s.entries, key)
			continue
		}
		users = append(users, key.userID)
	}
	return users
}

// clear drops an entry once the user's message has been sent and reports
// whether the user was still typing.
func (s *typingState) clear(conversationID, userID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := typingKey{conversationID, userID}
	updated, ok := s.entries[key]
	delete(s.entries, key)
	return ok && s.now().Sub(updated) < s.ttl
}
