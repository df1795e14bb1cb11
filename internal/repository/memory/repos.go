package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
)

// UserRepo is the repository.UserRepository view of a Store.
type UserRepo struct {
	s *Store
}

func (r *UserRepo) Create(_ context.Context, email, username, passwordHash string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, taken := r.s.emails[email]; taken {
		return nil, fmt.Errorf("insert user: email %q already exists", email)
	}
	u := &models.User{
		ID:           uuid.New(),
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    r.s.now(),
	}
	r.s.users[u.ID] = u
	r.s.emails[email] = u.ID
	cp := *u
	return &cp, nil
}

func (r *UserRepo) GetByID(_ context.Context, userID uuid.UUID) (*models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	r.s.mu.RLock()
	id, ok := r.s.emails[email]
	r.s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

func (r *UserRepo) ListByIDs(_ context.Context, ids []uuid.UUID) ([]models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.s.users[id]; ok {
			users = append(users, *u)
		}
	}
	return users, nil
}

// ConversationRepo is the repository.ConversationRepository view of a Store.
type ConversationRepo struct {
	s *Store
}

func (r *ConversationRepo) Create(_ context.Context, name *string, isGroup bool, participantIDs []uuid.UUID) (*models.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, id := range participantIDs {
		if _, ok := r.s.users[id]; !ok {
			return nil, fmt.Errorf("insert participants: user %s does not exist", id)
		}
	}
	now := r.s.now()
	conv := &models.Conversation{
		ID:        uuid.New(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.s.conversations[conv.ID] = conv
	for _, id := range participantIDs {
		r.s.participants[participantKey{conv.ID, id}] = &models.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			JoinedAt:       now,
		}
	}
	cp := *conv
	return &cp, nil
}

func (r *ConversationRepo) GetByID(_ context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	conv, ok := r.s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (r *ConversationRepo) FindDirect(_ context.Context, userA, userB uuid.UUID) (*models.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for id, conv := range r.s.conversations {
		if conv.IsGroup {
			continue
		}
		members := r.members(id)
		if len(members) != 2 {
			continue
		}
		if (members[0] == userA && members[1] == userB) || (members[0] == userB && members[1] == userA) {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ConversationRepo) ListForUser(_ context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	convs := make([]models.Conversation, 0)
	for key := range r.s.participants {
		if key.userID == userID {
			convs = append(convs, *r.s.conversations[key.conversationID])
		}
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs, nil
}

func (r *ConversationRepo) ListParticipants(_ context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]models.Participant, 0)
	for key, p := range r.s.participants {
		if key.conversationID == conversationID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (r *ConversationRepo) LastMessage(_ context.Context, conversationID uuid.UUID) (*models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	msgs := r.s.sortedMessages(conversationID)
	if len(msgs) == 0 {
		return nil, nil
	}
	cp := *msgs[len(msgs)-1]
	return &cp, nil
}

func (r *ConversationRepo) ListMessages(_ context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	msgs := r.s.sortedMessages(conversationID)
	out := make([]models.Message, 0, limit)
	for i := len(msgs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *msgs[i])
	}
	return out, nil
}

// members returns the conversation's user ids. Callers hold r.s.mu.
func (r *ConversationRepo) members(conversationID uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	for key := range r.s.participants {
		if key.conversationID == conversationID {
			ids = append(ids, key.userID)
		}
	}
	return ids
}
