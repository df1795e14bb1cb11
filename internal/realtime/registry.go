package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

// Conn is one live client connection as the core sees it. Send must not
// block: a connection that cannot accept a frame returns an error and is
// pruned.
type Conn interface {
	ID() string
	UserID() uuid.UUID
	Send(payload []byte) error
	Close() error
}

type regEntry struct {
	conn  Conn
	rooms map[uuid.UUID]struct{}
	// counted is set once the connection has been added to its user's
	// presence count; only counted connections are subtracted again.
	counted bool
	// ctx is cancelled on unregister so in-flight joins for a closed
	// connection stop waiting on the store.
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry indexes live connections by id, by user and by room. All lookups
// return copies, so callers iterate a stable snapshot while joins and leaves
// continue.
type Registry struct {
	store   repository.ChatStore
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.RWMutex
	conns map[string]*regEntry
	users map[uuid.UUID]map[string]*regEntry
	rooms map[uuid.UUID]map[string]*regEntry
}

// NewRegistry returns an empty registry whose store calls are bounded by
// storeTimeout.
func NewRegistry(store repository.ChatStore, storeTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		timeout: storeTimeout,
		logger:  logger.Named("registry"),
		conns:   make(map[string]*regEntry),
		users:   make(map[uuid.UUID]map[string]*regEntry),
		rooms:   make(map[uuid.UUID]map[string]*regEntry),
	}
}

// storeCtx bounds a store call by the store timeout, the caller's context and
// the connection's lifetime.
func (r *Registry) storeCtx(ctx context.Context, e *regEntry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Register records the connection and joins it to every conversation its
// user participates in before returning. If the conversation list cannot be
// read the connection is removed again and ErrStoreUnavailable is returned.
// A connection removed while the list was loading yields ErrAuth.
func (r *Registry) Register(ctx context.Context, conn Conn) error {
	return r.register(ctx, conn, nil)
}

// register is Register with a commit hook that runs under the registry lock
// once the connection is known to be live, so nothing can unregister it
// between the two.
func (r *Registry) register(ctx context.Context, conn Conn, commit func()) error {
	entryCtx, cancel := context.WithCancel(context.Background())
	e := &regEntry{
		conn:   conn,
		rooms:  make(map[uuid.UUID]struct{}),
		ctx:    entryCtx,
		cancel: cancel,
	}

	r.mu.Lock()
	if _, exists := r.conns[conn.ID()]; exists {
		r.mu.Unlock()
		cancel()
		return validationError("connection %s already registered", conn.ID())
	}
	r.conns[conn.ID()] = e
	byUser, ok := r.users[conn.UserID()]
	if !ok {
		byUser = make(map[string]*regEntry)
		r.users[conn.UserID()] = byUser
	}
	byUser[conn.ID()] = e
	r.mu.Unlock()

	sctx, done := r.storeCtx(ctx, e)
	convIDs, err := r.store.ListParticipantConversations(sctx, conn.UserID())
	done()
	if err != nil {
		r.Unregister(conn.ID())
		return storeError("list conversations", err)
	}

	r.mu.Lock()
	if r.conns[conn.ID()] != e {
		r.mu.Unlock()
		return fmt.Errorf("%w: connection closed during registration", ErrAuth)
	}
	for _, convID := range convIDs {
		r.addToRoomLocked(e, convID)
	}
	if commit != nil {
		commit()
		e.counted = true
	}
	r.mu.Unlock()

	r.logger.Debug("connection registered",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.UserID().String()),
		zap.Int("rooms", len(convIDs)),
	)
	return nil
}

// Unregister removes the connection and all of its room memberships in one
// critical section. ok is false if the connection was not registered, which
// makes repeated calls harmless.
func (r *Registry) Unregister(connID string) (Conn, bool) {
	e, ok := r.unregister(connID)
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) unregister(connID string) (*regEntry, bool) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.conns, connID)
	userID := e.conn.UserID()
	if byUser := r.users[userID]; byUser != nil {
		delete(byUser, connID)
		if len(byUser) == 0 {
			delete(r.users, userID)
		}
	}
	for convID := range e.rooms {
		r.removeFromRoomLocked(e, convID)
	}
	r.mu.Unlock()

	e.cancel()
	return e, true
}

// JoinRoom adds the connection to a conversation room after the store
// confirms its user is a participant. Joining twice is a no-op.
func (r *Registry) JoinRoom(ctx context.Context, connID string, conversationID uuid.UUID) error {
	r.mu.RLock()
	e, ok := r.conns[connID]
	if ok {
		if _, joined := e.rooms[conversationID]; joined {
			r.mu.RUnlock()
			return nil
		}
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: connection is not registered", ErrAuth)
	}

	sctx, done := r.storeCtx(ctx, e)
	participant, err := r.store.FindParticipant(sctx, conversationID, e.conn.UserID())
	done()
	if err != nil {
		return storeError("find participant", err)
	}
	if participant == nil {
		return ErrNotAParticipant
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The connection may have gone away while the store was answering.
	if r.conns[connID] != e {
		return fmt.Errorf("%w: connection closed", ErrAuth)
	}
	r.addToRoomLocked(e, conversationID)
	return nil
}

// LeaveRoom reports whether the connection was in the room.
func (r *Registry) LeaveRoom(connID string, conversationID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, joined := e.rooms[conversationID]; !joined {
		return false
	}
	r.removeFromRoomLocked(e, conversationID)
	return true
}

// JoinUser puts every live connection of userID into the room. The caller
// has already established that the user is a participant.
func (r *Registry) JoinUser(userID, conversationID uuid.UUID) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := make([]Conn, 0, len(r.users[userID]))
	for _, e := range r.users[userID] {
		r.addToRoomLocked(e, conversationID)
		joined = append(joined, e.conn)
	}
	return joined
}

func (r *Registry) addToRoomLocked(e *regEntry, conversationID uuid.UUID) {
	e.rooms[conversationID] = struct{}{}
	room, ok := r.rooms[conversationID]
	if !ok {
		room = make(map[string]*regEntry)
		r.rooms[conversationID] = room
	}
	room[e.conn.ID()] = e
}

func (r *Registry) removeFromRoomLocked(e *regEntry, conversationID uuid.UUID) {
	delete(e.rooms, conversationID)
	if room := r.rooms[conversationID]; room != nil {
		delete(room, e.conn.ID())
		if len(room) == 0 {
			delete(r.rooms, conversationID)
		}
	}
}

// Get looks up a registered connection by id.
func (r *Registry) Get(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// InRoom reports whether the connection has joined the conversation room.
func (r *Registry) InRoom(connID string, conversationID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, joined := e.rooms[conversationID]
	return joined
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[userID])
}

// ConnectionsInRoom returns a snapshot of the room's connections.
func (r *Registry) ConnectionsInRoom(conversationID uuid.UUID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[conversationID])
}

// RoomsOf lists the conversations a connection has joined.
func (r *Registry) RoomsOf(connID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}
	return ids
}

// All returns every registered connection; presence broadcasts are global.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.conns)
}

// Count is the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func snapshot(entries map[string]*regEntry) []Conn {
	out := make([]Conn, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.conn)
	}
	return out
}
