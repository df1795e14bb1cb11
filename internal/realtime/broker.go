package realtime

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

// MaxContentLength caps a message body, counted in runes.
const MaxContentLength = 4000

// UserLookup resolves sender details for message:new.
type UserLookup interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
}

// Actor is who performs a broker operation. Live connections set ConnID;
// REST requests leave it empty and are authorized against the store.
type Actor struct {
	UserID uuid.UUID
	ConnID string
}

// ConnActor is the actor for events arriving on a live connection.
func ConnActor(conn Conn) Actor {
	return Actor{UserID: conn.UserID(), ConnID: conn.ID()}
}

// UserActor is the actor for REST requests.
func UserActor(userID uuid.UUID) Actor {
	return Actor{UserID: userID}
}

// Options tunes a Broker. Zero values fall back to defaults.
type Options struct {
	// StoreTimeout bounds every store call the broker makes.
	StoreTimeout time.Duration
	// PresenceGrace is how long a user stays online after the last
	// connection closes.
	PresenceGrace time.Duration
	// TypingTTL is how long a typing:start counts without a refresh.
	TypingTTL time.Duration
	// FanoutConcurrency caps sends in flight for one broadcast.
	FanoutConcurrency int
	// Mirror is optional.
	Mirror PresenceMirror
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.StoreTimeout <= 0 {
		out.StoreTimeout = 5 * time.Second
	}
	if out.PresenceGrace <= 0 {
		out.PresenceGrace = 5 * time.Second
	}
	if out.TypingTTL <= 0 {
		out.TypingTTL = 6 * time.Second
	}
	if out.FanoutConcurrency <= 0 {
		out.FanoutConcurrency = 16
	}
	return out
}

// Broker validates client events, persists their effects through the store
// and fans the resulting events out to the right connections. Every
// operation is independent: persist first, then broadcast with no lock held.
type Broker struct {
	store    repository.ChatStore
	users    UserLookup
	registry *Registry
	presence *PresenceTracker
	typing   *typingState
	locks    *keyLocks
	fan      *fanout
	timeout  time.Duration
	logger   *zap.Logger
}

// NewBroker wires the registry, presence tracker and fan-out around store.
func NewBroker(store repository.ChatStore, users UserLookup, opts Options, logger *zap.Logger) *Broker {
	opts = opts.withDefaults()
	logger = logger.Named("realtime")

	b := &Broker{
		store:   store,
		users:   users,
		typing:  newTypingState(opts.TypingTTL),
		locks:   newKeyLocks(),
		timeout: opts.StoreTimeout,
		logger:  logger,
	}
	b.registry = NewRegistry(store, opts.StoreTimeout, logger)
	b.fan = newFanout(opts.FanoutConcurrency, b.drop, logger)
	b.presence = newPresenceTracker(store, opts.Mirror, b.registry, b.fan, opts.PresenceGrace, opts.StoreTimeout, logger)
	return b
}

// Registry exposes the connection registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Presence exposes the presence tracker.
func (b *Broker) Presence() *PresenceTracker { return b.presence }

func (b *Broker) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// Connect registers an authenticated connection, auto-joins its rooms and
// counts it towards the user's presence.
func (b *Broker) Connect(ctx context.Context, conn Conn) error {
	var publish func()
	err := b.registry.register(ctx, conn, func() {
		publish = b.presence.retain(conn.UserID())
	})
	if err != nil {
		return err
	}
	if publish != nil {
		publish()
	}
	b.logger.Info("client connected",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.UserID().String()),
	)
	return nil
}

// Disconnect forgets the connection. Calling it for an unknown or already
// removed connection does nothing.
func (b *Broker) Disconnect(connID string) {
	e, ok := b.registry.unregister(connID)
	if !ok {
		return
	}
	conn := e.conn
	if e.counted {
		b.presence.OnDisconnect(conn.UserID())
	}
	b.logger.Info("client disconnected",
		zap.String("conn_id", connID),
		zap.String("user_id", conn.UserID().String()),
	)
}

// drop prunes a connection that failed a send.
func (b *Broker) drop(conn Conn) {
	b.Disconnect(conn.ID())
	_ = conn.Close()
}

// JoinConversation joins a connection to a room and acknowledges it with
// conversation:joined.
func (b *Broker) JoinConversation(ctx context.Context, conn Conn, conversationID uuid.UUID) error {
	if err := b.registry.JoinRoom(ctx, conn.ID(), conversationID); err != nil {
		return err
	}
	b.sendTo(conn, EventJoined, ConversationRef{ConversationID: conversationID})
	return nil
}

// LeaveConversation always acknowledges, even if the room was not joined.
func (b *Broker) LeaveConversation(conn Conn, conversationID uuid.UUID) {
	b.registry.LeaveRoom(conn.ID(), conversationID)
	b.sendTo(conn, EventLeft, ConversationRef{ConversationID: conversationID})
}

// AttachParticipants joins every live connection of the given users to a
// conversation room, e.g. right after the conversation was created.
func (b *Broker) AttachParticipants(conversationID uuid.UUID, userIDs []uuid.UUID) {
	for _, userID := range userIDs {
		for _, conn := range b.registry.JoinUser(userID, conversationID) {
			b.sendTo(conn, EventJoined, ConversationRef{ConversationID: conversationID})
		}
	}
}

// Authorize checks the actor may act on the conversation. A live connection
// must have joined the room; a REST caller must be a stored participant.
func (b *Broker) Authorize(ctx context.Context, actor Actor, conversationID uuid.UUID) error {
	if actor.ConnID != "" {
		if !b.registry.InRoom(actor.ConnID, conversationID) {
			return ErrNotAParticipant
		}
		return nil
	}
	sctx, cancel := b.storeCtx(ctx)
	defer cancel()
	p, err := b.store.FindParticipant(sctx, conversationID, actor.UserID)
	if err != nil {
		return storeError("find participant", err)
	}
	if p == nil {
		return ErrNotAParticipant
	}
	return nil
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", validationError("content exceeds %d characters", MaxContentLength)
	}
	return content, nil
}

// Send persists a message and then broadcasts message:new and
// conversation:update to the room. A live typing indicator of the sender is
// stopped with typing:update first.
func (b *Broker) Send(ctx context.Context, actor Actor, conversationID uuid.UUID, content string) (*models.Message, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return nil, err
	}
	if err := b.Authorize(ctx, actor, conversationID); err != nil {
		return nil, err
	}

	sctx, cancel := b.storeCtx(ctx)
	defer cancel()

	msg, err := b.store.InsertMessage(sctx, conversationID, actor.UserID, content)
	if err != nil {
		return nil, storeError("insert message", err)
	}
	// The message is committed at this point; a failed bump only leaves the
	// conversation list order stale.
	if err := b.store.TouchConversation(sctx, conversationID, msg.CreatedAt); err != nil {
		b.logger.Warn("bump conversation failed",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err),
		)
	}

	sender := models.PublicUser{ID: actor.UserID}
	if u, err := b.users.GetByID(sctx, actor.UserID); err != nil {
		b.logger.Warn("load sender failed", zap.String("user_id", actor.UserID.String()), zap.Error(err))
	} else if u != nil {
		sender = u.Public()
	}

	if b.typing.clear(conversationID, actor.UserID) {
		b.broadcastRoom(conversationID, EventTypingUpdate, TypingUpdate{
			ConversationID: conversationID,
			UserID:         actor.UserID,
			IsTyping:       false,
		}, actor.UserID)
	}
	b.broadcastRoom(conversationID, EventMessageNew, MessageNew{Message: *msg, Sender: sender}, uuid.Nil)
	b.broadcastRoom(conversationID, EventConversationUpdate, ConversationUpdate{
		ConversationID: conversationID,
		LastMessage:    *msg,
	}, uuid.Nil)
	return msg, nil
}

// loadOwned fetches a message and checks the actor sent it. Callers hold the
// message lock.
func (b *Broker) loadOwned(ctx context.Context, actor Actor, messageID uuid.UUID) (*models.Message, error) {
	msg, err := b.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeError("get message", err)
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	if msg.SenderID != actor.UserID {
		return nil, ErrForbidden
	}
	return msg, nil
}

// Edit replaces the content of the actor's own message and broadcasts
// message:updated.
func (b *Broker) Edit(ctx context.Context, actor Actor, messageID uuid.UUID, content string) (*models.Message, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return nil, err
	}

	unlock := b.locks.Lock(messageKey(messageID.String()))
	sctx, cancel := b.storeCtx(ctx)
	defer cancel()

	if _, err := b.loadOwned(sctx, actor, messageID); err != nil {
		unlock()
		return nil, err
	}
	edited := true
	updated, err := b.store.UpdateMessage(sctx, messageID, models.MessageUpdate{
		Content:  &content,
		IsEdited: &edited,
	})
	unlock()
	if err != nil {
		return nil, storeError("update message", err)
	}
	if updated == nil {
		return nil, ErrNotFound
	}

	b.broadcastRoom(updated.ConversationID, EventMessageUpdated, MessageUpdated{Message: *updated}, uuid.Nil)
	return updated, nil
}

// Delete removes the actor's own message and broadcasts message:deleted
// carrying only ids.
func (b *Broker) Delete(ctx context.Context, actor Actor, messageID uuid.UUID) error {
	unlock := b.locks.Lock(messageKey(messageID.String()))
	sctx, cancel := b.storeCtx(ctx)
	defer cancel()

	msg, err := b.loadOwned(sctx, actor, messageID)
	if err != nil {
		unlock()
		return err
	}
	err = b.store.DeleteMessage(sctx, messageID)
	unlock()
	if err != nil {
		return storeError("delete message", err)
	}

	b.broadcastRoom(msg.ConversationID, EventMessageDeleted, MessageDeleted{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
	}, uuid.Nil)
	return nil
}

// SetTyping updates the in-memory typing state and tells the rest of the
// room. The typist's own connections are never told.
func (b *Broker) SetTyping(ctx context.Context, actor Actor, conversationID uuid.UUID, isTyping bool) error {
	if err := b.Authorize(ctx, actor, conversationID); err != nil {
		return err
	}
	if !b.typing.set(conversationID, actor.UserID, isTyping) {
		return nil
	}
	b.broadcastRoom(conversationID, EventTypingUpdate, TypingUpdate{
		ConversationID: conversationID,
		UserID:         actor.UserID,
		IsTyping:       isTyping,
	}, actor.UserID)
	return nil
}

// TypingUsers lists who is typing in a conversation right now.
func (b *Broker) TypingUsers(ctx context.Context, actor Actor, conversationID uuid.UUID) ([]uuid.UUID, error) {
	if err := b.Authorize(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	return b.typing.active(conversationID), nil
}

// SetStatus moves a message's status forward. A status equal to or behind
// the current one changes nothing and broadcasts nothing; changed reports
// which case happened.
func (b *Broker) SetStatus(ctx context.Context, actor Actor, messageID uuid.UUID, status models.MessageStatus) (msg *models.Message, changed bool, err error) {
	if status != models.StatusDelivered && status != models.StatusRead {
		return nil, false, validationError("status must be %q or %q", models.StatusDelivered, models.StatusRead)
	}

	unlock := b.locks.Lock(messageKey(messageID.String()))
	sctx, cancel := b.storeCtx(ctx)
	defer cancel()

	current, err := b.store.GetMessage(sctx, messageID)
	if err != nil {
		unlock()
		return nil, false, storeError("get message", err)
	}
	if current == nil {
		unlock()
		return nil, false, ErrNotFound
	}
	if err := b.Authorize(sctx, actor, current.ConversationID); err != nil {
		unlock()
		return nil, false, err
	}
	if !current.Status.Advances(status) {
		unlock()
		return current, false, nil
	}

	updated, err := b.store.UpdateMessage(sctx, messageID, models.MessageUpdate{Status: &status})
	unlock()
	if err != nil {
		return nil, false, storeError("update message status", err)
	}
	if updated == nil {
		return nil, false, ErrNotFound
	}
	// A bulk read may have overtaken this update; the store keeps the
	// furthest status and there is nothing new to announce.
	if updated.Status != status {
		return updated, false, nil
	}

	b.broadcastRoom(updated.ConversationID, EventStatusUpdate, StatusUpdate{
		MessageID: messageID,
		Status:    status,
		UpdatedBy: actor.UserID,
	}, uuid.Nil)
	return updated, true, nil
}

// broadcastRoom sends one event to every connection in the room, skipping
// connections that belong to exclude (uuid.Nil excludes nobody).
func (b *Broker) broadcastRoom(conversationID uuid.UUID, event string, payload any, exclude uuid.UUID) int {
	frame, err := Encode(event, payload)
	if err != nil {
		b.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return 0
	}
	conns := b.registry.ConnectionsInRoom(conversationID)
	if exclude != uuid.Nil {
		kept := conns[:0]
		for _, c := range conns {
			if c.UserID() != exclude {
				kept = append(kept, c)
			}
		}
		conns = kept
	}
	return b.fan.deliver(conns, frame)
}

// sendTo delivers an event to a single connection.
func (b *Broker) sendTo(conn Conn, event string, payload any) {
	frame, err := Encode(event, payload)
	if err != nil {
		b.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	b.fan.deliver([]Conn{conn}, frame)
}

// SendError reports a failed request to the requesting connection only.
func (b *Broker) SendError(conn Conn, event string, err error) {
	b.sendTo(conn, EventError, ErrorPayload{
		Message: Message(err),
		Code:    Code(err),
		Event:   event,
	})
}

// Close stops background presence timers.
func (b *Broker) Close() {
	b.presence.Close()
}
