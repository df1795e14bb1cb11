package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

// ReadResult describes what a MarkRead call changed.
type ReadResult struct {
	LastReadAt *time.Time  `json:"lastReadAt"`
	MessageIDs []uuid.UUID `json:"messageIds"`
}

// Reconciler owns read watermarks and the bulk sent/delivered -> read
// transition, and computes unread counts straight from the store.
type Reconciler struct {
	store   repository.ChatStore
	broker  *Broker
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewReconciler(store repository.ChatStore, broker *Broker, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		broker:  broker,
		timeout: broker.timeout,
		logger:  logger.Named("reconciler"),
		now:     time.Now,
	}
}

// MarkRead records that userID has read the conversation up to now. Every
// message from someone else that was not yet read becomes read in one store
// update, and each of them gets exactly one message:status:update.
//
// The watermark only moves when there was something unread (or no watermark
// yet), so calling MarkRead again without new messages changes nothing and
// emits nothing.
func (r *Reconciler) MarkRead(ctx context.Context, userID, conversationID uuid.UUID) (*ReadResult, error) {
	unlock := r.broker.locks.Lock(readKey(conversationID.String(), userID.String()))
	result, err := r.markReadLocked(ctx, userID, conversationID)
	unlock()
	if err != nil {
		return nil, err
	}

	for _, id := range result.MessageIDs {
		r.broker.broadcastRoom(conversationID, EventStatusUpdate, StatusUpdate{
			MessageID: id,
			Status:    models.StatusRead,
			UpdatedBy: userID,
		}, uuid.Nil)
	}
	if len(result.MessageIDs) > 0 {
		r.logger.Debug("conversation read",
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", userID.String()),
			zap.Int("messages", len(result.MessageIDs)),
		)
	}
	return result, nil
}

func (r *Reconciler) markReadLocked(ctx context.Context, userID, conversationID uuid.UUID) (*ReadResult, error) {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	participant, err := r.store.FindParticipant(sctx, conversationID, userID)
	if err != nil {
		return nil, storeError("find participant", err)
	}
	if participant == nil {
		return nil, ErrNotAParticipant
	}

	unread, err := r.store.ListMessagesSince(sctx, conversationID, participant.LastReadAt, userID)
	if err != nil {
		return nil, storeError("list unread", err)
	}

	ids, err := r.store.MarkConversationRead(sctx, conversationID, userID)
	if err != nil {
		return nil, storeError("mark read", err)
	}

	watermark := participant.LastReadAt
	if watermark == nil || len(unread) > 0 {
		at := r.now().UTC()
		// Never leave a read message above the watermark, even if the
		// database clock runs ahead of ours.
		if n := len(unread); n > 0 && unread[n-1].CreatedAt.After(at) {
			at = unread[n-1].CreatedAt
		}
		if err := r.store.UpdateParticipantLastRead(sctx, conversationID, userID, at); err != nil {
			return nil, storeError("update last read", err)
		}
		watermark = &at
	}

	return &ReadResult{LastReadAt: watermark, MessageIDs: ids}, nil
}

// UnreadCount counts messages from others newer than the user's watermark
// (all of them if the user never read the conversation). It is computed
// from stored state on every call.
func (r *Reconciler) UnreadCount(ctx context.Context, userID, conversationID uuid.UUID) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	participant, err := r.store.FindParticipant(sctx, conversationID, userID)
	if err != nil {
		return 0, storeError("find participant", err)
	}
	if participant == nil {
		return 0, ErrNotAParticipant
	}
	n, err := r.store.CountMessagesSince(sctx, conversationID, participant.LastReadAt, userID)
	if err != nil {
		return 0, storeError("count unread", err)
	}
	return n, nil
}
