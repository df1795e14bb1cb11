package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/realtime"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

const maxGroupSize = 256

type ConversationHandler struct {
	convs      repository.ConversationRepository
	users      repository.UserRepository
	broker     *realtime.Broker
	reconciler *realtime.Reconciler
	logger     *zap.Logger
}

func NewConversationHandler(
	convs repository.ConversationRepository,
	users repository.UserRepository,
	broker *realtime.Broker,
	reconciler *realtime.Reconciler,
	logger *zap.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		convs:      convs,
		users:      users,
		broker:     broker,
		reconciler: reconciler,
		logger:     logger,
	}
}

func requireParticipant(ctx context.Context, broker *realtime.Broker, userID, conversationID uuid.UUID) error {
	return broker.Authorize(ctx, realtime.UserActor(userID), conversationID)
}

// List handles GET /v1/conversations
//
// Each summary carries the participants, the last message and the caller's
// unread count.
func (h *ConversationHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	convs, err := h.convs.ListForUser(ctx, userID)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}

	summaries := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary, err := h.summarize(ctx, userID, conv)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		summaries = append(summaries, *summary)
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *ConversationHandler) summarize(ctx context.Context, userID uuid.UUID, conv models.Conversation) (*models.ConversationSummary, error) {
	participants, err := h.convs.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	users, err := h.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	public := make([]models.PublicUser, 0, len(users))
	for i := range users {
		public = append(public, users[i].Public())
	}

	last, err := h.convs.LastMessage(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	unread, err := h.reconciler.UnreadCount(ctx, userID, conv.ID)
	if err != nil {
		return nil, err
	}

	return &models.ConversationSummary{
		Conversation: conv,
		Participants: public,
		LastMessage:  last,
		UnreadCount:  unread,
	}, nil
}

type createConversationRequest struct {
	ParticipantIDs []uuid.UUID `json:"participantIds" binding:"required,min=1"`
	Name           *string     `json:"name"`
	IsGroup        bool        `json:"isGroup"`
}

// Create handles POST /v1/conversations
//
// The caller is always a participant. A 1:1 request for a pair that already
// shares a direct conversation returns that conversation with 200.
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	members := dedupe(append([]uuid.UUID{userID}, req.ParticipantIDs...))
	if len(members) < 2 {
		badRequest(c, "a conversation needs at least one other participant")
		return
	}
	if len(members) > maxGroupSize {
		badRequest(c, "too many participants")
		return
	}
	isGroup := req.IsGroup || len(members) > 2

	found, err := h.users.ListByIDs(ctx, members)
	if err != nil {
		h.logger.Error("failed to load participants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	if len(found) != len(members) {
		badRequest(c, "unknown participant")
		return
	}

	if !isGroup {
		existing, err := h.convs.FindDirect(ctx, members[0], members[1])
		if err != nil {
			h.logger.Error("failed to look up direct conversation", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
			return
		}
		if existing != nil {
			c.JSON(http.StatusOK, existing)
			return
		}
	}

	conv, err := h.convs.Create(ctx, req.Name, isGroup, members)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	h.broker.AttachParticipants(conv.ID, members)
	c.JSON(http.StatusCreated, conv)
}

// MarkRead handles POST /v1/conversations/:id/read
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid conversation ID")
		return
	}

	result, err := h.reconciler.MarkRead(c.Request.Context(), middleware.GetUserID(c), conversationID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Unread handles GET /v1/conversations/:id/unread
func (h *ConversationHandler) Unread(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid conversation ID")
		return
	}

	n, err := h.reconciler.UnreadCount(c.Request.Context(), middleware.GetUserID(c), conversationID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": conversationID, "count": n})
}

// Typing handles GET /v1/conversations/:id/typing
func (h *ConversationHandler) Typing(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid conversation ID")
		return
	}

	users, err := h.broker.TypingUsers(c.Request.Context(), realtime.UserActor(middleware.GetUserID(c)), conversationID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": conversationID, "userIds": users})
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
