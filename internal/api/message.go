package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/realtime"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// MessageHandler serves message history and funnels every mutation through
// the broker, so REST writes reach live clients exactly like websocket ones.
type MessageHandler struct {
	convs  repository.ConversationRepository
	broker *realtime.Broker
	logger *zap.Logger
}

func NewMessageHandler(convs repository.ConversationRepository, broker *realtime.Broker, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{convs: convs, broker: broker, logger: logger}
}

type contentRequest struct {
	Content string `json:"content" binding:"required"`
}

// Create handles POST /v1/conversations/:id/messages
func (h *MessageHandler) Create(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid conversation ID")
		return
	}
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	actor := realtime.UserActor(middleware.GetUserID(c))
	msg, err := h.broker.Send(c.Request.Context(), actor, conversationID, req.Content)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// List handles GET /v1/conversations/:id/messages?limit=50&offset=0
//
// Newest first. limit defaults to 50 and is capped at 100.
func (h *MessageHandler) List(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid conversation ID")
		return
	}

	limit := defaultPageSize
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			badRequest(c, "invalid 'limit' parameter")
			return
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		offset, err = strconv.Atoi(o)
		if err != nil || offset < 0 {
			badRequest(c, "invalid 'offset' parameter")
			return
		}
	}

	ctx := c.Request.Context()
	if err := requireParticipant(ctx, h.broker, middleware.GetUserID(c), conversationID); err != nil {
		writeError(c, h.logger, err)
		return
	}

	messages, err := h.convs.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, messages)
}

// Update handles PUT /v1/messages/:id
func (h *MessageHandler) Update(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid message ID")
		return
	}
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.broker.Edit(c.Request.Context(), realtime.UserActor(middleware.GetUserID(c)), messageID, req.Content)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Delete handles DELETE /v1/messages/:id
func (h *MessageHandler) Delete(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid message ID")
		return
	}

	if err := h.broker.Delete(c.Request.Context(), realtime.UserActor(middleware.GetUserID(c)), messageID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
