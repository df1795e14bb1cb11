package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/cache"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

// PresenceReader answers presence lookups from the mirror.
type PresenceReader interface {
	GetPresence(ctx context.Context, userID uuid.UUID) (cache.Presence, bool, error)
}

// UserHandler handles user-related operations.
type UserHandler struct {
	repo     repository.UserRepository
	presence PresenceReader
	logger   *zap.Logger
}

// NewUserHandler accepts a nil presence reader; lookups then go to the store.
func NewUserHandler(repo repository.UserRepository, presence PresenceReader, logger *zap.Logger) *UserHandler {
	return &UserHandler{repo: repo, presence: presence, logger: logger}
}

// GetMe handles GET /v1/users/me
func (h *UserHandler) GetMe(c *gin.Context) {
	userID := middleware.GetUserID(c)

	user, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user"})
		return
	}
	// A valid token for a deleted account.
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, user)
}

type presenceResponse struct {
	UserID   uuid.UUID `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen any       `json:"lastSeen"`
}

// GetPresence handles GET /v1/users/:id/presence
//
// The Redis mirror answers when it has an entry; otherwise the users row does.
func (h *UserHandler) GetPresence(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid user ID")
		return
	}
	ctx := c.Request.Context()

	if h.presence != nil {
		p, found, err := h.presence.GetPresence(ctx, userID)
		if err != nil {
			h.logger.Warn("presence mirror read failed", zap.Error(err))
		} else if found {
			c.JSON(http.StatusOK, presenceResponse{UserID: userID, IsOnline: p.Online, LastSeen: p.LastSeen})
			return
		}
	}

	user, err := h.repo.GetByID(ctx, userID)
	if err != nil {
		h.logger.Error("failed to get user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get presence"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, presenceResponse{UserID: userID, IsOnline: user.IsOnline, LastSeen: user.LastSeen})
}
