package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/realtime"
	"go.uber.org/zap"
)

var statusByCode = map[string]int{
	"unauthorized":      http.StatusUnauthorized,
	"not_a_participant": http.StatusForbidden,
	"not_found":         http.StatusNotFound,
	"forbidden":         http.StatusForbidden,
	"empty_content":     http.StatusBadRequest,
	"validation_error":  http.StatusBadRequest,
	"store_unavailable": http.StatusServiceUnavailable,
}

// writeError is the single place a core error becomes an HTTP response.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	code := realtime.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": realtime.Message(err), "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "validation_error"})
}
