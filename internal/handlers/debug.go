package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dm-service/internal/telemetry"
)

// PresenceInspector exposes presence state for operators.
type PresenceInspector interface {
	IsOnline(ctx context.Context, userID string) bool
	LastSeen(ctx context.Context, userID string) (time.Time, bool)
	Degraded() bool
}

// RegisterDebugRoutes wires operator endpoints when enabled.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, presence PresenceInspector, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/presence/:user_id", func(c *gin.Context) {
		if presence == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence not configured"})
			return
		}
		userID := c.Param("user_id")
		resp := gin.H{
			"user_id":  userID,
			"online":   presence.IsOnline(c.Request.Context(), userID),
			"degraded": presence.Degraded(),
		}
		if seen, ok := presence.LastSeen(c.Request.Context(), userID); ok {
			resp["last_seen"] = seen.UTC().Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, resp)
	})
}
