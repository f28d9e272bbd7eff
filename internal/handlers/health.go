package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger checks a backing store.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Degrader reports whether a dependency is running in fallback mode.
type Degrader interface {
	Degraded() bool
}

// Health reports liveness plus the state of the database and presence store.
func Health(db Pinger, presence Degrader, publisherMode string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		database := "connected"
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				database = "disconnected"
				status = http.StatusServiceUnavailable
			}
		}
		presenceMode := "shared"
		if presence != nil && presence.Degraded() {
			presenceMode = "degraded"
		}

		c.JSON(status, gin.H{
			"status":    http.StatusText(status),
			"database":  database,
			"presence":  presenceMode,
			"publisher": publisherMode,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
