package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dm-service/internal/auth"
	"dm-service/internal/observability"
)

// AuthMiddleware authenticates the request credential (bearer header, token
// query or accessToken cookie) and stores the caller in the "userID" context
// key. The request id is stored under "request_id" and echoed back.
func AuthMiddleware(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := observability.RequestIDFromRequest(c.Request)
		c.Set("request_id", requestID)
		c.Header("X-Request-Id", requestID)

		credential := auth.CredentialFromRequest(c.Request)
		if credential == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		userID, err := authenticator.Authenticate(credential)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"request_id": requestID,
				"ip":         observability.IPFromRequest(c.Request),
				"path":       c.FullPath(),
			}).Debug("rejected credential")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("userID", userID)
		c.Next()
	}
}
