package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"dm-service/internal/auth"
	"dm-service/internal/mocks"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("Authenticate", "good").Return("alice", nil)
	authenticator.On("Authenticate", mock.Anything).Return("", auth.ErrAuthentication)

	r := gin.New()
	r.Use(AuthMiddleware(authenticator))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("userID"))
	})

	cases := []struct {
		name   string
		header string
		code   int
	}{
		{"valid bearer", "Bearer good", http.StatusOK},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, "alice", rec.Body.String())
			}
		})
	}
}

func TestAuthMiddlewareEchoesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("Authenticate", "good").Return("alice", nil)

	r := gin.New()
	r.Use(AuthMiddleware(authenticator))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami?token=good", nil)
	req.Header.Set("X-Request-Id", "req-7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-7", rec.Body.String())
	assert.Equal(t, "req-7", rec.Header().Get("X-Request-Id"))
}
