package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerStub struct{ err error }

func (p pingerStub) PingContext(context.Context) error { return p.err }

type degraderStub bool

func (d degraderStub) Degraded() bool { return bool(d) }

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name     string
		db       Pinger
		presence Degrader
		code     int
		mode     string
	}{
		{"healthy", pingerStub{}, degraderStub(false), http.StatusOK, "shared"},
		{"degraded presence stays up", pingerStub{}, degraderStub(true), http.StatusOK, "degraded"},
		{"database down", pingerStub{err: assert.AnError}, degraderStub(false), http.StatusServiceUnavailable, "shared"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/health", Health(tc.db, tc.presence, "noop"))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, tc.code, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.mode, body["presence"])
			assert.Equal(t, "noop", body["publisher"])
		})
	}
}
