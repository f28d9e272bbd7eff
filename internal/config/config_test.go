package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/cipher"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("ACK_TIMEOUT", "2500")
	t.Setenv("RETRY_INTERVAL", "30s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, 30*time.Second, cfg.RetryInterval)
	assert.Equal(t, 4, cfg.RetryMaxAttempts)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.BackoffCap)
}

func TestLoadRejectsShortEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "short")
	t.Setenv("JWT_SECRET", "jwt")

	_, err := Load()
	require.ErrorIs(t, err, cipher.ErrWeakSecret)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("ACK_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadYAMLOverriddenByEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
encryption_key: "`+testKey+`"
jwt_secret: from-file
retry_max_attempts: 3
amqp_exchange: file.exchange
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("AMQP_EXCHANGE", "env.exchange")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, "env.exchange", cfg.AMQPExchange)
}

func TestValidateBackoffBounds(t *testing.T) {
	cfg := Defaults()
	cfg.EncryptionKey = testKey
	cfg.JWTSecret = "jwt"
	cfg.BackoffCap = time.Second
	require.Error(t, cfg.Validate())
}
