package cipher

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New("too-short")
	require.ErrorIs(t, err, ErrWeakSecret)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	inputs := []string{"", "hello", "привет 👋", strings.Repeat("x", 64*1024)}
	for _, in := range inputs {
		sealed, err := c.Encrypt(in)
		require.NoError(t, err)
		assert.Equal(t, CurrentVersion, sealed.Version)

		out, err := c.Decrypt(sealed.Ciphertext, sealed.Version)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptLegacyEnvelope(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	legacy, err := c.seal(VersionLegacyGCM, "written before the format change")
	require.NoError(t, err)

	// a fresh instance with the same secret must still read the old format
	reader, err := New(testSecret)
	require.NoError(t, err)
	out, err := reader.Decrypt(legacy.Ciphertext, VersionLegacyGCM)
	require.NoError(t, err)
	assert.Equal(t, "written before the format change", out)
}

func TestDecryptUnknownVersion(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	sealed, err := c.Encrypt("hi")
	require.NoError(t, err)

	_, err = c.Decrypt(sealed.Ciphertext, 99)
	require.ErrorIs(t, err, ErrUnknownEnvelope)
	assert.True(t, errors.Is(err, ErrEncryptionFailure))
}

func TestDecryptCorruptPayload(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	_, err = c.Decrypt("not base64 !!", CurrentVersion)
	require.ErrorIs(t, err, ErrDecryptFailed)

	sealed, err := c.Encrypt("hi")
	require.NoError(t, err)
	tampered := []byte(sealed.Ciphertext)
	tampered[len(tampered)-3] ^= 0x01
	_, err = c.Decrypt(string(tampered), CurrentVersion)
	require.ErrorIs(t, err, ErrEncryptionFailure)
}

func TestDecryptWithWrongSecret(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)
	b, err := New(strings.Repeat("z", 40))
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(sealed.Ciphertext, sealed.Version)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenAllIsolatesFailures(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	good, err := c.Encrypt("good")
	require.NoError(t, err)

	msgs := []models.Message{
		{ID: "1", Ciphertext: good.Ciphertext, EnvelopeVersion: good.Version},
		{ID: "2", Ciphertext: "garbage", EnvelopeVersion: CurrentVersion},
		{ID: "3", Ciphertext: good.Ciphertext, EnvelopeVersion: 7},
	}
	views := c.OpenAll(msgs)
	require.Len(t, views, 3)

	require.NotNil(t, views[0].Content)
	assert.Equal(t, "good", *views[0].Content)
	assert.False(t, views[0].DecryptError)

	assert.Nil(t, views[1].Content)
	assert.True(t, views[1].DecryptError)
	assert.Nil(t, views[2].Content)
	assert.True(t, views[2].DecryptError)
}
