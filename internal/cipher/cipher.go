package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// VersionLegacyGCM is AES-256-GCM keyed by SHA-256 of the secret. Read only.
	VersionLegacyGCM = 1
	// VersionXChaCha is XChaCha20-Poly1305 keyed through HKDF-SHA256.
	VersionXChaCha = 2

	CurrentVersion = VersionXChaCha

	MinSecretLength = 32

	hkdfInfo = "dm-service message envelope v2"
)

var (
	ErrEncryptionFailure = errors.New("message encryption failure")
	ErrWeakSecret        = errors.New("encryption secret must be at least 32 characters")
	ErrUnknownEnvelope   = fmt.Errorf("%w: unknown envelope version", ErrEncryptionFailure)
	ErrDecryptFailed     = fmt.Errorf("%w: envelope could not be opened", ErrEncryptionFailure)
)

// Sealed is an encrypted body together with the envelope version that produced it.
type Sealed struct {
	Ciphertext string
	Version    int
}

// Cipher seals message bodies at rest. It writes the current envelope
// version and reads every version it knows about.
type Cipher struct {
	openers map[int]stdcipher.AEAD
	current int
}

// New derives per-version keys from the master secret.
func New(secret string) (*Cipher, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}

	legacyKey := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(legacyKey[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive envelope key: %w", err)
	}
	xchacha, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	return &Cipher{
		openers: map[int]stdcipher.AEAD{
			VersionLegacyGCM: gcm,
			VersionXChaCha:   xchacha,
		},
		current: CurrentVersion,
	}, nil
}

// Encrypt seals plaintext with the current envelope version.
func (c *Cipher) Encrypt(plaintext string) (Sealed, error) {
	return c.seal(c.current, plaintext)
}

func (c *Cipher) seal(version int, plaintext string) (Sealed, error) {
	aead, ok := c.openers[version]
	if !ok {
		return Sealed{}, ErrUnknownEnvelope
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("%w: generate nonce: %v", ErrEncryptionFailure, err)
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), additionalData(version))
	return Sealed{Ciphertext: base64.StdEncoding.EncodeToString(out), Version: version}, nil
}

// Decrypt opens ciphertext written under the given envelope version.
func (c *Cipher) Decrypt(ciphertext string, version int) (string, error) {
	aead, ok := c.openers[version]
	if !ok {
		return "", ErrUnknownEnvelope
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: payload too short", ErrDecryptFailed)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, additionalData(version))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Legacy envelopes were written without associated data.
func additionalData(version int) []byte {
	if version == VersionLegacyGCM {
		return nil
	}
	return []byte{byte(version)}
}
