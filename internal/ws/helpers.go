package ws

import (
	"crypto/rand"
	"encoding/hex"
)

func newConnID() string {
	return randomHex(16)
}

func newAckID() string {
	return randomHex(12)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
