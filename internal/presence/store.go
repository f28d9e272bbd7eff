package presence

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned when the shared presence store cannot be reached.
var ErrStoreUnavailable = errors.New("presence store unavailable")

// Store persists presence entries keyed by user id. Every operation is
// atomic for a single key.
type Store interface {
	Add(ctx context.Context, userID, sessionRef string, ttl time.Duration) error
	Remove(ctx context.Context, userID string) error
	Exists(ctx context.Context, userID string) (bool, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}
