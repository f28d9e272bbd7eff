package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// sessionSet maps a session ref to when it was last seen. Values stored in
// the cache are never mutated in place.
type sessionSet map[string]time.Time

// MemoryStore is the in-process fallback. It only sees sessions of this
// instance.
type MemoryStore struct {
	// mu serialises read-modify-write of a user's session set.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, sessionSet]
}

// NewMemoryStore creates an empty store. Reads do not extend an entry's TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: ttlcache.New[string, sessionSet](
			ttlcache.WithDisableTouchOnHit[string, sessionSet](),
		),
	}
}

func (s *MemoryStore) Add(_ context.Context, userID, sessionRef string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := sessionSet{}
	if item := s.cache.Get(userID); item != nil {
		for ref, seen := range item.Value() {
			next[ref] = seen
		}
	}
	next[sessionRef] = time.Now()
	s.cache.Set(userID, next, ttl)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(userID)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, userID string) (bool, error) {
	return s.cache.Get(userID) != nil, nil
}

func (s *MemoryStore) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	item := s.cache.Get(userID)
	if item == nil {
		return time.Time{}, false, nil
	}
	var latest time.Time
	for _, seen := range item.Value() {
		if seen.After(latest) {
			latest = seen
		}
	}
	return latest, true, nil
}

// Purge drops expired entries. Expired entries are already invisible to
// reads; this only reclaims memory.
func (s *MemoryStore) Purge() {
	s.cache.DeleteExpired()
}
