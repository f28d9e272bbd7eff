package presence

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dm-service/internal/observability"
)

// Registry answers whether an identity is reachable right now. It writes to
// the shared store when one is configured and falls back to process-local
// state whenever the shared store fails.
type Registry struct {
	shared   Store
	local    *MemoryStore
	ttl      time.Duration
	degraded atomic.Bool
}

// NewRegistry builds a registry. A nil shared store means single-instance
// mode from the start.
func NewRegistry(shared Store, ttl time.Duration) *Registry {
	r := &Registry{shared: shared, local: NewMemoryStore(), ttl: ttl}
	if shared == nil {
		r.setDegraded(true, nil)
	}
	return r
}

// MarkOnline records a live session for userID. Calling it again refreshes the TTL.
func (r *Registry) MarkOnline(ctx context.Context, userID, sessionRef string) {
	_ = r.local.Add(ctx, userID, sessionRef, r.ttl)
	if r.shared == nil {
		return
	}
	if err := r.shared.Add(ctx, userID, sessionRef, r.ttl); err != nil {
		r.setDegraded(true, err)
		return
	}
	r.setDegraded(false, nil)
}

// MarkOffline removes every presence entry for userID.
func (r *Registry) MarkOffline(ctx context.Context, userID string) {
	_ = r.local.Remove(ctx, userID)
	r.local.Purge()
	if r.shared == nil {
		return
	}
	if err := r.shared.Remove(ctx, userID); err != nil {
		r.setDegraded(true, err)
		return
	}
	r.setDegraded(false, nil)
}

// IsOnline reports whether userID has a live session on any instance.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	if r.shared != nil {
		online, err := r.shared.Exists(ctx, userID)
		if err == nil {
			r.setDegraded(false, nil)
			if online {
				return true
			}
		} else {
			r.setDegraded(true, err)
		}
	}
	online, _ := r.local.Exists(ctx, userID)
	return online
}

// LastSeen returns when userID was last seen by any session still present.
func (r *Registry) LastSeen(ctx context.Context, userID string) (time.Time, bool) {
	if r.shared != nil {
		if seen, ok, err := r.shared.LastSeen(ctx, userID); err == nil && ok {
			return seen, true
		}
	}
	seen, ok, _ := r.local.LastSeen(ctx, userID)
	return seen, ok
}

// ReportUnavailable flags the shared store as unreachable until the next
// successful call, e.g. after a failed startup ping.
func (r *Registry) ReportUnavailable(cause error) {
	r.setDegraded(true, cause)
}

// Degraded reports whether the registry is currently running on local state only.
func (r *Registry) Degraded() bool {
	return r.degraded.Load()
}

func (r *Registry) setDegraded(degraded bool, cause error) {
	if r.degraded.Swap(degraded) == degraded {
		return
	}
	observability.SetPresenceDegraded(degraded)
	if degraded {
		entry := logrus.WithField("component", "presence")
		if cause != nil {
			entry = entry.WithField("error", cause.Error())
		}
		entry.Warn("presence running degraded on in-process state")
		return
	}
	logrus.WithField("component", "presence").Info("shared presence store recovered")
}
