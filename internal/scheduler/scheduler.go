package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dm-service/internal/delivery"
	"dm-service/internal/models"
	"dm-service/internal/observability"
)

// DefaultBatchSize is the page size of one candidate query. A tick keeps
// paging until the due set is exhausted or the tick budget runs out.
const DefaultBatchSize = 200

// Store is the slice of the message repository the scheduler reads.
type Store interface {
	ListRetryCandidates(ctx context.Context, now time.Time, maxAttempts int, after *models.RetryCursor, limit int) ([]models.Message, error)
	ListExhausted(ctx context.Context, maxAttempts int, limit int) ([]models.Message, error)
}

// Presence answers whether a recipient is reachable anywhere.
type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

// Deliverer performs the push-and-await step and terminal signalling.
type Deliverer interface {
	Attempt(ctx context.Context, msg models.Message, trigger string) (delivery.Outcome, error)
	DeadLetter(ctx context.Context, msg models.Message) (bool, error)
	MaxAttempts() int
}

// TickStats summarises one pass.
type TickStats struct {
	Pages        int
	Candidates   int
	Offline      int
	Delivered    int
	Deferred     int
	Remote       int
	DeadLettered int
}

// Scheduler periodically redrives messages that missed immediate delivery.
type Scheduler struct {
	mutex     sync.Mutex
	store     Store
	presence  Presence
	deliverer Deliverer
	interval  time.Duration
	batchSize int
	budget    time.Duration
	now       func() time.Time

	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

func New(store Store, presence Presence, deliverer Deliverer, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:     store,
		presence:  presence,
		deliverer: deliverer,
		interval:  interval,
		batchSize: DefaultBatchSize,
		budget:    interval,
		now:       time.Now,
	}
}

// Start launches the tick loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stopChan, s.done)
	logrus.WithField("interval", s.interval.String()).Info("retry scheduler started")
}

// Stop halts the loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mutex.Unlock()

	<-done
	logrus.Info("retry scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs a single redrive pass. Recipients that are offline are skipped
// without spending an attempt; paging continues past them so a backlog for
// offline users cannot hide due messages of online ones.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	var stats TickStats
	maxAttempts := s.deliverer.MaxAttempts()
	started := time.Now()
	now := s.now()

	online := map[string]bool{}
	var cursor *models.RetryCursor
	for {
		page, err := s.store.ListRetryCandidates(ctx, now, maxAttempts, cursor, s.batchSize)
		if err != nil {
			logrus.WithField("error", err.Error()).Error("retry scheduler failed to list candidates")
			return stats
		}
		stats.Pages++
		stats.Candidates += len(page)

		for _, msg := range page {
			if ctx.Err() != nil {
				return stats
			}
			s.redrive(ctx, msg, online, &stats)
		}

		if len(page) < s.batchSize {
			break
		}
		last := page[len(page)-1]
		cursor = &models.RetryCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if s.budget > 0 && time.Since(started) >= s.budget {
			logrus.WithFields(logrus.Fields{
				"pages":      stats.Pages,
				"candidates": stats.Candidates,
			}).Warn("retry tick budget exhausted, resuming next tick")
			break
		}
	}

	exhausted, err := s.store.ListExhausted(ctx, maxAttempts, s.batchSize)
	if err != nil {
		logrus.WithField("error", err.Error()).Error("retry scheduler failed to list exhausted messages")
		return stats
	}
	for _, msg := range exhausted {
		marked, err := s.deliverer.DeadLetter(ctx, msg)
		if err != nil {
			logrus.WithFields(logrus.Fields{"message_id": msg.ID, "error": err.Error()}).Warn("dead-letter failed")
			continue
		}
		if marked {
			stats.DeadLettered++
		}
	}

	if stats.Candidates > 0 || stats.DeadLettered > 0 {
		logrus.WithFields(logrus.Fields{
			"pages":         stats.Pages,
			"candidates":    stats.Candidates,
			"offline":       stats.Offline,
			"delivered":     stats.Delivered,
			"deferred":      stats.Deferred,
			"remote":        stats.Remote,
			"dead_lettered": stats.DeadLettered,
		}).Info("retry tick complete")
	}
	return stats
}

func (s *Scheduler) redrive(ctx context.Context, msg models.Message, online map[string]bool, stats *TickStats) {
	reachable, seen := online[msg.RecipientID]
	if !seen {
		reachable = s.presence.IsOnline(ctx, msg.RecipientID)
		online[msg.RecipientID] = reachable
	}
	observability.IncRetryCandidate(reachable)
	if !reachable {
		stats.Offline++
		return
	}

	outcome, err := s.deliverer.Attempt(ctx, msg, delivery.TriggerScheduler)
	if err != nil {
		logrus.WithFields(logrus.Fields{"message_id": msg.ID, "error": err.Error()}).Warn("scheduled delivery failed")
		return
	}
	switch outcome {
	case delivery.OutcomeDelivered:
		stats.Delivered++
	case delivery.OutcomeDeferred:
		stats.Deferred++
	case delivery.OutcomeNoLocalSession:
		stats.Remote++
	}
}
