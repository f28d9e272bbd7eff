package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/cipher"
	"dm-service/internal/delivery"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/presence"
)

type staticPresence struct {
	mu     sync.Mutex
	online map[string]bool
	calls  int
}

func (p *staticPresence) IsOnline(_ context.Context, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.online[userID]
}

type fixture struct {
	store  *mocks.MessageStore
	pusher *mocks.Pusher
	engine *delivery.Engine
	cipher *cipher.Cipher
}

func newFixture(t *testing.T, def delivery.AckResult) *fixture {
	t.Helper()
	c, err := cipher.New("scheduler-test-secret-0123456789abcdef")
	require.NoError(t, err)
	store := mocks.NewMessageStore()
	pusher := mocks.NewPusher(def)
	engine := delivery.NewEngine(store, c, pusher, nil, delivery.Config{
		AckTimeout:  20 * time.Millisecond,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	})
	return &fixture{store: store, pusher: pusher, engine: engine, cipher: c}
}

func (f *fixture) seed(t *testing.T, id, recipient string, attempts int, nextRetryAt *time.Time) {
	t.Helper()
	sealed, err := f.cipher.Encrypt("payload " + id)
	require.NoError(t, err)
	f.store.Put(models.Message{
		ID:               id,
		ClientMessageID:  "client-" + id,
		SenderID:         "alice",
		RecipientID:      recipient,
		Ciphertext:       sealed.Ciphertext,
		EnvelopeVersion:  sealed.Version,
		Status:           models.StatusSent,
		DeliveryAttempts: attempts,
		NextRetryAt:      nextRetryAt,
		CreatedAt:        time.Now().Add(-time.Minute),
	})
}

func TestTick_SkipsOfflineRecipientsWithoutPenalty(t *testing.T) {
	f := newFixture(t, delivery.AckDelivered)
	f.seed(t, "m1", "bob", 0, nil)
	f.seed(t, "m2", "bob", 1, nil)

	p := &staticPresence{online: map[string]bool{}}
	s := New(f.store, p, f.engine, time.Second)

	stats := s.Tick(context.Background())
	assert.Equal(t, 2, stats.Candidates)
	assert.Equal(t, 2, stats.Offline)
	assert.Equal(t, 1, p.calls)
	assert.Zero(t, f.pusher.PushCount())

	msg, err := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.DeliveryAttempts)
}

func (f *fixture) seedAt(t *testing.T, id, recipient string, createdAt time.Time) {
	t.Helper()
	sealed, err := f.cipher.Encrypt("payload " + id)
	require.NoError(t, err)
	f.store.Put(models.Message{
		ID:              id,
		ClientMessageID: "client-" + id,
		SenderID:        "alice",
		RecipientID:     recipient,
		Ciphertext:      sealed.Ciphertext,
		EnvelopeVersion: sealed.Version,
		Status:          models.StatusSent,
		CreatedAt:       createdAt,
	})
}

func TestTick_PagesPastOfflineBacklog(t *testing.T) {
	f := newFixture(t, delivery.AckDelivered)
	base := time.Now().Add(-time.Hour)
	backlog := DefaultBatchSize + 50
	for i := 0; i < backlog; i++ {
		f.seedAt(t, fmt.Sprintf("ghost-%04d", i), "ghost", base.Add(time.Duration(i)*time.Millisecond))
	}
	f.seedAt(t, "bob-1", "bob", base.Add(time.Minute))

	p := &staticPresence{online: map[string]bool{"bob": true}}
	s := New(f.store, p, f.engine, time.Minute)

	stats := s.Tick(context.Background())
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, backlog+1, stats.Candidates)
	assert.Equal(t, backlog, stats.Offline)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 2, p.calls)

	msg, err := f.store.GetMessage(context.Background(), "bob-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, msg.Status)

	ghost, err := f.store.GetMessage(context.Background(), "ghost-0000")
	require.NoError(t, err)
	assert.Zero(t, ghost.DeliveryAttempts)
}

func TestTick_StopsPagingWhenBudgetSpent(t *testing.T) {
	f := newFixture(t, delivery.AckDelivered)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		f.seedAt(t, fmt.Sprintf("m-%d", i), "bob", base.Add(time.Duration(i)*time.Second))
	}

	s := New(f.store, &staticPresence{online: map[string]bool{"bob": true}}, f.engine, time.Minute)
	s.batchSize = 2
	s.budget = time.Nanosecond

	first := s.Tick(context.Background())
	assert.Equal(t, 1, first.Pages)
	assert.Equal(t, 2, first.Delivered)

	second := s.Tick(context.Background())
	assert.Equal(t, 2, second.Delivered)
}

func TestTick_RecipientOnAnotherInstanceKeepsAttempts(t *testing.T) {
	f := newFixture(t, delivery.AckNoSession)
	f.seed(t, "m1", "bob", 1, nil)

	s := New(f.store, &staticPresence{online: map[string]bool{"bob": true}}, f.engine, time.Second)
	for i := 0; i < 5; i++ {
		stats := s.Tick(context.Background())
		assert.Equal(t, 1, stats.Remote)
		assert.Zero(t, stats.DeadLettered)
	}

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.DeliveryAttempts)
	assert.Nil(t, msg.DeadLetteredAt)
}

func TestTick_DeliversToOnlineRecipient(t *testing.T) {
	f := newFixture(t, delivery.AckDelivered)
	f.seed(t, "m1", "bob", 1, nil)

	s := New(f.store, &staticPresence{online: map[string]bool{"bob": true}}, f.engine, time.Second)
	stats := s.Tick(context.Background())
	assert.Equal(t, 1, stats.Delivered)

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, msg.Status)
	assert.Equal(t, 2, msg.DeliveryAttempts)
}

func TestTick_TimeoutSchedulesNextRetry(t *testing.T) {
	f := newFixture(t, delivery.AckTimeout)
	f.seed(t, "m1", "bob", 2, nil)

	s := New(f.store, &staticPresence{online: map[string]bool{"bob": true}}, f.engine, time.Second)
	stats := s.Tick(context.Background())
	assert.Equal(t, 1, stats.Deferred)

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, 3, msg.DeliveryAttempts)
	require.NotNil(t, msg.NextRetryAt)
	assert.Equal(t, 4*time.Second, msg.NextRetryAt.Sub(*msg.LastAttemptAt))
}

func TestTick_IgnoresMessagesNotYetDue(t *testing.T) {
	f := newFixture(t, delivery.AckDelivered)
	later := time.Now().Add(time.Hour)
	f.seed(t, "m1", "bob", 1, &later)

	s := New(f.store, &staticPresence{online: map[string]bool{"bob": true}}, f.engine, time.Second)
	stats := s.Tick(context.Background())
	assert.Zero(t, stats.Candidates)
	assert.Zero(t, f.pusher.PushCount())
}

func TestTick_DeadLettersExhaustedOnce(t *testing.T) {
	f := newFixture(t, delivery.AckDelivered)
	f.seed(t, "m1", "bob", 3, nil)

	s := New(f.store, &staticPresence{online: map[string]bool{"bob": true}}, f.engine, time.Second)
	first := s.Tick(context.Background())
	second := s.Tick(context.Background())

	assert.Zero(t, first.Candidates)
	assert.Equal(t, 1, first.DeadLettered)
	assert.Zero(t, second.DeadLettered)
	assert.Zero(t, f.pusher.PushCount())
	assert.Len(t, f.pusher.EventsFor("alice", models.EventDeliveryFailed), 1)

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, delivery.AckDelivered)
	f.seed(t, "m1", "bob", 0, nil)

	s := New(f.store, &staticPresence{online: map[string]bool{"bob": true}}, f.engine, 10*time.Millisecond)
	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		msg, err := f.store.GetMessage(context.Background(), "m1")
		return err == nil && msg.Status == models.StatusDelivered
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestDegradedPresenceStillDelivers(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	reg := presence.NewRegistry(presence.NewRedisStore(client), time.Minute)
	srv.Close()

	f := newFixture(t, delivery.AckNoSession)
	ctx := context.Background()

	res, err := f.engine.Submit(ctx, delivery.SubmitRequest{
		SenderID: "alice", RecipientID: "bob", ClientMessageID: "m1", Content: "hi",
	})
	require.NoError(t, err)
	f.engine.Wait()

	msg, err := f.store.GetMessage(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)

	reg.MarkOnline(ctx, "bob", "conn-1")
	assert.True(t, reg.Degraded())
	assert.True(t, reg.IsOnline(ctx, "bob"))

	past := time.Now().Add(-time.Second)
	msg.NextRetryAt = &past
	f.store.Put(msg)
	f.pusher.SetResult("bob", delivery.AckDelivered)

	stats := New(f.store, reg, f.engine, time.Second).Tick(ctx)
	assert.Equal(t, 1, stats.Delivered)
}
