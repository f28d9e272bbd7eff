package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"dm-service/internal/cipher"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

var (
	ErrValidation = errors.New("invalid message request")
	ErrNotFound   = errors.New("message not found")
)

// Triggers label what started a delivery attempt.
const (
	TriggerSubmit    = "submit"
	TriggerConnect   = "connect"
	TriggerScheduler = "scheduler"
)

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDeferred  Outcome = "deferred"
	// OutcomeSkipped means the message was not eligible or already in flight.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeStale means another writer changed the record first.
	OutcomeStale Outcome = "stale"
	// OutcomeNoLocalSession means a scheduled push found no session on this
	// instance; no attempt is spent.
	OutcomeNoLocalSession Outcome = "no_local_session"
)

// Config tunes acknowledgment waits and retry backoff.
type Config struct {
	AckTimeout  time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// SubmitRequest is a validated-by-caller send from SenderID.
type SubmitRequest struct {
	SenderID        string
	RecipientID     string
	ClientMessageID string
	Content         string
	// OriginConnID is the session that sent the message; it is skipped when
	// mirroring to the sender's other devices.
	OriginConnID string
	RequestID    string
}

// SubmitResult acknowledges acceptance, not delivery.
type SubmitResult struct {
	ID        string
	Status    models.MessageStatus
	CreatedAt time.Time
	Duplicate bool
}

// Engine persists, pushes and tracks acknowledgment of direct messages.
type Engine struct {
	repo   repositories.MessageRepository
	cipher *cipher.Cipher
	pusher Pusher
	audit  *telemetry.AuditEmitter
	cfg    Config

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewEngine wires the engine. audit may be nil.
func NewEngine(repo repositories.MessageRepository, c *cipher.Cipher, pusher Pusher, audit *telemetry.AuditEmitter, cfg Config) *Engine {
	return &Engine{
		repo:     repo,
		cipher:   c,
		pusher:   pusher,
		audit:    audit,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		inflight: make(map[string]struct{}),
	}
}

// Submit persists a message and returns as soon as it is stored. Delivery to
// the recipient continues in the background.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	ctx, span := observability.Tracer("dm-service/delivery").Start(ctx, "delivery.submit")
	defer span.End()

	req.SenderID = strings.TrimSpace(req.SenderID)
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.ClientMessageID = strings.TrimSpace(req.ClientMessageID)
	if err := validate(req); err != nil {
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("dm.client_message_id", req.ClientMessageID))

	existing, err := e.repo.FindByClientID(ctx, req.ClientMessageID)
	switch {
	case err == nil:
		return e.replay(existing, req)
	case !errors.Is(err, repositories.ErrMessageNotFound):
		return SubmitResult{}, fmt.Errorf("lookup client message id: %w", err)
	}

	sealed, err := e.cipher.Encrypt(req.Content)
	if err != nil {
		return SubmitResult{}, err
	}

	msg, created, err := e.repo.Create(ctx, models.NewMessage{
		ID:              e.newID(),
		ClientMessageID: req.ClientMessageID,
		SenderID:        req.SenderID,
		RecipientID:     req.RecipientID,
		Ciphertext:      sealed.Ciphertext,
		EnvelopeVersion: sealed.Version,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("persist message: %w", err)
	}
	if !created {
		// lost the insert race against a concurrent submit of the same key
		return e.replay(msg, req)
	}

	logrus.WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"sender_id":    msg.SenderID,
		"recipient_id": msg.RecipientID,
	}).Debug("message accepted")

	event := deliverEvent(msg, req.Content)
	e.pusher.Broadcast(msg.SenderID, models.EventDeliver, event, req.OriginConnID)
	_ = observability.PublishEvent(ctx, observability.RoutingMessageAccepted,
		observability.NewEvent("message_events", "message_accepted", lifecyclePayload(msg)),
		observability.BuildHeaders(req.RequestID, observability.TraceIDFromContext(ctx)))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.attempt(context.Background(), msg, &req.Content, TriggerSubmit); err != nil {
			logrus.WithFields(logrus.Fields{"message_id": msg.ID, "error": err.Error()}).Warn("initial delivery attempt failed")
		}
	}()

	return SubmitResult{ID: msg.ID, Status: msg.Status, CreatedAt: msg.CreatedAt}, nil
}

func (e *Engine) replay(existing models.Message, req SubmitRequest) (SubmitResult, error) {
	if existing.SenderID != req.SenderID {
		return SubmitResult{}, fmt.Errorf("%w: client_message_id already used", ErrValidation)
	}
	return SubmitResult{ID: existing.ID, Status: existing.Status, CreatedAt: existing.CreatedAt, Duplicate: true}, nil
}

func validate(req SubmitRequest) error {
	switch {
	case req.SenderID == "":
		return fmt.Errorf("%w: sender is required", ErrValidation)
	case req.RecipientID == "":
		return fmt.Errorf("%w: recipient_id is required", ErrValidation)
	case req.ClientMessageID == "":
		return fmt.Errorf("%w: client_message_id is required", ErrValidation)
	case req.Content == "":
		return fmt.Errorf("%w: content is required", ErrValidation)
	case req.SenderID == req.RecipientID:
		return fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}
	return nil
}

// Attempt pushes a stored message to its recipient and records the outcome.
func (e *Engine) Attempt(ctx context.Context, msg models.Message, trigger string) (Outcome, error) {
	return e.attempt(ctx, msg, nil, trigger)
}

func (e *Engine) attempt(ctx context.Context, msg models.Message, content *string, trigger string) (Outcome, error) {
	if !e.acquire(msg.ID) {
		return OutcomeSkipped, nil
	}
	defer e.release(msg.ID)

	if msg.Status != models.StatusSent || msg.DeliveryAttempts >= e.cfg.MaxAttempts {
		return OutcomeSkipped, nil
	}

	log := logrus.WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"recipient_id": msg.RecipientID,
		"attempt":      msg.DeliveryAttempts + 1,
		"trigger":      trigger,
	})

	result := AckTimeout
	started := e.now()
	if content == nil {
		plaintext, err := e.cipher.Decrypt(msg.Ciphertext, msg.EnvelopeVersion)
		if err != nil {
			observability.IncDecryptFailure()
			log.WithField("error", err.Error()).Error("stored message cannot be decrypted for delivery")
		} else {
			content = &plaintext
		}
	}
	if content != nil {
		pushCtx, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
		result = e.pusher.PushWithAck(pushCtx, msg.RecipientID, deliverEvent(msg, *content))
		cancel()
	}
	attemptedAt := e.now()

	// Presence said the recipient is online, so the session may live on
	// another instance. Leave the message for that instance's connect path
	// or a later tick instead of burning an attempt here.
	if result == AckNoSession && trigger == TriggerScheduler {
		observability.ObserveDelivery(trigger, result.String(), attemptedAt.Sub(started))
		log.Debug("recipient has no session on this instance")
		return OutcomeNoLocalSession, nil
	}

	update := models.DeliveryUpdate{
		MessageID:        msg.ID,
		ExpectedAttempts: msg.DeliveryAttempts,
		Status:           models.StatusSent,
		AttemptedAt:      attemptedAt,
	}
	outcome := OutcomeDeferred
	if result == AckDelivered {
		update.Status = models.StatusDelivered
		outcome = OutcomeDelivered
	} else {
		next := attemptedAt.Add(e.Backoff(msg.DeliveryAttempts))
		update.NextRetryAt = &next
	}

	applied, err := e.repo.UpdateStatus(ctx, update)
	if err != nil {
		return outcome, fmt.Errorf("record delivery outcome: %w", err)
	}
	observability.ObserveDelivery(trigger, result.String(), attemptedAt.Sub(started))
	if !applied {
		log.Debug("delivery outcome superseded by a concurrent update")
		return OutcomeStale, nil
	}

	if outcome == OutcomeDelivered {
		log.Info("message delivered")
		e.pusher.Broadcast(msg.SenderID, models.EventStatusChanged, models.StatusChangedEvent{
			ID:              msg.ID,
			ClientMessageID: msg.ClientMessageID,
			Status:          models.StatusDelivered,
			Timestamp:       attemptedAt,
		}, "")
		_ = observability.PublishEvent(ctx, observability.RoutingMessageDelivered,
			observability.NewEvent("message_events", "message_delivered", lifecyclePayload(msg)), nil)
	} else {
		log.WithFields(logrus.Fields{"result": result.String(), "next_retry_at": update.NextRetryAt}).Info("delivery deferred")
	}
	return outcome, nil
}

// DeliverPending pushes every undelivered message addressed to userID,
// oldest first. It runs when an identity connects, so retry backoff is not
// applied.
func (e *Engine) DeliverPending(ctx context.Context, userID string) (int, error) {
	pending, err := e.repo.ListPendingForRecipient(ctx, userID, e.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("list pending messages: %w", err)
	}
	delivered := 0
	for _, msg := range pending {
		outcome, err := e.Attempt(ctx, msg, TriggerConnect)
		if err != nil {
			logrus.WithFields(logrus.Fields{"message_id": msg.ID, "error": err.Error()}).Warn("pending delivery failed")
			continue
		}
		if outcome == OutcomeDelivered {
			delivered++
		}
	}
	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{"user_id": userID, "pending": len(pending), "delivered": delivered}).Info("pending messages redriven")
	}
	return delivered, nil
}

// DeliverPendingAsync runs DeliverPending in a goroutine tracked by Wait.
func (e *Engine) DeliverPendingAsync(userID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.DeliverPending(context.Background(), userID); err != nil {
			logrus.WithFields(logrus.Fields{"user_id": userID, "error": err.Error()}).Warn("pending delivery on connect failed")
		}
	}()
}

// MarkRead transitions messages addressed to readerID to read and sends read
// receipts. Ids belonging to other recipients are ignored.
func (e *Engine) MarkRead(ctx context.Context, messageIDs []string, readerID string) ([]models.Message, error) {
	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("%w: message_ids is required", ErrValidation)
	}
	updated, err := e.repo.MarkRead(ctx, messageIDs, readerID)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if len(updated) == 0 {
		return updated, nil
	}

	now := e.now()
	bySender := map[string][]string{}
	all := make([]string, 0, len(updated))
	for _, m := range updated {
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
		all = append(all, m.ID)
	}
	for senderID, ids := range bySender {
		e.pusher.Broadcast(senderID, models.EventReadReceipt, models.ReadReceiptEvent{MessageIDs: ids, ReaderID: readerID, Timestamp: now}, "")
	}
	e.pusher.Broadcast(readerID, models.EventReadReceipt, models.ReadReceiptEvent{MessageIDs: all, ReaderID: readerID, Timestamp: now}, "")
	_ = observability.PublishEvent(ctx, observability.RoutingMessageRead,
		observability.NewEvent("message_events", "message_read", map[string]interface{}{"message_ids": all, "reader_id": readerID}), nil)
	return updated, nil
}

// DeadLetter surfaces a message that exhausted its attempts to the sender
// and operators. It is a no-op if the message was already dead-lettered.
func (e *Engine) DeadLetter(ctx context.Context, msg models.Message) (bool, error) {
	marked, err := e.repo.MarkDeadLettered(ctx, msg.ID)
	if err != nil || !marked {
		return false, err
	}

	observability.IncDeadLettered()
	logrus.WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"recipient_id": msg.RecipientID,
		"attempts":     msg.DeliveryAttempts,
	}).Warn("message exhausted delivery attempts")

	e.pusher.Broadcast(msg.SenderID, models.EventDeliveryFailed, models.DeliveryFailedEvent{
		ID:              msg.ID,
		ClientMessageID: msg.ClientMessageID,
		RecipientID:     msg.RecipientID,
		Attempts:        msg.DeliveryAttempts,
	}, "")
	_ = observability.PublishEvent(ctx, observability.RoutingMessageDeadLettered,
		observability.NewEvent("message_events", "message_dead_lettered", lifecyclePayload(msg)), nil)
	e.audit.Record(ctx, telemetry.Record{
		Level:  "WARN",
		Kind:   telemetry.KindDeadLettered,
		Text:   fmt.Sprintf("message %s dead-lettered after %d attempts", msg.ID, msg.DeliveryAttempts),
		UserID: msg.SenderID,
		Attributes: map[string]string{
			"message_id":   msg.ID,
			"recipient_id": msg.RecipientID,
		},
	})
	return true, nil
}

// GetMessage returns a decrypted message visible to viewerID.
func (e *Engine) GetMessage(ctx context.Context, messageID, viewerID string) (models.MessageView, error) {
	msg, err := e.repo.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.MessageView{}, ErrNotFound
	}
	if err != nil {
		return models.MessageView{}, err
	}
	if msg.SenderID != viewerID && msg.RecipientID != viewerID {
		return models.MessageView{}, ErrNotFound
	}
	return e.open([]models.Message{msg})[0], nil
}

// History returns the conversation between userID and peerID. Records that
// fail to decrypt come back with a nil body instead of failing the batch.
func (e *Engine) History(ctx context.Context, userID, peerID string, limit int) ([]models.MessageView, error) {
	msgs, err := e.repo.ListConversation(ctx, userID, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	return e.open(msgs), nil
}

func (e *Engine) open(msgs []models.Message) []models.MessageView {
	views := e.cipher.OpenAll(msgs)
	for _, v := range views {
		if v.DecryptError {
			observability.IncDecryptFailure()
		}
	}
	return views
}

// Backoff returns min(base * 2^attempts, cap).
func (e *Engine) Backoff(attempts int) time.Duration {
	delay := e.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		if delay >= e.cfg.BackoffCap {
			break
		}
		delay *= 2
	}
	if delay > e.cfg.BackoffCap {
		delay = e.cfg.BackoffCap
	}
	return delay
}

// MaxAttempts is the configured retry ceiling.
func (e *Engine) MaxAttempts() int {
	return e.cfg.MaxAttempts
}

// Wait blocks until background delivery started by Submit or
// DeliverPendingAsync finishes.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) acquire(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[messageID]; busy {
		return false
	}
	e.inflight[messageID] = struct{}{}
	return true
}

func (e *Engine) release(messageID string) {
	e.mu.Lock()
	delete(e.inflight, messageID)
	e.mu.Unlock()
}

func deliverEvent(msg models.Message, content string) models.DeliverEvent {
	return models.DeliverEvent{
		ID:              msg.ID,
		ClientMessageID: msg.ClientMessageID,
		SenderID:        msg.SenderID,
		RecipientID:     msg.RecipientID,
		Content:         content,
		Timestamp:       msg.CreatedAt,
		Status:          msg.Status,
	}
}

func lifecyclePayload(msg models.Message) map[string]interface{} {
	return map[string]interface{}{
		"message_id":        msg.ID,
		"client_message_id": msg.ClientMessageID,
		"sender_id":         msg.SenderID,
		"recipient_id":      msg.RecipientID,
		"delivery_attempts": msg.DeliveryAttempts,
	}
}
