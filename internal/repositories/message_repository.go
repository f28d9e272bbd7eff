package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, client_message_id, sender_id, recipient_id, ciphertext, envelope_version, created_at,
        status, delivery_attempts, next_retry_at, last_attempt_at, read_at, dead_lettered_at`

// MessageRepository defines persistence for direct messages.
type MessageRepository interface {
	Create(ctx context.Context, msg models.NewMessage) (models.Message, bool, error)
	FindByClientID(ctx context.Context, clientMessageID string) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	UpdateStatus(ctx context.Context, update models.DeliveryUpdate) (bool, error)
	MarkRead(ctx context.Context, messageIDs []string, readerID string) ([]models.Message, error)
	ListPendingForRecipient(ctx context.Context, recipientID string, maxAttempts int) ([]models.Message, error)
	ListRetryCandidates(ctx context.Context, now time.Time, maxAttempts int, after *models.RetryCursor, limit int) ([]models.Message, error)
	ListExhausted(ctx context.Context, maxAttempts int, limit int) ([]models.Message, error)
	MarkDeadLettered(ctx context.Context, messageID string) (bool, error)
	ListConversation(ctx context.Context, userID string, peerID string, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create inserts a message unless its client_message_id already exists, in
// which case the stored record is returned with created=false.
func (r *MessageRepo) Create(ctx context.Context, msg models.NewMessage) (models.Message, bool, error) {
	var stored models.Message
	err := r.db.GetContext(ctx, &stored, `INSERT INTO messages (id, client_message_id, sender_id, recipient_id, ciphertext, envelope_version)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (client_message_id) DO NOTHING
        RETURNING `+messageColumns,
		msg.ID, msg.ClientMessageID, msg.SenderID, msg.RecipientID, msg.Ciphertext, msg.EnvelopeVersion)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, false, err
	}

	existing, err := r.FindByClientID(ctx, msg.ClientMessageID)
	if err != nil {
		return models.Message{}, false, err
	}
	return existing, false, nil
}

// FindByClientID looks a message up by its idempotency key.
func (r *MessageRepo) FindByClientID(ctx context.Context, clientMessageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE client_message_id=$1`, clientMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// UpdateStatus records the outcome of a delivery attempt. The update only
// applies while the row is still sent and nobody else has counted an attempt
// since it was read, so racing attempts cannot both win.
func (r *MessageRepo) UpdateStatus(ctx context.Context, update models.DeliveryUpdate) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages
        SET status=$1, delivery_attempts=delivery_attempts+1, next_retry_at=$2, last_attempt_at=$3
        WHERE id=$4 AND status='sent' AND delivery_attempts=$5`,
		update.Status, update.NextRetryAt, update.AttemptedAt, update.MessageID, update.ExpectedAttempts)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// MarkRead marks unread messages addressed to readerID as read and returns the rows it changed.
func (r *MessageRepo) MarkRead(ctx context.Context, messageIDs []string, readerID string) ([]models.Message, error) {
	if len(messageIDs) == 0 {
		return []models.Message{}, nil
	}
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `UPDATE messages SET status='read', read_at=NOW(), next_retry_at=NULL
        WHERE id = ANY($1) AND recipient_id=$2 AND status<>'read'
        RETURNING `+messageColumns, pq.Array(messageIDs), readerID)
	return msgs, err
}

// ListPendingForRecipient returns every undelivered message for a recipient
// with attempts left, oldest first. Unlike ListRetryCandidates it does not
// filter on next_retry_at: the backoff waits for the recipient to become
// reachable, and a new session is exactly that, so connect-time delivery
// must not sit out the remaining delay. Attempts are still capped.
func (r *MessageRepo) ListPendingForRecipient(ctx context.Context, recipientID string, maxAttempts int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE recipient_id=$1 AND status='sent' AND delivery_attempts<$2
        ORDER BY created_at ASC`, recipientID, maxAttempts)
	return msgs, err
}

// ListRetryCandidates returns one page of due undelivered messages across
// all recipients, ordered by (created_at, id) and starting after the cursor.
// A nil cursor starts at the oldest row.
func (r *MessageRepo) ListRetryCandidates(ctx context.Context, now time.Time, maxAttempts int, after *models.RetryCursor, limit int) ([]models.Message, error) {
	var msgs []models.Message
	if after == nil {
		err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE status='sent' AND delivery_attempts<$1
        AND (next_retry_at IS NULL OR next_retry_at<=$2)
        ORDER BY created_at ASC, id ASC LIMIT $3`, maxAttempts, now, limit)
		return msgs, err
	}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE status='sent' AND delivery_attempts<$1
        AND (next_retry_at IS NULL OR next_retry_at<=$2)
        AND (created_at, id) > ($3, $4::uuid)
        ORDER BY created_at ASC, id ASC LIMIT $5`, maxAttempts, now, after.CreatedAt, after.ID, limit)
	return msgs, err
}

// ListExhausted returns undelivered messages that ran out of attempts and were not yet dead-lettered.
func (r *MessageRepo) ListExhausted(ctx context.Context, maxAttempts int, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE status='sent' AND delivery_attempts>=$1 AND dead_lettered_at IS NULL
        ORDER BY created_at ASC LIMIT $2`, maxAttempts, limit)
	return msgs, err
}

// MarkDeadLettered stamps a message as terminally undelivered. It reports
// false when the message was already stamped or got delivered meanwhile.
func (r *MessageRepo) MarkDeadLettered(ctx context.Context, messageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET dead_lettered_at=NOW(), next_retry_at=NULL
        WHERE id=$1 AND status='sent' AND dead_lettered_at IS NULL`, messageID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// ListConversation returns the latest messages exchanged between two users in chronological order.
func (r *MessageRepo) ListConversation(ctx context.Context, userID string, peerID string, limit int) ([]models.Message, error) {
	query := `SELECT * FROM (
            SELECT ` + messageColumns + ` FROM messages
            WHERE (sender_id=$1 AND recipient_id=$2) OR (sender_id=$2 AND recipient_id=$1)
            ORDER BY created_at DESC LIMIT $3
        ) recent ORDER BY created_at ASC`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, userID, peerID, limit)
	return msgs, err
}
