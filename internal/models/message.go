package models

import "time"

// MessageStatus is the delivery state of a direct message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses so transitions can only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.Rank() > s.Rank()
}

// Message is the persisted record of a direct message. Content is only
// populated after decryption and is never stored.
type Message struct {
	ID               string        `db:"id" json:"id"`
	ClientMessageID  string        `db:"client_message_id" json:"client_message_id"`
	SenderID         string        `db:"sender_id" json:"sender_id"`
	RecipientID      string        `db:"recipient_id" json:"recipient_id"`
	Ciphertext       string        `db:"ciphertext" json:"-"`
	EnvelopeVersion  int           `db:"envelope_version" json:"envelope_version"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	Status           MessageStatus `db:"status" json:"status"`
	DeliveryAttempts int           `db:"delivery_attempts" json:"delivery_attempts"`
	NextRetryAt      *time.Time    `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastAttemptAt    *time.Time    `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	ReadAt           *time.Time    `db:"read_at" json:"read_at,omitempty"`
	DeadLetteredAt   *time.Time    `db:"dead_lettered_at" json:"dead_lettered_at,omitempty"`
}

// NewMessage carries the fields required to persist a message.
type NewMessage struct {
	ID              string
	ClientMessageID string
	SenderID        string
	RecipientID     string
	Ciphertext      string
	EnvelopeVersion int
}

// DeliveryUpdate is a conditional mutation applied after a push attempt.
// It only applies while the row still has status sent and ExpectedAttempts.
type DeliveryUpdate struct {
	MessageID        string
	ExpectedAttempts int
	Status           MessageStatus
	NextRetryAt      *time.Time
	AttemptedAt      time.Time
}

// RetryCursor marks the last row of a retry page. Pages are ordered by
// (CreatedAt, ID).
type RetryCursor struct {
	CreatedAt time.Time
	ID        string
}

// MessageView is a decrypted message as returned to clients.
type MessageView struct {
	Message
	Content      *string `json:"content"`
	DecryptError bool    `json:"decrypt_error,omitempty"`
}
