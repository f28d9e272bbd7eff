package models

import (
	"encoding/json"
	"time"
)

// Event types exchanged over the session channel.
const (
	EventSend            = "send"
	EventMarkRead        = "markRead"
	EventTypingState     = "typingState"
	EventAck             = "ack"
	EventDeliver         = "deliver"
	EventReadReceipt     = "readReceipt"
	EventPresenceChanged = "presenceChanged"
	EventSendResult      = "sendResult"
	EventDeliveryFailed  = "deliveryFailed"
	EventStatusChanged   = "statusChanged"
	EventError           = "error"
)

// Envelope is the frame written on a websocket. AckID is set on frames that
// expect an acknowledgment and echoed back by the client.
type Envelope struct {
	Type      string          `json:"type"`
	AckID     string          `json:"ack_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SendRequest is the client payload of a send event.
type SendRequest struct {
	ClientMessageID string    `json:"client_message_id"`
	RecipientID     string    `json:"recipient_id"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
}

// SendResult answers a send event.
type SendResult struct {
	Success   bool          `json:"success"`
	ID        string        `json:"id,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// MarkReadRequest is the client payload of a markRead event.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// TypingRequest is the client payload of a typingState event.
type TypingRequest struct {
	RecipientID string `json:"recipient_id"`
	IsTyping    bool   `json:"is_typing"`
}

// DeliverEvent pushes a message to a session.
type DeliverEvent struct {
	ID              string        `json:"id"`
	ClientMessageID string        `json:"client_message_id"`
	SenderID        string        `json:"sender_id"`
	RecipientID     string        `json:"recipient_id"`
	Content         string        `json:"content"`
	Timestamp       time.Time     `json:"timestamp"`
	Status          MessageStatus `json:"status"`
}

// ReadReceiptEvent notifies that messages were read.
type ReadReceiptEvent struct {
	MessageIDs []string  `json:"message_ids"`
	ReaderID   string    `json:"reader_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// TypingEvent relays a typing indicator.
type TypingEvent struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceChangedEvent is sent to contacts on connect and final disconnect.
type PresenceChangedEvent struct {
	UserID    string    `json:"user_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryFailedEvent tells a sender a message exhausted its retries.
type DeliveryFailedEvent struct {
	ID              string `json:"id"`
	ClientMessageID string `json:"client_message_id"`
	RecipientID     string `json:"recipient_id"`
	Attempts        int    `json:"attempts"`
}

// StatusChangedEvent tells a sender's sessions that a message advanced.
type StatusChangedEvent struct {
	ID              string        `json:"id"`
	ClientMessageID string        `json:"client_message_id"`
	Status          MessageStatus `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ErrorEvent reports a rejected client frame.
type ErrorEvent struct {
	Error string `json:"error"`
}

// NewEnvelope marshals data into a frame of the given type.
func NewEnvelope(eventType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Data: raw}, nil
}
