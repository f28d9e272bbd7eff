package delivery

import (
	"context"

	"dm-service/internal/models"
)

// AckResult is the typed outcome of pushing a message to a recipient's sessions.
type AckResult int

const (
	// AckDelivered means at least one session acknowledged the message.
	AckDelivered AckResult = iota
	// AckTimeout means sessions existed but none acknowledged in time.
	AckTimeout
	// AckNoSession means the recipient had no live session on this instance.
	AckNoSession
)

func (r AckResult) String() string {
	switch r {
	case AckDelivered:
		return "delivered"
	case AckTimeout:
		return "timeout"
	case AckNoSession:
		return "no_session"
	default:
		return "unknown"
	}
}

// Pusher reaches the live sessions of an identity.
type Pusher interface {
	// PushWithAck sends the message to every session of userID and waits
	// until one acknowledges or ctx is done.
	PushWithAck(ctx context.Context, userID string, event models.DeliverEvent) AckResult
	// Broadcast sends an event to every session of userID except exceptConnID.
	Broadcast(userID string, eventType string, data any, exceptConnID string)
}
