package observability

import "time"

// Routing keys of lifecycle events.
const (
	RoutingMessageAccepted     = "dm_events.message.accepted"
	RoutingMessageDelivered    = "dm_events.message.delivered"
	RoutingMessageRead         = "dm_events.message.read"
	RoutingMessageDeadLettered = "dm_events.message.dead_lettered"
	RoutingWSEvents            = "ws_events.dm"
	RoutingAudit               = "audit.dm"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func NewEvent(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{EventType: eventType, EventName: eventName, OccurredAt: time.Now().UTC(), Payload: payload}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
