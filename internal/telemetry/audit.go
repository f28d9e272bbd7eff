package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Audit event kinds.
const (
	KindHandshakeRejected = "ws_handshake_rejected"
	KindDeadLettered      = "message_dead_lettered"
	KindManual            = "audit_test"
)

// AuditEmitter records security and reliability relevant facts
// (rejected handshakes, dead-lettered messages) on the audit stream.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level      string            `json:"level"`
	Kind       string            `json:"kind"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Record is a single audit fact.
type Record struct {
	Level      string
	Kind       string
	Text       string
	RequestID  string
	UserID     string
	Attributes map[string]string
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit is the short form used by operator routes.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	rec := Record{Level: level, Kind: KindManual, Text: text, RequestID: requestID}
	if userID != nil {
		rec.UserID = *userID
	}
	e.Record(ctx, rec)
}

// Record publishes rec. Publish failures are logged and swallowed.
func (e *AuditEmitter) Record(ctx context.Context, rec Record) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		Payload: AuditPayload{
			Level:      rec.Level,
			Kind:       rec.Kind,
			Text:       rec.Text,
			Attributes: rec.Attributes,
		},
	}
	if rec.UserID != "" {
		userID := rec.UserID
		envelope.UserID = &userID
	}

	var headers map[string]string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		headers = map[string]string{"trace_id": sc.TraceID().String()}
	}

	logrus.WithFields(logrus.Fields{
		"kind":       rec.Kind,
		"level":      rec.Level,
		"request_id": rec.RequestID,
	}).Debug("audit emit")
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		logrus.WithFields(logrus.Fields{"kind": rec.Kind, "error": err.Error()}).Warn("audit publish failed")
	}
}
