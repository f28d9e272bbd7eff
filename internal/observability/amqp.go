package observability

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Publisher delivers JSON events to the message broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

var defaultPublisher Publisher

// SetPublisher installs the process-wide lifecycle event publisher.
func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent publishes event on routingKey. Events are best effort: a
// failure is counted and logged, and callers may ignore the error.
// The active trace id is added to headers unless already present.
func PublishEvent(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		if headers == nil {
			headers = map[string]string{}
		}
		if _, ok := headers["trace_id"]; !ok {
			headers["trace_id"] = sc.TraceID().String()
		}
	}

	err := defaultPublisher.Publish(ctx, routingKey, event, headers)
	if err != nil {
		IncAMQPPublishError()
		logrus.WithFields(logrus.Fields{
			"routing_key": routingKey,
			"error":       err.Error(),
		}).Debug("event publish failed")
	}
	return err
}
