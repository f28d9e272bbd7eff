package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/observability"
	"dm-service/internal/telemetry"
)

var (
	_ observability.Publisher = (*PublisherMock)(nil)
	_ telemetry.Publisher     = (*PublisherMock)(nil)
)

// PublisherMock stands in for the AMQP publisher in lifecycle and audit tests.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// PublishedTo returns the events published on routingKey, in order.
func (m *PublisherMock) PublishedTo(routingKey string) []any {
	var events []any
	for _, call := range m.Calls {
		if call.Method == "Publish" && call.Arguments.String(1) == routingKey {
			events = append(events, call.Arguments.Get(2))
		}
	}
	return events
}
