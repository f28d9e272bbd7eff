package grpc

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dm-service/internal/observability"
)

// PresenceService is the health service name that reflects the shared
// presence store.
const PresenceService = "dm.presence"

// Degrader reports whether a dependency is running in fallback mode.
type Degrader interface {
	Degraded() bool
}

// NewServer builds the internal gRPC server with tracing and metrics.
func NewServer() *grpclib.Server {
	return grpclib.NewServer(
		grpclib.StatsHandler(otelgrpc.NewServerHandler()),
		grpclib.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
}

// HealthReporter publishes serving status for the whole service and for
// the presence store.
type HealthReporter struct {
	server   *health.Server
	presence Degrader
}

// RegisterHealth installs the standard health service on s.
func RegisterHealth(s *grpclib.Server, presence Degrader) *HealthReporter {
	h := &HealthReporter{server: health.NewServer(), presence: presence}
	healthpb.RegisterHealthServer(s, h.server)
	h.Refresh()
	return h
}

// Refresh recomputes serving status.
func (h *HealthReporter) Refresh() {
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	status := healthpb.HealthCheckResponse_SERVING
	if h.presence != nil && h.presence.Degraded() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(PresenceService, status)
}

// Run refreshes status every interval until ctx ends.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Refresh()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}
