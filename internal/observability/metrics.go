package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_http_requests_total",
			Help: "Total number of HTTP requests processed by the dm service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dm_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_ws_active_connections",
			Help: "Number of active websocket sessions.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	deliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_delivery_attempts_total",
			Help: "Delivery attempts by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
	ackWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dm_ack_wait_seconds",
			Help:    "Time spent waiting for a session acknowledgment.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	retryCandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_retry_candidates_total",
			Help: "Retry candidates seen by the scheduler, split by whether the recipient was present.",
		},
		[]string{"presence"},
	)
	deadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_dead_lettered_total",
			Help: "Messages that exhausted every delivery attempt.",
		},
	)
	decryptFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_decrypt_failures_total",
			Help: "Stored messages whose envelope could not be opened.",
		},
	)
	presenceDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_presence_degraded",
			Help: "1 while presence runs on in-process state only.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		deliveryAttemptsTotal,
		ackWaitDuration,
		retryCandidatesTotal,
		deadLetteredTotal,
		decryptFailuresTotal,
		presenceDegraded,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func ObserveDelivery(trigger, outcome string, ackWait time.Duration) {
	deliveryAttemptsTotal.WithLabelValues(trigger, outcome).Inc()
	ackWaitDuration.Observe(ackWait.Seconds())
}

func IncRetryCandidate(online bool) {
	label := "offline"
	if online {
		label = "online"
	}
	retryCandidatesTotal.WithLabelValues(label).Inc()
}

func IncDeadLettered() {
	deadLetteredTotal.Inc()
}

func IncDecryptFailure() {
	decryptFailuresTotal.Inc()
}

func SetPresenceDegraded(degraded bool) {
	if degraded {
		presenceDegraded.Set(1)
		return
	}
	presenceDegraded.Set(0)
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
