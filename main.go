package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"dm-service/internal/auth"
	"dm-service/internal/cipher"
	"dm-service/internal/config"
	"dm-service/internal/db"
	"dm-service/internal/delivery"
	grpcserver "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
	"dm-service/internal/presence"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/repositories"
	"dm-service/internal/scheduler"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	observability.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		logrus.Fatalf("failed to init tracer: %v", err)
	}

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		logrus.Fatalf("failed to connect to db: %v", err)
	}

	var redisClient *redis.Client
	var sharedPresence presence.Store
	var redisErr error
	if cfg.RedisURL != "" {
		redisClient, redisErr = presence.DialRedis(ctx, cfg.RedisURL)
		if redisClient == nil {
			logrus.WithField("error", redisErr.Error()).Fatal("invalid REDIS_URL")
		}
		sharedPresence = presence.NewRedisStore(redisClient)
	}
	registry := presence.NewRegistry(sharedPresence, cfg.PresenceTTL)
	if redisErr != nil {
		// the registry degrades per call and recovers once redis answers
		registry.ReportUnavailable(redisErr)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, observability.RoutingAudit, cfg.ServiceName, cfg.Environment)

	messageCipher, err := cipher.New(cfg.EncryptionKey)
	if err != nil {
		logrus.Fatalf("failed to init cipher: %v", err)
	}

	messageRepo := repositories.NewMessageRepo(database)
	contactRepo := repositories.NewContactRepo(database)

	hub := ws.NewHub()
	engine := delivery.NewEngine(messageRepo, messageCipher, hub, audit, delivery.Config{
		AckTimeout:  cfg.AckTimeout,
		MaxAttempts: cfg.RetryMaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	})
	retries := scheduler.New(messageRepo, registry, engine, cfg.RetryInterval)
	retries.Start(ctx)

	authenticator := auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	gateway := ws.NewGateway(hub, authenticator, engine, registry, contactRepo, audit)
	messageHandler := handlers.NewMessageHandler(engine, contactRepo)

	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(authenticator)

	router.POST("/messages", authMiddleware, messageHandler.SendMessage)
	router.PUT("/messages/read", authMiddleware, messageHandler.MarkRead)
	router.GET("/messages/history/:peer_id", authMiddleware, messageHandler.History)
	router.GET("/messages/:message_id", authMiddleware, messageHandler.GetMessage)

	router.GET("/ws", gateway.Handle)
	router.GET("/health", handlers.Health(database, registry, rabbitmq.PublisherMode(publisher)))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, registry, cfg.DebugRoutes)

	grpcSrv := grpcserver.NewServer()
	healthReporter := grpcserver.RegisterHealth(grpcSrv, registry)
	go healthReporter.Run(ctx, 10*time.Second)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logrus.Fatalf("failed to listen on grpc port: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logrus.WithField("error", err.Error()).Error("grpc server stopped")
		}
	}()

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("server error: %v", err)
		}
	}()
	presenceMode := "shared"
	if registry.Degraded() {
		presenceMode = "degraded"
	}
	logrus.WithFields(logrus.Fields{
		"port":      cfg.Port,
		"grpc_port": cfg.GRPCPort,
		"presence":  presenceMode,
		"publisher": rabbitmq.PublisherMode(publisher),
	}).Info("dm-service started")

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logrus.WithField("error", err.Error()).Warn("http shutdown")
	}
	healthReporter.Shutdown()
	grpcSrv.GracefulStop()
	retries.Stop()
	engine.Wait()

	_ = publisher.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	_ = database.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logrus.WithField("error", err.Error()).Warn("tracer shutdown")
	}
}
