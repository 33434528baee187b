package main

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/idempotency"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/orders"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/cache"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/config"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/scheduler"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/telemetry"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/replay"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/sagatimeout"
)

// app holds the long-lived pieces of the orders service.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	router    *gin.Engine
	transport *broker.Transport
	publisher *events.Publisher
	scheduler *scheduler.TickerScheduler
	dispatch  broker.Handler

	orchestrator *orders.Orchestrator
	sweeps       *sagatimeout.Handler
}

func newApp(cfg *config.Config, st stores, orderCache cache.Cache[*orders.Order], transport *broker.Transport, zlog *zap.Logger) *app {
	metrics := telemetry.NewMetrics(cfg.ServiceName)
	tracer := otel.Tracer(cfg.ServiceName)

	publisher := events.NewPublisher(transport.Producer, events.Options{
		Topic:       cfg.OrderEventsTopic,
		Shards:      cfg.PublisherShards,
		Buffer:      cfg.PublisherBuffer,
		SendTimeout: cfg.PublishTimeout,
	}, zlog, metrics)

	guard := idempotency.NewGuard(st.tokens, idempotency.Options{
		TTL:        cfg.IdempotencyTTL,
		RateLimit:  cfg.IdempotencyRateLimit,
		RateWindow: cfg.IdempotencyRateLimitWindow,
	}, zlog, metrics)

	orchestrator := orders.NewOrchestrator(st.orders, st.sagas, guard, publisher, orderCache,
		orders.Options{OrderNumberPrefix: cfg.OrderNumberPrefix}, zlog, metrics)
	replayService := replay.NewService(st.orders, publisher, cfg.ReplayPageSize, zlog)

	sweeps := sagatimeout.NewHandler(st.sagas, orchestrator, replayService, guard, sagatimeout.Options{
		SweepInterval:        cfg.TimeoutSweepInterval,
		CleanupInterval:      cfg.SagaCleanupInterval,
		TokenCleanupInterval: cfg.TokenCleanupInterval,
		PendingTimeout:       cfg.PendingTimeout,
		StallThreshold:       cfg.StallThreshold,
		Retention:            cfg.SagaRetention,
		BatchSize:            cfg.SweepBatchSize,
		MaxRecoveryAttempts:  cfg.MaxRecoveryAttempts,
	}, zlog, metrics)

	sched := scheduler.New(zlog)
	if err := sweeps.Register(sched); err != nil {
		zlog.Fatal("Failed to register sweeps", zap.Error(err))
	}

	outcomes := orders.NewInventoryOutcomeHandler(orchestrator, zlog)

	return &app{
		cfg:          cfg,
		logger:       zlog,
		router:       newRouter(NewOrderHandler(orchestrator, tracer), NewAdminHandler(replayService, sweeps, tracer), cfg),
		transport:    transport,
		publisher:    publisher,
		scheduler:    sched,
		dispatch:     events.Dispatch(outcomes.Handle),
		orchestrator: orchestrator,
		sweeps:       sweeps,
	}
}

func newRouter(orderHandler *OrderHandler, adminHandler *AdminHandler, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/health", orderHandler.HealthCheck)

	api := r.Group("/api/orders")
	api.POST("", orderHandler.CreateOrder)
	api.GET("/:id", orderHandler.GetOrder)
	api.PATCH("/:id/status", orderHandler.UpdateStatus)
	api.POST("/:id/ship", orderHandler.ShipOrder)
	api.POST("/:id/cancel", orderHandler.CancelOrder)
	api.GET("/:id/valid", orderHandler.ValidateOrder)

	admin := r.Group("/admin", requireAdminToken(cfg.AdminToken))
	admin.POST("/orders/:id/replay", adminHandler.ReplayOrder)
	admin.GET("/orders/:id/consistency", adminHandler.Consistency)
	admin.POST("/replay", adminHandler.ReplayBatch)
	admin.POST("/sweeps/timeouts", adminHandler.RunTimeouts)
	admin.POST("/sweeps/cleanup", adminHandler.RunCleanup)

	return r
}
