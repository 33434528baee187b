package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/inventory"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/config"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/logger"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/telemetry"
	"github.com/0xsonu/quick-commerce-system-sub002/migrations"
)

const serviceName = "inventory-service"

func main() {
	cfg, err := config.Load(".", serviceName)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.OtelEnabled,
		Endpoint:       cfg.OtelEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
	})
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Printf("Error shutting down telemetry: %v", err)
		}
	}()

	zlog := logger.New(cfg.ServiceName, cfg.LogLevel)
	defer func() { _ = zlog.Sync() }()

	repo, closeRepo, err := initRepository(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer closeRepo()

	transport, err := broker.Connect(brokerSettings(cfg), []string{cfg.OrderEventsTopic}, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to broker", zap.Error(err))
	}

	a := newApp(cfg, repo, transport, zlog)
	if err := a.run(ctx); err != nil {
		zlog.Error("❌ Inventory service stopped with error", zap.Error(err))
	}
}

// app holds the long-lived pieces of the inventory service.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	router    *gin.Engine
	transport *broker.Transport
	publisher *events.Publisher
	dispatch  broker.Handler
}

func newApp(cfg *config.Config, repo inventory.Repository, transport *broker.Transport, zlog *zap.Logger) *app {
	metrics := telemetry.NewMetrics(cfg.ServiceName)
	tracer := otel.Tracer(cfg.ServiceName)

	publisher := events.NewPublisher(transport.Producer, events.Options{
		Topic:       cfg.InventoryEventsTopic,
		Shards:      cfg.PublisherShards,
		Buffer:      cfg.PublisherBuffer,
		SendTimeout: cfg.PublishTimeout,
	}, zlog, metrics)

	retries := cfg.ReservationRetries
	if retries < 0 {
		retries = 0
	}
	coordinator := inventory.NewCoordinator(repo, inventory.Options{
		MaxRetries: uint(retries),
		Backoff:    cfg.ReservationBackoff,
	}, zlog, metrics)
	handler := inventory.NewEventHandler(coordinator, publisher, zlog)

	return &app{
		cfg:       cfg,
		logger:    zlog,
		router:    newRouter(NewInventoryHandler(repo, tracer), cfg),
		transport: transport,
		publisher: publisher,
		dispatch:  events.Dispatch(handler.Handle),
	}
}

func newRouter(h *InventoryHandler, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/health", h.HealthCheck)
	r.PUT("/api/inventory/:sku", h.SetStock)
	r.GET("/api/inventory/:sku", h.GetStock)
	r.GET("/api/reservations/:orderId", h.ListReservations)
	return r
}

func (a *app) run(ctx context.Context) error {
	consumeCtx, cancelConsume := context.WithCancel(ctx)
	consumerDone := make(chan error, 1)
	go func() {
		a.logger.Info("📥 Consuming order events", zap.String("topic", a.cfg.OrderEventsTopic))
		consumerDone <- a.transport.Consumer.Consume(consumeCtx, a.dispatch)
	}()

	srv := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      a.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("🚀 Inventory Service listening", zap.String("port", a.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-consumerDone:
		if err != nil {
			runErr = fmt.Errorf("order events consumer: %w", err)
		}
	}

	a.logger.Info("⏳ Shutting down inventory service", zap.Duration("grace_period", a.cfg.ShutdownGracePeriod))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancel()

	runErr = errors.Join(runErr, srv.Shutdown(shutdownCtx))
	cancelConsume()
	runErr = errors.Join(runErr, a.publisher.Close(shutdownCtx))
	runErr = errors.Join(runErr, a.transport.Close())
	a.logger.Info("✅ Inventory service stopped")
	return runErr
}

func initRepository(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (inventory.Repository, func(), error) {
	if cfg.StorageDriver == config.StorageMemory {
		zlog.Warn("⚠️ Using in-memory storage; data is lost on restart")
		return inventory.NewMemoryRepository(), func() {}, nil
	}

	inventory.ConfigureBarrier(cfg.BarrierTable)
	db, err := initDB(ctx, cfg.DatabaseDSN(), zlog)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if _, err := db.ExecContext(ctx, migrations.Inventory()); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("apply inventory schema: %w", err)
		}
		zlog.Info("✅ Inventory schema applied")
	}
	return inventory.NewPostgresRepository(db), func() { _ = db.Close() }, nil
}

func initDB(ctx context.Context, dsn string, zlog *zap.Logger) (*sqlx.DB, error) {
	for i := 0; i < 30; i++ {
		db, err := inventory.OpenPostgres(ctx, dsn)
		if err == nil {
			db.SetMaxOpenConns(30)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(time.Hour)
			db.SetConnMaxIdleTime(30 * time.Minute)
			zlog.Info("✅ Connected to inventory database")
			return db, nil
		}
		zlog.Info("⏳ Waiting for database...", zap.Int("attempt", i+1), zap.Int("max_attempts", 30), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func brokerSettings(cfg *config.Config) broker.Settings {
	return broker.Settings{
		Kind:         cfg.Broker,
		ClientID:     cfg.ServiceName,
		KafkaBrokers: cfg.KafkaBrokerList(),
		KafkaGroupID: cfg.KafkaGroupID,
		RabbitMQ: broker.RabbitMQOptions{
			URL:         cfg.RabbitMQURL,
			Exchange:    cfg.RabbitMQExchange,
			Queue:       cfg.RabbitMQQueue,
			ConsumerTag: cfg.ConsumerTag,
			// One in-flight delivery keeps a single order's events in sequence.
			Prefetch: 1,
		},
	}
}
