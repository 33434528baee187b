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

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/idempotency"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/orders"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/cache"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/config"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/logger"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/telemetry"
	"github.com/0xsonu/quick-commerce-system-sub002/migrations"
)

const serviceName = "orders-service"

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

	st, err := initStores(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer st.close()

	orderCache, closeCache := initCache(ctx, cfg, zlog)
	defer closeCache()

	transport, err := broker.Connect(brokerSettings(cfg), []string{cfg.InventoryEventsTopic}, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to broker", zap.Error(err))
	}

	a := newApp(cfg, st, orderCache, transport, zlog)
	if err := a.run(ctx); err != nil {
		zlog.Error("❌ Orders service stopped with error", zap.Error(err))
	}
}

// run serves HTTP, consumes inventory outcomes and runs the sweeps until
// ctx is cancelled, then drains in reverse order of startup.
func (a *app) run(ctx context.Context) error {
	consumeCtx, cancelConsume := context.WithCancel(ctx)
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- a.transport.Consumer.Consume(consumeCtx, a.dispatch)
	}()

	a.scheduler.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      a.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("🚀 Orders Service listening", zap.String("port", a.cfg.Port))
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
			runErr = fmt.Errorf("inventory consumer: %w", err)
		}
	}

	a.logger.Info("⏳ Shutting down orders service", zap.Duration("grace_period", a.cfg.ShutdownGracePeriod))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancel()

	runErr = errors.Join(runErr, srv.Shutdown(shutdownCtx))
	a.scheduler.Stop()
	cancelConsume()
	runErr = errors.Join(runErr, a.publisher.Close(shutdownCtx))
	runErr = errors.Join(runErr, a.transport.Close())
	a.logger.Info("✅ Orders service stopped")
	return runErr
}

type stores struct {
	orders orders.Repository
	sagas  orders.SagaRepository
	tokens idempotency.Repository
	close  func()
}

func initStores(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (stores, error) {
	if cfg.StorageDriver == config.StorageMemory {
		zlog.Warn("⚠️ Using in-memory storage; data is lost on restart")
		repo := orders.NewMemoryRepository()
		return stores{orders: repo, sagas: repo, tokens: idempotency.NewMemoryRepository(), close: func() {}}, nil
	}

	pool, err := initDB(ctx, cfg.DatabaseURL(), zlog)
	if err != nil {
		return stores{}, err
	}
	if cfg.AutoMigrate {
		if _, err := pool.Exec(ctx, migrations.Orders()); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("apply orders schema: %w", err)
		}
		zlog.Info("✅ Orders schema applied")
	}
	repo := orders.NewPostgresRepository(pool)
	return stores{
		orders: repo,
		sagas:  repo,
		tokens: idempotency.NewPostgresRepository(pool),
		close:  pool.Close,
	}, nil
}

func initDB(ctx context.Context, dsn string, zlog *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 30
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			zlog.Info("✅ Connected to orders database with connection pool")
			return pool, nil
		}
		zlog.Info("⏳ Waiting for database...", zap.Int("attempt", i+1), zap.Int("max_attempts", 30))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

// initCache uses Redis when REDIS_ADDR is set and falls back to an
// in-process cache when it is unset or unreachable.
func initCache(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (cache.Cache[*orders.Order], func()) {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryCache[*orders.Order](cfg.CacheTTL), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zlog.Warn("⚠️ Redis unreachable, using in-process order cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return cache.NewMemoryCache[*orders.Order](cfg.CacheTTL), func() {}
	}

	zlog.Info("✅ Connected to Redis", zap.String("addr", cfg.RedisAddr))
	return cache.NewRedisCache[*orders.Order](client, "orders", cfg.CacheTTL), func() { _ = client.Close() }
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
			Prefetch:    10,
		},
	}
}
