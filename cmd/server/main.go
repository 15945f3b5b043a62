package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/pos-ledger/internal/adapter/handler"
	"github.com/rl1809/pos-ledger/internal/adapter/messaging"
	"github.com/rl1809/pos-ledger/internal/adapter/storage"
	"github.com/rl1809/pos-ledger/internal/config"
	"github.com/rl1809/pos-ledger/internal/core/service"
	"github.com/rl1809/pos-ledger/internal/port"
	"github.com/rl1809/pos-ledger/pkg/logging"
	"github.com/rl1809/pos-ledger/pkg/shutdown"
	"github.com/rl1809/pos-ledger/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pos-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	telemetry, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		Endpoint:       cfg.OtelEndpoint,
		Insecure:       cfg.OtelInsecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = telemetry.Shutdown(flushCtx)
	}()

	var logProvider otellog.LoggerProvider
	if telemetry.LoggerProvider != nil {
		logProvider = telemetry.LoggerProvider
	}
	log, err := logging.New(config.ServiceName, cfg.LogLevel, logProvider)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// In-process fallbacks are only correct for a single instance.
	var locker port.Locker = storage.NewLocalLocker()
	var idempotency port.CacheRepository = storage.NewMemoryAdapter()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()

		locker = storage.NewRedisLocker(rdb, cfg.LockTTL)
		idempotency = storage.NewRedisAdapter(rdb)
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	} else {
		log.Warn("REDIS_ADDR not set, using in-process locks")
	}

	var events port.EventPublisher = messaging.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		writer := messaging.NewWriter(cfg.KafkaBrokers)
		defer writer.Close()

		dispatcher := messaging.NewDispatcher(
			messaging.NewKafkaPublisher(writer, cfg.KafkaTopic),
			log, cfg.EventQueue, cfg.EventWorkers,
		)
		// Runs before writer.Close so queued events are flushed first.
		defer dispatcher.Close()
		events = dispatcher
		log.Info("publishing events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
			zap.Int("workers", cfg.EventWorkers))
	}

	ledger := service.NewStockLedger(store, locker)
	transactions := service.NewTransactionService(ledger, store, locker, log,
		service.WithIdempotency(idempotency),
		service.WithEventPublisher(events),
		service.WithTaxRate(cfg.TaxRate),
	)
	inventory := service.NewInventoryService(ledger, store, log)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryTimeout(cfg.RequestTimeout)))
	handler.RegisterTransactionServer(grpcServer, handler.NewGRPCHandler(transactions, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           http.TimeoutHandler(handler.NewHTTPHandler(transactions, inventory, log).Routes(), cfg.RequestTimeout, "request timed out"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	return err
}

type schemaStore interface {
	port.DatabaseRepository
	EnsureSchema(ctx context.Context) error
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (port.DatabaseRepository, func(), error) {
	var store schemaStore
	var closeFn func()

	switch cfg.StoreDriver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		store, closeFn = storage.NewMySQLAdapter(db), func() { db.Close() }

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, closeFn = storage.NewPostgresAdapter(pool), pool.Close

	default:
		log.Warn("using in-memory store, data is lost on restart")
		return storage.NewMemoryAdapter(), func() {}, nil
	}

	if err := store.EnsureSchema(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	log.Info("connected to store", zap.String("driver", cfg.StoreDriver))
	return store, closeFn, nil
}
