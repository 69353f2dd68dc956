package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/config"
	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/lock"
	"github.com/tidelake/testreport/internal/pool"
	"github.com/tidelake/testreport/internal/queue"
	"github.com/tidelake/testreport/internal/report"
	"github.com/tidelake/testreport/internal/storage"
	"github.com/tidelake/testreport/internal/storage/memory"
	pgstore "github.com/tidelake/testreport/internal/storage/postgres"
	redisstore "github.com/tidelake/testreport/internal/storage/redis"
	s3store "github.com/tidelake/testreport/internal/storage/s3"
	"github.com/tidelake/testreport/internal/usecase"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting report aggregation worker")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open object store", zap.Error(err))
	}
	defer closeStore()

	// Assemble the aggregation pipeline
	locks := lock.NewManager(store, logger)
	collector := report.NewCollector(store, cfg.Report.ShardPrefix, cfg.Report.FetchConcurrency, logger)
	merger := report.NewMerger(logger)
	publisher := report.NewPublisher(store, cfg.Report.ReportPrefix, cfg.Report.PublicBaseURL, logger)

	generateUC := usecase.NewGenerateReportUsecase(
		locks, collector, merger, publisher,
		cfg.Report.LockPrefix,
		lock.RetryPolicy{
			Timeout:      cfg.Lock.Timeout,
			MaxRounds:    cfg.Lock.MaxRounds,
			PollInterval: cfg.Lock.PollInterval,
		},
		logger,
	)

	// Create buffered message channel
	messages := make(chan *domain.ReportMessage, cfg.Worker.PoolSize*2)

	// Initialize AMQP consumer
	consumer, err := queue.NewConsumer(cfg.RabbitMQ.URL, messages, logger)
	if err != nil {
		logger.Fatal("Failed to initialize AMQP consumer", zap.Error(err))
	}
	defer consumer.Close()
	logger.Info("Connected to RabbitMQ")

	// Start worker pool
	workerPool := pool.NewWorkerPool(cfg.Worker.PoolSize, messages, generateUC, logger)
	workerPool.Start(ctx)

	// Start AMQP consumer in a goroutine
	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.Error("AMQP consumer error", zap.Error(err))
			cancel()
		}
	}()

	// Start Prometheus metrics server
	go func() {
		metricsAddr := fmt.Sprintf(":%d", cfg.Worker.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics server listening", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()

	// Wait for workers to finish in-flight aggregations
	workerPool.Stop()

	logger.Info("Worker stopped")
}

// openStore builds the configured object-store backend and returns it with
// a cleanup function.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.ObjectStore, func(), error) {
	switch cfg.Store.Backend {
	case "s3":
		client, err := minio.New(cfg.Store.S3.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Store.S3.AccessKey, cfg.Store.S3.SecretKey, ""),
			Secure: cfg.Store.S3.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		logger.Info("Using S3 object store",
			zap.String("endpoint", cfg.Store.S3.Endpoint),
			zap.String("bucket", cfg.Store.S3.Bucket),
		)
		return s3store.New(client, cfg.Store.S3.Bucket), func() {}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		store, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("Using PostgreSQL object store")
		return store, pool.Close, nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("Using Redis object store")
		return redisstore.New(client), func() { client.Close() }, nil

	case "memory":
		logger.Warn("Using in-memory object store; data will not survive restarts")
		return memory.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
