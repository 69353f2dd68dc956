package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/config"
	handler "github.com/tidelake/testreport/internal/delivery/http"
	"github.com/tidelake/testreport/internal/lock"
	"github.com/tidelake/testreport/internal/queue"
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

	logger.Info("Starting report API server")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	gin.SetMode(cfg.Server.GinMode)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open object store", zap.Error(err))
	}
	defer closeStore()

	// Initialize RabbitMQ publisher
	pub, err := queue.NewRabbitMQPublisher(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize RabbitMQ publisher", zap.Error(err))
	}
	defer pub.Close()
	logger.Info("Connected to RabbitMQ")

	locks := lock.NewManager(store, logger)
	storeUC := usecase.NewStoreShardUsecase(store, cfg.Report.ShardPrefix, cfg.Report.MaxShardBytes, logger)

	router := handler.NewRouter(&handler.RouterDeps{
		StoreUC:         storeUC,
		Queue:           pub,
		Locks:           locks,
		LockPrefix:      cfg.Report.LockPrefix,
		StoreBackend:    cfg.Store.Backend,
		Logger:          logger,
		RateLimitPerMin: cfg.Server.RateLimit,
		MaxShardBytes:   cfg.Report.MaxShardBytes,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("API server stopped")
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
