package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/delivery/http/middleware"
	"github.com/tidelake/testreport/internal/lock"
	"github.com/tidelake/testreport/internal/queue"
	"github.com/tidelake/testreport/internal/usecase"
)

// RouterDeps carries everything the router wires into its handlers.
type RouterDeps struct {
	StoreUC         *usecase.StoreShardUsecase
	Queue           queue.Publisher
	Locks           *lock.Manager
	LockPrefix      string
	StoreBackend    string
	Logger          *zap.Logger
	RateLimitPerMin int
	MaxShardBytes   int64
}

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(deps *RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(deps.Logger))

	// Metrics endpoint (no rate limiting)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		healthHandler := NewHealthHandler(deps.StoreBackend, deps.Logger)
		v1.GET("/health", healthHandler.Health)

		shardHandler := NewShardHandler(deps.StoreUC, deps.Logger)
		v1.POST("/runs/:run_id/shards",
			middleware.RateLimiter(deps.RateLimitPerMin),
			middleware.BodySizeLimit(deps.MaxShardBytes),
			shardHandler.Store,
		)

		reportHandler := NewReportHandler(deps.Queue, deps.Locks, deps.LockPrefix, deps.Logger)
		v1.POST("/reports/:key/generate",
			middleware.RateLimiter(deps.RateLimitPerMin),
			reportHandler.Generate,
		)
		v1.GET("/reports/:key/lock", reportHandler.Lock)
	}

	return router
}
