package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/lock"
	"github.com/tidelake/testreport/internal/queue"
)

// generateParams is the JSON body of a generate request.
type generateParams struct {
	RunID        string `json:"run_id" binding:"required"`
	Selector     string `json:"selector"`
	Attempt      int    `json:"attempt"`
	LockTimeoutS int    `json:"lock_timeout_s"`
	MaxRounds    int    `json:"max_rounds"`
}

// ReportHandler enqueues report generation and exposes lock inspection.
type ReportHandler struct {
	publisher  queue.Publisher
	locks      *lock.Manager
	lockPrefix string
	logger     *zap.Logger
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(publisher queue.Publisher, locks *lock.Manager, lockPrefix string, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		publisher:  publisher,
		locks:      locks,
		lockPrefix: lockPrefix,
		logger:     logger,
	}
}

// Generate handles POST /api/v1/reports/:key/generate. The aggregation runs
// asynchronously on a worker; 202 means the request was enqueued.
func (h *ReportHandler) Generate(c *gin.Context) {
	var params generateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	req := &domain.GenerateRequest{
		Key:          c.Param("key"),
		RunID:        params.RunID,
		Selector:     params.Selector,
		Attempt:      params.Attempt,
		LockTimeoutS: params.LockTimeoutS,
		MaxRounds:    params.MaxRounds,
	}

	if err := h.publisher.Publish(c.Request.Context(), req); err != nil {
		h.logger.Error("Failed to enqueue generate request",
			zap.Error(err),
			zap.String("key", req.Key),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": domain.ErrEnqueueFailed.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "QUEUED",
		"key":    req.Key,
		"run_id": req.RunID,
	})
}

// Lock handles GET /api/v1/reports/:key/lock, the lock holder inspection.
func (h *ReportHandler) Lock(c *gin.Context) {
	key := c.Param("key")
	lockKey := h.lockPrefix + "/" + key + ".lock"

	rec, err := h.locks.Holder(c.Request.Context(), lockKey)
	if err != nil {
		h.logger.Error("Lock inspection failed", zap.Error(err), zap.String("key", key))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No lock held for key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":         key,
		"holder":      rec.Holder,
		"acquired_at": rec.AcquiredAt,
		"age_seconds": int(rec.Age().Seconds()),
	})
}
