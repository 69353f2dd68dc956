package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/usecase"
)

// ShardHandler handles shard archive uploads.
type ShardHandler struct {
	storeUC *usecase.StoreShardUsecase
	logger  *zap.Logger
}

// NewShardHandler creates a new ShardHandler.
func NewShardHandler(storeUC *usecase.StoreShardUsecase, logger *zap.Logger) *ShardHandler {
	return &ShardHandler{storeUC: storeUC, logger: logger}
}

// Store handles POST /api/v1/runs/:run_id/shards?selector=...&attempt=N
// The raw tar.gz archive is the request body.
func (h *ShardHandler) Store(c *gin.Context) {
	runID := c.Param("run_id")
	selector := c.Query("selector")

	attempt := 0
	if s := c.Query("attempt"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid attempt number"})
			return
		}
		attempt = n
	}

	archive, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Failed to read archive body"})
		return
	}

	ref, err := h.storeUC.Execute(c.Request.Context(), runID, selector, attempt, archive)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidRunID),
			errors.Is(err, domain.ErrInvalidSelector),
			errors.Is(err, domain.ErrEmptyArchive),
			errors.Is(err, domain.ErrInvalidArchive):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrArchiveTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Store shard failed", zap.Error(err), zap.String("run_id", runID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":      ref.Key,
		"run_id":   ref.RunID,
		"selector": selector,
		"attempt":  attempt,
		"size":     ref.Size,
	})
}
