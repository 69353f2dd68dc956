package usecase

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/metrics"
	"github.com/tidelake/testreport/internal/storage"
)

// StoreShardUsecase accepts one run's partial-result archive and writes it
// to the shard namespace. Shard keys embed the uploading attempt, so uploads
// are disjoint by construction and need no locking.
type StoreShardUsecase struct {
	store       storage.ObjectStore
	shardPrefix string
	maxBytes    int64
	logger      *zap.Logger
}

// NewStoreShardUsecase creates a StoreShardUsecase.
func NewStoreShardUsecase(store storage.ObjectStore, shardPrefix string, maxBytes int64, logger *zap.Logger) *StoreShardUsecase {
	return &StoreShardUsecase{
		store:       store,
		shardPrefix: shardPrefix,
		maxBytes:    maxBytes,
		logger:      logger,
	}
}

// Execute validates and stores one shard archive, returning its reference.
func (uc *StoreShardUsecase) Execute(ctx context.Context, runID, selector string, attempt int, archive []byte) (domain.ShardRef, error) {
	if runID == "" || strings.ContainsAny(runID, "/\\") {
		return domain.ShardRef{}, domain.ErrInvalidRunID
	}
	if selector == "" || strings.ContainsAny(selector, "/\\") {
		return domain.ShardRef{}, domain.ErrInvalidSelector
	}
	if len(archive) == 0 {
		return domain.ShardRef{}, domain.ErrEmptyArchive
	}
	if uc.maxBytes > 0 && int64(len(archive)) > uc.maxBytes {
		return domain.ShardRef{}, domain.ErrArchiveTooLarge
	}
	// Cheap sanity check before the bytes leave the process: gzip magic.
	if len(archive) < 2 || archive[0] != 0x1f || archive[1] != 0x8b {
		return domain.ShardRef{}, domain.ErrInvalidArchive
	}

	now := time.Now().UTC()
	key := path.Join(uc.shardPrefix, runID,
		fmt.Sprintf("%s-a%d-%d.tar.gz", selector, attempt, now.UnixNano()))

	if err := uc.store.Put(ctx, key, archive); err != nil {
		return domain.ShardRef{}, fmt.Errorf("store shard %q: %w", key, err)
	}

	metrics.ShardsStoredTotal.Inc()
	uc.logger.Info("Shard stored",
		zap.String("run_id", runID),
		zap.String("selector", selector),
		zap.Int("attempt", attempt),
		zap.String("key", key),
		zap.Int("bytes", len(archive)),
	)
	return domain.ShardRef{Key: key, RunID: runID, Size: int64(len(archive)), Uploaded: now}, nil
}
