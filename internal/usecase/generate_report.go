package usecase

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/lock"
	"github.com/tidelake/testreport/internal/metrics"
	"github.com/tidelake/testreport/internal/report"
)

// GenerateReportUsecase runs the guarded aggregation pipeline: acquire the
// report lock, collect the run's shards, merge them with prior history, and
// publish. Only the lock holder merges; everyone else skips. A skip is a
// normal outcome: the shards stay in the store for a future run to merge.
type GenerateReportUsecase struct {
	locks      *lock.Manager
	collector  *report.Collector
	merger     *report.Merger
	publisher  *report.Publisher
	lockPrefix string
	policy     lock.RetryPolicy
	logger     *zap.Logger
}

// NewGenerateReportUsecase creates a GenerateReportUsecase. policy supplies
// the default lock tuning; individual requests may override timeout and
// rounds.
func NewGenerateReportUsecase(
	locks *lock.Manager,
	collector *report.Collector,
	merger *report.Merger,
	publisher *report.Publisher,
	lockPrefix string,
	policy lock.RetryPolicy,
	logger *zap.Logger,
) *GenerateReportUsecase {
	return &GenerateReportUsecase{
		locks:      locks,
		collector:  collector,
		merger:     merger,
		publisher:  publisher,
		lockPrefix: lockPrefix,
		policy:     policy,
		logger:     logger,
	}
}

// LockKey returns the lock object key guarding an aggregation key.
func (uc *GenerateReportUsecase) LockKey(key string) string {
	return path.Join(uc.lockPrefix, key+".lock")
}

// Execute performs one generate attempt. The error return is reserved for
// store and merge failures; lock contention and an empty shard set come back
// as outcomes.
func (uc *GenerateReportUsecase) Execute(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateOutcome, error) {
	start := time.Now()

	pol := uc.policy
	if req.LockTimeoutS > 0 {
		pol.Timeout = time.Duration(req.LockTimeoutS) * time.Second
	}
	if req.MaxRounds > 0 {
		pol.MaxRounds = req.MaxRounds
	}

	lockKey := uc.LockKey(req.Key)
	token := req.Token()

	acquired, err := uc.locks.Acquire(ctx, lockKey, token, pol)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("generate %s: %w", req.Key, err)
	}
	if !acquired {
		// Someone else will likely publish this report; our shards are
		// already stored and will be picked up by their merge or a later run.
		uc.logger.Info("Report lock contended, skipping merge",
			zap.String("key", req.Key),
			zap.String("run_id", req.RunID),
		)
		metrics.GenerationsTotal.WithLabelValues("skipped_lock").Inc()
		return &domain.GenerateOutcome{Status: domain.GenerateSkippedLock}, nil
	}
	defer uc.locks.Release(ctx, lockKey, token)

	refs, err := uc.collector.ListShards(ctx, req.RunID)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("generate %s: %w", req.Key, err)
	}
	if len(refs) == 0 {
		uc.logger.Info("No shards stored for run, nothing to merge",
			zap.String("key", req.Key),
			zap.String("run_id", req.RunID),
		)
		metrics.GenerationsTotal.WithLabelValues("skipped_no_shards").Inc()
		return &domain.GenerateOutcome{Status: domain.GenerateSkippedNoShard}, nil
	}

	workDir, err := os.MkdirTemp("", "testreport-*")
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("generate %s: workdir: %w", req.Key, err)
	}
	defer os.RemoveAll(workDir)

	shardDirs, err := uc.collector.FetchAll(ctx, refs, filepath.Join(workDir, "shards"))
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("generate %s: %w", req.Key, err)
	}
	if len(shardDirs) == 0 {
		// Every shard was corrupt. Publishing an empty report would clobber
		// a previously good "latest", so skip instead.
		uc.logger.Warn("All shards corrupt, skipping publish",
			zap.String("key", req.Key),
			zap.String("run_id", req.RunID),
			zap.Int("shards", len(refs)),
		)
		metrics.GenerationsTotal.WithLabelValues("skipped_no_shards").Inc()
		return &domain.GenerateOutcome{Status: domain.GenerateSkippedNoShard}, nil
	}

	historyDir, err := uc.publisher.FetchHistory(ctx, req.Key, workDir)
	if err != nil {
		// History is a read-only garnish; a flaky read must not block the
		// report. The trend restarts from this run.
		uc.logger.Warn("Could not fetch prior history, proceeding without it",
			zap.String("key", req.Key),
			zap.Error(err),
		)
		historyDir = ""
	}

	rep, err := uc.merger.Merge(req.RunID, shardDirs, historyDir)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("generate %s: %w", req.Key, err)
	}

	url, err := uc.publisher.Publish(ctx, rep, req.Key)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("generate %s: %w", req.Key, err)
	}

	metrics.GenerationsTotal.WithLabelValues("published").Inc()
	metrics.ReportsPublishedTotal.Inc()
	uc.logger.Info("Report generated",
		zap.String("key", req.Key),
		zap.String("run_id", req.RunID),
		zap.String("url", url),
		zap.Int("shards", len(shardDirs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &domain.GenerateOutcome{Status: domain.GeneratePublished, ReportURL: url}, nil
}
