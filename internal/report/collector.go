package report

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/metrics"
	"github.com/tidelake/testreport/internal/storage"
)

// Collector discovers and downloads the shard archives a run uploaded.
type Collector struct {
	store       storage.ObjectStore
	shardPrefix string
	concurrency int
	logger      *zap.Logger
}

// NewCollector creates a collector over the given store. concurrency bounds
// parallel shard downloads; values below 1 mean sequential.
func NewCollector(store storage.ObjectStore, shardPrefix string, concurrency int, logger *zap.Logger) *Collector {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Collector{
		store:       store,
		shardPrefix: shardPrefix,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ListShards returns every shard uploaded for the run, ordered by key. An
// empty result is a normal outcome: the run simply has nothing to merge yet.
func (c *Collector) ListShards(ctx context.Context, runID string) ([]domain.ShardRef, error) {
	prefix := path.Join(c.shardPrefix, runID) + "/"
	infos, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("collector: list %q: %w", prefix, err)
	}

	refs := make([]domain.ShardRef, 0, len(infos))
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".tar.gz") {
			continue
		}
		refs = append(refs, domain.ShardRef{
			Key:      info.Key,
			RunID:    runID,
			Size:     info.Size,
			Uploaded: info.LastModified,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

// FetchAll downloads and unpacks the shards into per-shard subdirectories of
// destDir, so identical file names across shards cannot overwrite each other
// before the merge interprets them. A corrupt archive is logged and skipped
// rather than failing the whole aggregation. The returned directories are
// sorted by shard name.
func (c *Collector) FetchAll(ctx context.Context, refs []domain.ShardRef, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("collector: create %q: %w", destDir, err)
	}

	var (
		mu   sync.Mutex
		dirs []string
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			data, err := c.store.Get(ctx, ref.Key)
			if err != nil {
				return fmt.Errorf("collector: fetch %q: %w", ref.Key, err)
			}

			dir := filepath.Join(destDir, ref.Basename())
			if err := unpackShard(data, dir); err != nil {
				c.logger.Warn("Skipping corrupt shard archive",
					zap.String("key", ref.Key),
					zap.Error(err),
				)
				metrics.ShardsCorruptTotal.Inc()
				_ = os.RemoveAll(dir)
				return nil
			}

			mu.Lock()
			dirs = append(dirs, dir)
			mu.Unlock()
			metrics.ShardsMergedTotal.Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(dirs)
	return dirs, nil
}
