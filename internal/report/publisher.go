package report

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/metrics"
	"github.com/tidelake/testreport/internal/storage"
)

// Publisher promotes a merged report into the store. Two locations exist per
// key: the immutable run-scoped tree and the mutable "latest" pointer tree
// that is overwritten in full on every publish.
type Publisher struct {
	store        storage.ObjectStore
	reportPrefix string
	baseURL      string
	logger       *zap.Logger
}

// NewPublisher creates a publisher. baseURL is the public root that serves
// the reportPrefix namespace.
func NewPublisher(store storage.ObjectStore, reportPrefix, baseURL string, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:        store,
		reportPrefix: reportPrefix,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		logger:       logger,
	}
}

// FetchHistory downloads the current latest/history subtree for key into
// destDir and returns the local directory. Absence of prior history is the
// first publish for a key and yields ("", nil).
func (p *Publisher) FetchHistory(ctx context.Context, key, destDir string) (string, error) {
	prefix := path.Join(p.reportPrefix, key, "latest", "history") + "/"
	infos, err := p.store.List(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("publisher: list history %q: %w", prefix, err)
	}
	if len(infos) == 0 {
		return "", nil
	}

	dir := filepath.Join(destDir, "history")
	for _, info := range infos {
		data, err := p.store.Get(ctx, info.Key)
		if err != nil {
			return "", fmt.Errorf("publisher: fetch history %q: %w", info.Key, err)
		}
		rel := strings.TrimPrefix(info.Key, prefix)
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("publisher: create history dir: %w", err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return "", fmt.Errorf("publisher: write history %q: %w", rel, err)
		}
	}
	return dir, nil
}

// Publish writes the report in two phases: first the history subtree under
// the latest pointer, then the report body to the permanent run-scoped path
// and its mirror under latest, the redirect document last. History goes out
// first so a published trend can never reference a run whose body is still
// being written. With no atomic rename in the store, ordering is the only
// consistency tool available. A failure after phase 1 is surfaced as
// ErrPublishIncomplete and must be retried by a subsequent run.
func (p *Publisher) Publish(ctx context.Context, rep *domain.MergedReport, key string) (string, error) {
	latestPrefix := path.Join(p.reportPrefix, key, "latest")
	runPrefix := path.Join(p.reportPrefix, key, rep.RunID)

	// Phase 1: replace latest/history with the new trend.
	if err := p.deletePrefix(ctx, latestPrefix+"/history/"); err != nil {
		return "", fmt.Errorf("publisher: clear latest history: %w", err)
	}
	for _, rel := range sortedKeys(rep.History) {
		if err := p.store.Put(ctx, latestPrefix+"/"+rel, rep.History[rel]); err != nil {
			return "", fmt.Errorf("publisher: put %q: %w", rel, err)
		}
	}

	// Phase 2: permanent body, then the latest mirror.
	if err := p.putTree(ctx, runPrefix, rep.Files); err != nil {
		metrics.PublishFailuresTotal.Inc()
		return "", fmt.Errorf("%w: %s", domain.ErrPublishIncomplete, err)
	}
	if err := p.putTree(ctx, runPrefix, rep.History); err != nil {
		metrics.PublishFailuresTotal.Inc()
		return "", fmt.Errorf("%w: %s", domain.ErrPublishIncomplete, err)
	}

	// Overwrite the latest body in full: stale files from the previous
	// report must not survive under the pointer. The mirror is copied
	// server-side from the permanent tree that was just written.
	if err := p.deleteStaleLatest(ctx, latestPrefix, rep.Files); err != nil {
		metrics.PublishFailuresTotal.Inc()
		return "", fmt.Errorf("%w: %s", domain.ErrPublishIncomplete, err)
	}
	if err := p.copyTree(ctx, runPrefix, latestPrefix, rep.Files); err != nil {
		metrics.PublishFailuresTotal.Inc()
		return "", fmt.Errorf("%w: %s", domain.ErrPublishIncomplete, err)
	}

	// The redirect overwrites the mirrored index and points at the permanent
	// run-scoped report.
	permanentURL := p.baseURL + "/" + path.Join(key, rep.RunID, "index.html")
	if err := p.store.Put(ctx, latestPrefix+"/index.html", redirectHTML(permanentURL)); err != nil {
		metrics.PublishFailuresTotal.Inc()
		return "", fmt.Errorf("%w: put redirect: %s", domain.ErrPublishIncomplete, err)
	}

	url := p.baseURL + "/" + path.Join(key, "latest", "index.html")
	p.logger.Info("Report published",
		zap.String("key", key),
		zap.String("run_id", rep.RunID),
		zap.String("url", url),
	)
	return url, nil
}

func (p *Publisher) putTree(ctx context.Context, prefix string, files map[string][]byte) error {
	for _, rel := range sortedKeys(files) {
		if err := p.store.Put(ctx, prefix+"/"+rel, files[rel]); err != nil {
			return fmt.Errorf("put %q: %w", prefix+"/"+rel, err)
		}
	}
	return nil
}

func (p *Publisher) copyTree(ctx context.Context, srcPrefix, dstPrefix string, files map[string][]byte) error {
	for _, rel := range sortedKeys(files) {
		if err := p.store.Copy(ctx, srcPrefix+"/"+rel, dstPrefix+"/"+rel); err != nil {
			return fmt.Errorf("copy %q: %w", dstPrefix+"/"+rel, err)
		}
	}
	return nil
}

func (p *Publisher) deletePrefix(ctx context.Context, prefix string) error {
	infos, err := p.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %q: %w", prefix, err)
	}
	for _, info := range infos {
		if err := p.store.Delete(ctx, info.Key); err != nil {
			return fmt.Errorf("delete %q: %w", info.Key, err)
		}
	}
	return nil
}

// deleteStaleLatest removes latest body keys that the new report does not
// carry. The history subtree was already replaced in phase 1 and is left
// alone.
func (p *Publisher) deleteStaleLatest(ctx context.Context, latestPrefix string, files map[string][]byte) error {
	infos, err := p.store.List(ctx, latestPrefix+"/")
	if err != nil {
		return fmt.Errorf("list %q: %w", latestPrefix, err)
	}
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, latestPrefix+"/")
		if strings.HasPrefix(rel, "history/") || rel == "index.html" {
			continue
		}
		if _, keep := files[rel]; keep {
			continue
		}
		if err := p.store.Delete(ctx, info.Key); err != nil {
			return fmt.Errorf("delete %q: %w", info.Key, err)
		}
	}
	return nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func redirectHTML(target string) []byte {
	return []byte(fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta http-equiv="refresh" content="0; url=%s"></head>
<body><a href="%s">Latest report</a></body>
</html>
`, target, target))
}
