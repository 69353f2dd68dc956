package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/metrics"
)

const (
	trendFile = "history/history-trend.json"

	// maxTrendEntries caps how many runs the carried-forward trend keeps.
	maxTrendEntries = 20
)

// Merger combines unpacked shard directories and prior history into one
// report tree. Merging is idempotent: the same shards and history always
// produce the same bytes, apart from the embedded generation timestamp, so
// a double execution caused by a lock race wastes compute and nothing else.
type Merger struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewMerger creates a merger.
func NewMerger(logger *zap.Logger) *Merger {
	return &Merger{logger: logger, now: time.Now}
}

// Merge unions every `*-result.json` across the shard directories, keyed by
// (suite, case, shard). Duplicate (suite, case) entries from retried shards
// are all retained; the report format reflects retries natively. History is
// consumed read-only and re-embedded with this run's totals appended; a
// missing history means this is the first report for the key and the trend
// starts empty.
func (m *Merger) Merge(runID string, shardDirs []string, historyDir string) (*domain.MergedReport, error) {
	start := time.Now()

	results, err := m.collectResults(shardDirs)
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Suite != b.Suite {
			return a.Suite < b.Suite
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Shard != b.Shard {
			return a.Shard < b.Shard
		}
		return a.StartedAt.Before(b.StartedAt)
	})

	summary := domain.Summary{
		RunID:       runID,
		Total:       len(results),
		GeneratedAt: m.now().UTC(),
	}
	for _, r := range results {
		switch r.Status {
		case domain.StatusPassed:
			summary.Passed++
		case domain.StatusFailed:
			summary.Failed++
		case domain.StatusBroken:
			summary.Broken++
		case domain.StatusSkipped:
			summary.Skipped++
		}
	}

	history, err := m.buildHistory(historyDir, summary)
	if err != nil {
		return nil, err
	}

	resultsJSON, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("merger: marshal results: %w", err)
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("merger: marshal summary: %w", err)
	}

	rep := &domain.MergedReport{
		RunID:   runID,
		Summary: summary,
		Files: map[string][]byte{
			"data/results.json":    resultsJSON,
			"widgets/summary.json": summaryJSON,
			"index.html":           renderIndex(runID, summary),
		},
		History: history,
	}

	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	m.logger.Info("Merged shards into report",
		zap.String("run_id", runID),
		zap.Int("shards", len(shardDirs)),
		zap.Int("results", len(results)),
		zap.Int("failed", summary.Failed),
	)
	return rep, nil
}

// collectResults reads every result file from every shard directory. A file
// that fails to parse is logged and excluded; one bad file must not block
// aggregation of the rest.
func (m *Merger) collectResults(shardDirs []string) ([]domain.TestResult, error) {
	var results []domain.TestResult
	for _, dir := range shardDirs {
		shard := filepath.Base(dir)
		err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), "-result.json") {
				return nil
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("merger: read %q: %w", p, err)
			}
			var r domain.TestResult
			if err := json.Unmarshal(data, &r); err != nil {
				m.logger.Warn("Skipping malformed result file",
					zap.String("shard", shard),
					zap.String("file", d.Name()),
					zap.Error(err),
				)
				return nil
			}
			r.Shard = shard
			results = append(results, r)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("merger: walk shard %q: %w", shard, err)
		}
	}
	return results, nil
}

// buildHistory carries the prior history subtree forward untouched, except
// for the trend file, which gets this run's totals prepended.
func (m *Merger) buildHistory(historyDir string, summary domain.Summary) (map[string][]byte, error) {
	history := make(map[string][]byte)
	var trend []domain.TrendEntry

	if historyDir != "" {
		err := filepath.WalkDir(historyDir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == historyDir {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(historyDir, p)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("merger: read history %q: %w", rel, err)
			}
			history["history/"+filepath.ToSlash(rel)] = data
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("merger: walk history: %w", err)
		}
	}

	if data, ok := history[trendFile]; ok {
		if err := json.Unmarshal(data, &trend); err != nil {
			m.logger.Warn("Prior history trend unreadable, starting fresh", zap.Error(err))
			trend = nil
		}
	}

	trend = append([]domain.TrendEntry{{
		RunID:   summary.RunID,
		Total:   summary.Total,
		Passed:  summary.Passed,
		Failed:  summary.Failed,
		Broken:  summary.Broken,
		Skipped: summary.Skipped,
	}}, trend...)
	if len(trend) > maxTrendEntries {
		trend = trend[:maxTrendEntries]
	}

	trendJSON, err := json.MarshalIndent(trend, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("merger: marshal trend: %w", err)
	}
	history[trendFile] = trendJSON
	return history, nil
}

func renderIndex(runID string, s domain.Summary) []byte {
	return []byte(fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Test report %s</title></head>
<body>
<h1>Test report for run %s</h1>
<p>%d total &mdash; %d passed, %d failed, %d broken, %d skipped</p>
<ul>
<li><a href="data/results.json">results</a></li>
<li><a href="widgets/summary.json">summary</a></li>
<li><a href="history/history-trend.json">trend</a></li>
</ul>
</body>
</html>
`, runID, runID, s.Total, s.Passed, s.Failed, s.Broken, s.Skipped))
}
