package domain

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// TestStatus is the outcome of a single test case.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusBroken  TestStatus = "broken"
	StatusSkipped TestStatus = "skipped"
)

// TestResult is one test-case outcome carried inside a shard archive as a
// `*-result.json` file. Retried cases produce multiple entries for the same
// (suite, name); all of them are kept through the merge.
type TestResult struct {
	Suite      string     `json:"suite"`
	Name       string     `json:"name"`
	Status     TestStatus `json:"status"`
	DurationMs int64      `json:"duration_ms"`
	StartedAt  time.Time  `json:"started_at"`
	Error      string     `json:"error,omitempty"`

	// Shard is filled in by the merger with the shard the entry came from,
	// so duplicates from retried shards stay distinguishable.
	Shard string `json:"shard,omitempty"`
}

// ShardRef identifies one uploaded shard archive in the object store.
// Shards are immutable once written and owned by the uploading run.
type ShardRef struct {
	Key      string
	RunID    string
	Size     int64
	Uploaded time.Time
}

// Basename returns the archive file name without the .tar.gz suffix. It is
// used as the isolation directory name when unpacking, so identical file
// names in different shards cannot collide.
func (r ShardRef) Basename() string {
	return strings.TrimSuffix(path.Base(r.Key), ".tar.gz")
}

// Summary holds the aggregate counts of one merged report.
type Summary struct {
	RunID       string    `json:"run_id"`
	Total       int       `json:"total"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Broken      int       `json:"broken"`
	Skipped     int       `json:"skipped"`
	GeneratedAt time.Time `json:"generated_at"`
}

// TrendEntry is one run's totals inside history/history-trend.json. The
// trend is carried forward from report to report so dashboards stay
// continuous across runs.
type TrendEntry struct {
	RunID   string `json:"run_id"`
	Total   int    `json:"total"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Broken  int    `json:"broken"`
	Skipped int    `json:"skipped"`
}

// MergedReport is the rendered report tree, keyed by path relative to the
// report root. Body files and the history subtree are kept separate because
// the publisher promotes them in different phases.
type MergedReport struct {
	RunID   string
	Summary Summary

	// Files holds the report body (data/, widgets/, index.html).
	Files map[string][]byte

	// History holds the history/ subtree, trend included.
	History map[string][]byte
}

// GenerateRequest asks for one guarded aggregation of a run's shards into a
// published report. Key is the aggregation key all contenders for the same
// logical report share; RunID, Attempt and Selector identify this contender.
type GenerateRequest struct {
	Key          string `json:"key"`
	RunID        string `json:"run_id"`
	Selector     string `json:"selector,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	LockTimeoutS int    `json:"lock_timeout_s,omitempty"`
	MaxRounds    int    `json:"max_rounds,omitempty"`
}

// Token returns the opaque value written into the lock object's body. It is
// unique per contender attempt so a read-back can tell the winner apart.
func (r *GenerateRequest) Token() string {
	return fmt.Sprintf("%s/%d/%s", r.RunID, r.Attempt, r.Selector)
}

// GenerateStatus is the outcome class of one generate call. Losing the lock
// and finding no shards are normal outcomes, not errors.
type GenerateStatus string

const (
	GeneratePublished      GenerateStatus = "PUBLISHED"
	GenerateSkippedLock    GenerateStatus = "SKIPPED_LOCK"
	GenerateSkippedNoShard GenerateStatus = "SKIPPED_NO_SHARDS"
)

// GenerateOutcome is returned by the generate use case. ReportURL is set
// only when Status is GeneratePublished.
type GenerateOutcome struct {
	Status    GenerateStatus `json:"status"`
	ReportURL string         `json:"report_url,omitempty"`
}

// ReportMessage wraps a queued GenerateRequest with ACK callbacks so the
// worker pool can settle the delivery after processing completes.
type ReportMessage struct {
	Request *GenerateRequest
	Ack     func() error
	Nack    func(requeue bool) error
}

// AggregationKey derives the lock/report key for a branch or PR ref and a
// build-type discriminator. It must be stable across all contenders for the
// same logical report.
func AggregationKey(ref, buildType string) string {
	sanitize := func(s string) string {
		return strings.Map(func(c rune) rune {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
				return c
			default:
				return '-'
			}
		}, s)
	}
	return sanitize(ref) + "-" + sanitize(buildType)
}
