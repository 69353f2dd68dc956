package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/metrics"
	"github.com/tidelake/testreport/internal/storage"
)

const (
	// DefaultTimeout is both the lease staleness threshold and the per-round
	// polling budget.
	DefaultTimeout = 300 * time.Second

	// DefaultMaxRounds bounds how many write/read-back rounds a contender
	// attempts before giving up.
	DefaultMaxRounds = 5

	// DefaultPollInterval is the sleep between lock-age checks.
	DefaultPollInterval = time.Second
)

// Record mirrors the lock object. Holder is the object's body; AcquiredAt is
// the store's last-modified metadata, not an embedded field; the store is
// the only clock all contenders share.
type Record struct {
	Holder     string
	AcquiredAt time.Time
}

// Age returns how long ago the record was written.
func (r Record) Age() time.Duration {
	return time.Since(r.AcquiredAt)
}

// RetryPolicy controls one acquisition. It is passed per call rather than
// held on the manager so tests can shrink the timings.
type RetryPolicy struct {
	// Timeout is the lease staleness threshold. A lock object older than
	// this is considered abandoned and may be claimed by any contender. It
	// also bounds the per-round polling: once a contender has polled for
	// Timeout, any lock it kept observing is by definition that old.
	Timeout time.Duration

	// MaxRounds is the number of write/read-back rounds before giving up.
	MaxRounds int

	// PollInterval is the sleep between age checks.
	PollInterval time.Duration
}

// DefaultPolicy returns the production lock policy.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:      DefaultTimeout,
		MaxRounds:    DefaultMaxRounds,
		PollInterval: DefaultPollInterval,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = DefaultMaxRounds
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	return p
}

// Manager implements a lease-based lock over a single object-store key. The
// store offers no compare-and-swap, so the manager approximates it under
// last-writer-wins semantics: write the token, read it back, and treat a
// mismatch as a lost race. Staleness is inferred purely from the object's
// age. The result is a best-effort lock: a brief double-acquisition is
// possible and tolerated because the guarded merge is idempotent.
type Manager struct {
	store  storage.ObjectStore
	logger *zap.Logger
}

// NewManager creates a lock manager over the given store.
func NewManager(store storage.ObjectStore, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Acquire attempts to take the lock at key on behalf of token. It returns
// (false, nil) when every round was lost to another contender. Contention
// is a normal outcome, not an error. The only errors returned are store
// failures and context cancellation.
func (m *Manager) Acquire(ctx context.Context, key, token string, pol RetryPolicy) (bool, error) {
	pol = pol.withDefaults()
	start := time.Now()

	for round := 1; round <= pol.MaxRounds; round++ {
		if err := m.waitFree(ctx, key, pol); err != nil {
			metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
			return false, err
		}

		if err := m.store.Put(ctx, key, []byte(token)); err != nil {
			metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
			return false, fmt.Errorf("lock: write %q: %w", key, err)
		}

		// Read-back check: no compare-and-swap means a concurrent writer may
		// have overwritten the object between our put and now. A mismatch
		// tells us we lost the race.
		body, err := m.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Someone released or replaced-then-released in the window.
				continue
			}
			metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
			return false, fmt.Errorf("lock: read back %q: %w", key, err)
		}
		if string(body) == token {
			metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
			metrics.LockAcquireDuration.Observe(time.Since(start).Seconds())
			m.logger.Info("Lock acquired",
				zap.String("key", key),
				zap.String("token", token),
				zap.Int("round", round),
			)
			return true, nil
		}

		m.logger.Info("Lost lock race",
			zap.String("key", key),
			zap.String("token", token),
			zap.String("holder", string(body)),
			zap.Int("round", round),
		)
	}

	metrics.LockAcquisitionsTotal.WithLabelValues("contended").Inc()
	m.logger.Info("Lock not acquired, rounds exhausted",
		zap.String("key", key),
		zap.String("token", token),
		zap.Int("rounds", pol.MaxRounds),
	)
	return false, nil
}

// waitFree polls until the lock object is absent or its age exceeds the
// lease timeout. The polling budget equals the timeout: if a fresh lock was
// present for the entire wait and never refreshed, it is stale by the time
// the budget runs out, so falling through to the write is correct.
func (m *Manager) waitFree(ctx context.Context, key string, pol RetryPolicy) error {
	deadline := time.Now().Add(pol.Timeout)
	for {
		info, err := m.store.Head(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock: head %q: %w", key, err)
		}
		age := time.Since(info.LastModified)
		if age > pol.Timeout {
			m.logger.Info("Claiming stale lock",
				zap.String("key", key),
				zap.Duration("age", age),
				zap.Duration("timeout", pol.Timeout),
			)
			return nil
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pol.PollInterval):
		}
	}
}

// Release deletes the lock object if token still holds it. It is
// best-effort: a missing object, a different holder, or a store failure is
// logged and swallowed; an unreleased lock is recovered by the age check.
func (m *Manager) Release(ctx context.Context, key, token string) {
	body, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("Release: read lock failed", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if string(body) != token {
		m.logger.Warn("Release: lock held by someone else, leaving it",
			zap.String("key", key),
			zap.String("token", token),
			zap.String("holder", string(body)),
		)
		return
	}
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Warn("Release: delete lock failed", zap.String("key", key), zap.Error(err))
	}
}

// Holder returns the current lock record, or nil if the key is unlocked.
func (m *Manager) Holder(ctx context.Context, key string) (*Record, error) {
	info, err := m.store.Head(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: head %q: %w", key, err)
	}
	body, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: get %q: %w", key, err)
	}
	return &Record{Holder: string(body), AcquiredAt: info.LastModified}, nil
}
