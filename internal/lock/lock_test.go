package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/lock"
	"github.com/tidelake/testreport/internal/storage/memory"
)

// fastPolicy keeps the polling loop tight enough for tests.
func fastPolicy() lock.RetryPolicy {
	return lock.RetryPolicy{
		Timeout:      200 * time.Millisecond,
		MaxRounds:    3,
		PollInterval: 10 * time.Millisecond,
	}
}

func newTestManager() (*lock.Manager, *memory.Store) {
	store := memory.New()
	return lock.NewManager(store, zap.NewNop()), store
}

// Test: acquiring a free key succeeds on the first round.
func TestAcquire_FreeKey(t *testing.T) {
	m, store := newTestManager()

	acquired, err := m.Acquire(context.Background(), "locks/key1.lock", "tokenA", fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquisition to succeed on a free key")
	}

	body, err := store.Get(context.Background(), "locks/key1.lock")
	if err != nil {
		t.Fatalf("lock object missing after acquire: %v", err)
	}
	if string(body) != "tokenA" {
		t.Errorf("lock body = %q, want %q", body, "tokenA")
	}
}

// Test: release deletes the lock and the key is immediately acquirable.
func TestRelease_MakesKeyAcquirable(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "locks/key1.lock", "tokenA", fastPolicy()); !ok {
		t.Fatal("setup: first acquire failed")
	}
	m.Release(ctx, "locks/key1.lock", "tokenA")

	if _, err := store.Head(ctx, "locks/key1.lock"); err == nil {
		t.Fatal("lock object still present after release")
	}

	ok, err := m.Acquire(ctx, "locks/key1.lock", "tokenB", fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected acquisition to succeed after release")
	}
}

// Test: release is a no-op when the token no longer holds the lock.
func TestRelease_NotHolder(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "locks/key1.lock", "tokenA", fastPolicy()); !ok {
		t.Fatal("setup: acquire failed")
	}

	// A different contender must not be able to release someone else's lock.
	m.Release(ctx, "locks/key1.lock", "tokenB")

	body, err := store.Get(ctx, "locks/key1.lock")
	if err != nil {
		t.Fatalf("lock object deleted by non-holder release: %v", err)
	}
	if string(body) != "tokenA" {
		t.Errorf("lock body = %q, want %q", body, "tokenA")
	}

	// Releasing a missing lock must also be silent.
	m.Release(ctx, "locks/absent.lock", "tokenA")
}

// Test: a contender exhausts its rounds while a fresh lock is held.
//
// The holder refreshes its lease between the contender's rounds, so every
// read-back sees the holder's token and all rounds are lost. Contention is
// reported as a normal outcome, not an error.
func TestAcquire_ContendedFreshLock(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "locks/key1.lock", "holder", fastPolicy()); !ok {
		t.Fatal("setup: holder acquire failed")
	}

	// Every write the contender lands is overwritten before its read-back,
	// as a holder refreshing its lease would. The hook disarms itself around
	// its own put to avoid recursing.
	var hook func(key string)
	hook = func(key string) {
		store.AfterPut = nil
		_ = store.Put(ctx, key, []byte("holder"))
		store.AfterPut = hook
	}
	store.AfterPut = hook

	acquired, err := m.Acquire(ctx, "locks/key1.lock", "contender", fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acquired {
		t.Fatal("contender must not acquire a fresh, refreshed lock")
	}
}

// Test: a lock older than the timeout is claimable without waiting out the
// polling loop.
func TestAcquire_StaleLockOverride(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	pol := lock.RetryPolicy{
		Timeout:      300 * time.Second,
		MaxRounds:    3,
		PollInterval: time.Second,
	}

	// A crashed holder left its lock behind 400 seconds ago.
	if err := store.Put(ctx, "locks/key1.lock", []byte("dead-holder")); err != nil {
		t.Fatal(err)
	}
	store.SetLastModified("locks/key1.lock", time.Now().Add(-400*time.Second))

	start := time.Now()
	acquired, err := m.Acquire(ctx, "locks/key1.lock", "fresh", pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !acquired {
		t.Fatal("expected stale lock to be claimable")
	}
	// The stale check must short-circuit the poll loop entirely.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stale takeover took %v, expected an immediate claim", elapsed)
	}
}

// Test: the read-back check detects a lost race and moves to the next round.
func TestAcquire_ReadBackDetectsRace(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	// A concurrent winner slips in between the contender's put and its
	// read-back, every round.
	races := 0
	var hook func(key string)
	hook = func(key string) {
		store.AfterPut = nil
		races++
		_ = store.Put(ctx, key, []byte("winner"))
		store.AfterPut = hook
	}
	store.AfterPut = hook

	pol := lock.RetryPolicy{Timeout: 50 * time.Millisecond, MaxRounds: 2, PollInterval: 5 * time.Millisecond}
	acquired, err := m.Acquire(ctx, "locks/key1.lock", "loser", pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acquired {
		t.Fatal("contender must lose when every write is overwritten before read-back")
	}
	if races == 0 {
		t.Fatal("race injection hook never fired")
	}
}

// Test: two contenders for the same key. The loser exhausts its rounds while
// the winner holds a fresh lock, then succeeds once the winner releases.
func TestAcquire_TwoContenders(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	pol := fastPolicy()

	okA, err := m.Acquire(ctx, "locks/key1.lock", "tokenA", pol)
	if err != nil || !okA {
		t.Fatalf("contender A failed on a free key: ok=%v err=%v", okA, err)
	}

	// While A holds the lock, every write B lands is overwritten back to A's
	// token before B's read-back, so A behaves as a live, refreshing holder.
	var hook func(key string)
	hook = func(key string) {
		store.AfterPut = nil
		_ = store.Put(ctx, key, []byte("tokenA"))
		store.AfterPut = hook
	}
	store.AfterPut = hook

	okB, err := m.Acquire(ctx, "locks/key1.lock", "tokenB", pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if okB {
		t.Fatal("contender B acquired against a live holder")
	}

	store.AfterPut = nil
	m.Release(ctx, "locks/key1.lock", "tokenA")

	okB, err = m.Acquire(ctx, "locks/key1.lock", "tokenB", pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !okB {
		t.Fatal("contender B could not acquire after A released")
	}
}

// Test: N concurrent contenders, at least one verified winner; every
// contender that reports success must have seen its own token on read-back
// (checked implicitly by Acquire) and the final holder is one of the
// winners' tokens.
func TestAcquire_ManyConcurrentContenders(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = string(rune('A' + i))
	}

	for _, token := range tokens {
		token := token
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Acquire(ctx, "locks/hot.lock", token, lock.RetryPolicy{
				Timeout:      30 * time.Millisecond,
				MaxRounds:    1,
				PollInterval: 5 * time.Millisecond,
			})
			if err != nil {
				t.Errorf("contender %s error: %v", token, err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, token)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(winners) == 0 {
		t.Fatal("no contender acquired the lock")
	}
	if len(winners) > 1 {
		// The write/read-back window allows this in principle; it should be
		// rare. Flag it without failing (the guarded merge is idempotent).
		t.Logf("multiple verified winners: %v (tolerated race window)", winners)
	}

	body, err := store.Get(ctx, "locks/hot.lock")
	if err != nil {
		t.Fatalf("lock object missing after contest: %v", err)
	}
	holderIsWinner := false
	for _, w := range winners {
		if string(body) == w {
			holderIsWinner = true
		}
	}
	if !holderIsWinner {
		t.Errorf("final holder %q is not among winners %v", body, winners)
	}
}

// Test: Holder reports the current record and nil for a free key.
func TestHolder(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	rec, err := m.Holder(ctx, "locks/key1.lock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for free key, got %+v", rec)
	}

	if ok, _ := m.Acquire(ctx, "locks/key1.lock", "tokenA", fastPolicy()); !ok {
		t.Fatal("setup: acquire failed")
	}

	rec, err = m.Holder(ctx, "locks/key1.lock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil || rec.Holder != "tokenA" {
		t.Fatalf("holder = %+v, want tokenA", rec)
	}
	if rec.Age() < 0 || rec.Age() > time.Minute {
		t.Errorf("implausible lock age %v", rec.Age())
	}
}

// Test: context cancellation aborts the polling wait with an error.
func TestAcquire_ContextCancelled(t *testing.T) {
	m, store := newTestManager()

	// A fresh lock forces the contender into the poll loop.
	if err := store.Put(context.Background(), "locks/key1.lock", []byte("holder")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := m.Acquire(ctx, "locks/key1.lock", "tokenB", lock.RetryPolicy{
		Timeout:      10 * time.Second,
		MaxRounds:    1,
		PollInterval: 10 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected context cancellation to surface as an error")
	}
}
