package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tidelake/testreport/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

// Test: put, head, get, delete round-trip.
func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("get missing: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("head missing: err = %v, want ErrNotFound", err)
	}

	before := time.Now()
	if err := s.Put(ctx, "shards/run-1/a.tar.gz", []byte("payload")); err != nil {
		t.Fatal(err)
	}

	info, err := s.Head(ctx, "shards/run-1/a.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len("payload")) {
		t.Errorf("size = %d", info.Size)
	}
	if info.LastModified.Before(before.Add(-time.Second)) || info.LastModified.After(time.Now().Add(time.Second)) {
		t.Errorf("implausible last-modified %v", info.LastModified)
	}

	body, err := s.Get(ctx, "shards/run-1/a.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "payload" {
		t.Errorf("body = %q", body)
	}

	if err := s.Delete(ctx, "shards/run-1/a.tar.gz"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "shards/run-1/a.tar.gz"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("get after delete: err = %v, want ErrNotFound", err)
	}
}

// Test: an overwrite refreshes the last-modified time, which is what makes
// lock-lease staleness observable on this backend.
func TestStore_PutRefreshesLastModified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "locks/k.lock", []byte("one")); err != nil {
		t.Fatal(err)
	}
	first, err := s.Head(ctx, "locks/k.lock")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.Put(ctx, "locks/k.lock", []byte("two")); err != nil {
		t.Fatal(err)
	}
	second, err := s.Head(ctx, "locks/k.lock")
	if err != nil {
		t.Fatal(err)
	}
	if !second.LastModified.After(first.LastModified) {
		t.Errorf("last-modified not refreshed: %v then %v", first.LastModified, second.LastModified)
	}
}

// Test: list filters by prefix and returns keys in order.
func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{
		"shards/run-1/b.tar.gz",
		"shards/run-1/a.tar.gz",
		"shards/run-2/c.tar.gz",
		"reports/k/latest/index.html",
	} {
		if err := s.Put(ctx, key, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := s.List(ctx, "shards/run-1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d keys, want 2: %+v", len(infos), infos)
	}
	if infos[0].Key != "shards/run-1/a.tar.gz" || infos[1].Key != "shards/run-1/b.tar.gz" {
		t.Errorf("keys out of order: %q, %q", infos[0].Key, infos[1].Key)
	}

	none, err := s.List(ctx, "absent/")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected empty list, got %d", len(none))
	}
}

// Test: copy duplicates the body under the destination key.
func TestStore_Copy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Copy(ctx, "absent", "dst"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("copy missing: err = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "src", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := s.Copy(ctx, "src", "dst"); err != nil {
		t.Fatal(err)
	}
	body, err := s.Get(ctx, "dst")
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "payload" {
		t.Errorf("copied body = %q", body)
	}
}
