package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tidelake/testreport/internal/storage"
)

var _ storage.ObjectStore = (*Store)(nil)

// keyPrefix namespaces object hashes inside the redis keyspace.
const keyPrefix = "testreport:obj:"

// Store is a key-value-cache rendition of the object store. Each object is
// a hash of {body, size, mtime}; mtime is written by this client, which is
// a weaker clock than a server-side one but consistent across contenders as
// long as their clocks roughly agree. The lease timeout is hundreds of
// seconds, so modest skew is harmless.
type Store struct {
	client *goredis.Client
}

// New creates a Redis-backed store over an existing client.
func New(client *goredis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	vals, err := s.client.HMGet(ctx, keyPrefix+key, "size", "mtime").Result()
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("redis: head %q: %w", key, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return storage.ObjectInfo{}, storage.ErrNotFound
	}
	return parseInfo(key, vals[0], vals[1])
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := s.client.HGet(ctx, keyPrefix+key, "body").Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get %q: %w", key, err)
	}
	return body, nil
}

func (s *Store) Put(ctx context.Context, key string, body []byte) error {
	err := s.client.HSet(ctx, keyPrefix+key,
		"body", body,
		"size", len(body),
		"mtime", time.Now().UnixNano(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: put %q: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var infos []storage.ObjectInfo

	iter := s.client.Scan(ctx, 0, keyPrefix+prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()[len(keyPrefix):]
		vals, err := s.client.HMGet(ctx, iter.Val(), "size", "mtime").Result()
		if err != nil {
			return nil, fmt.Errorf("redis: list stat %q: %w", key, err)
		}
		if vals[0] == nil || vals[1] == nil {
			// Deleted between SCAN and HMGET.
			continue
		}
		info, err := parseInfo(key, vals[0], vals[1])
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: list %q: %w", prefix, err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) Copy(ctx context.Context, src, dst string) error {
	body, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, body)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis: delete %q: %w", key, err)
	}
	return nil
}

func parseInfo(key string, sizeVal, mtimeVal interface{}) (storage.ObjectInfo, error) {
	size, err := strconv.ParseInt(fmt.Sprint(sizeVal), 10, 64)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("redis: object %q has bad size: %w", key, err)
	}
	nanos, err := strconv.ParseInt(fmt.Sprint(mtimeVal), 10, 64)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("redis: object %q has bad mtime: %w", key, err)
	}
	return storage.ObjectInfo{Key: key, Size: size, LastModified: time.Unix(0, nanos)}, nil
}
