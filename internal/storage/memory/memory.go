package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidelake/testreport/internal/storage"
)

var _ storage.ObjectStore = (*Store)(nil)

type object struct {
	body    []byte
	modTime time.Time
}

// Store is an in-process ObjectStore used for local development and as the
// test double for every component that talks to the store. It records the
// order of mutating operations and lets tests backdate an object's
// last-modified time, which is how stale-lock scenarios are built.
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	ops []string

	// PutErr, when set, is consulted before every write and can inject a
	// failure for selected keys.
	PutErr func(key string) error

	// AfterPut, when set, runs after a write completes (lock released). Lock
	// tests use it to slip a competing write into the window between a
	// contender's put and its read-back.
	AfterPut func(key string)
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func (s *Store) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(obj.body)), LastModified: obj.modTime}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	return body, nil
}

func (s *Store) Put(ctx context.Context, key string, body []byte) error {
	if s.PutErr != nil {
		if err := s.PutErr(key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	owned := make([]byte, len(body))
	copy(owned, body)
	s.objects[key] = object{body: owned, modTime: time.Now()}
	s.ops = append(s.ops, "PUT "+key)
	s.mu.Unlock()

	if s.AfterPut != nil {
		s.AfterPut(key)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []storage.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, storage.ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.body)),
				LastModified: obj.modTime,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) Copy(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[src]
	if !ok {
		return storage.ErrNotFound
	}
	owned := make([]byte, len(obj.body))
	copy(owned, obj.body)
	s.objects[dst] = object{body: owned, modTime: time.Now()}
	s.ops = append(s.ops, "COPY "+src+" -> "+dst)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.ops = append(s.ops, "DELETE "+key)
	return nil
}

// SetLastModified backdates (or postdates) an object's last-modified time.
func (s *Store) SetLastModified(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[key]; ok {
		obj.modTime = t
		s.objects[key] = obj
	}
}

// Ops returns the recorded mutating operations in order.
func (s *Store) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ops))
	copy(out, s.ops)
	return out
}
