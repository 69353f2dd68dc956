package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Head and Get when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object. LastModified is the store's own
// clock; the lock protocol depends on it being the one clock all contenders
// share.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the minimal blob-store surface the service relies on.
// Writes are last-writer-wins with no compare-and-swap or TTL support, and
// listings may lag recent writes. Delete of a missing key is not an error.
type ObjectStore interface {
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte) error

	// List returns the objects under prefix ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
}
