package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidelake/testreport/internal/storage"
)

var _ storage.ObjectStore = (*Store)(nil)

// Store is a relational rendition of the object store: one row per object
// in a single table, last_modified maintained by the database clock. The
// lock protocol runs over it unchanged; the table deliberately offers the
// same last-writer-wins semantics as a blob store, no row locks involved.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL-backed store and ensures its schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS objects (
			key           TEXT PRIMARY KEY,
			body          BYTEA NOT NULL,
			last_modified TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	query := `SELECT octet_length(body), last_modified FROM objects WHERE key = $1`

	var size int64
	var modified time.Time
	err := s.pool.QueryRow(ctx, query, key).Scan(&size, &modified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ObjectInfo{}, storage.ErrNotFound
		}
		return storage.ObjectInfo{}, fmt.Errorf("postgres: head %q: %w", key, err)
	}
	return storage.ObjectInfo{Key: key, Size: size, LastModified: modified}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT body FROM objects WHERE key = $1`

	var body []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get %q: %w", key, err)
	}
	return body, nil
}

func (s *Store) Put(ctx context.Context, key string, body []byte) error {
	query := `
		INSERT INTO objects (key, body, last_modified)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET body = $2, last_modified = now()`

	if _, err := s.pool.Exec(ctx, query, key, body); err != nil {
		return fmt.Errorf("postgres: put %q: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	query := `
		SELECT key, octet_length(body), last_modified
		FROM objects
		WHERE key LIKE $1 || '%'
		ORDER BY key`

	rows, err := s.pool.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %q: %w", prefix, err)
	}
	defer rows.Close()

	var infos []storage.ObjectInfo
	for rows.Next() {
		var info storage.ObjectInfo
		if err := rows.Scan(&info.Key, &info.Size, &info.LastModified); err != nil {
			return nil, fmt.Errorf("postgres: scan list row: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list %q: %w", prefix, err)
	}
	return infos, nil
}

func (s *Store) Copy(ctx context.Context, src, dst string) error {
	query := `
		INSERT INTO objects (key, body, last_modified)
		SELECT $2, body, now() FROM objects WHERE key = $1
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, last_modified = now()`

	tag, err := s.pool.Exec(ctx, query, src, dst)
	if err != nil {
		return fmt.Errorf("postgres: copy %q -> %q: %w", src, dst, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM objects WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: delete %q: %w", key, err)
	}
	return nil
}
