package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/clawlink/internal/identity"
)

// Get reads a blob from kv_store. A missing key yields identity.ErrNotFound so
// the store can back the device identity directly.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// Put upserts a blob into kv_store.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

var _ identity.BlobStore = (*Store)(nil)
