package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// APIKey maps a hashed key to its tenant. The plaintext key is never stored.
type APIKey struct {
	Hash      string     `json:"-"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (s *Store) SaveAPIKey(ctx context.Context, k *APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (hash, tenant_id, name, created_at) VALUES (?, ?, ?, ?)`,
		k.Hash, k.TenantID, k.Name, toMillis(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	return nil
}

// GetAPIKey returns the active key with the given hash, or nil.
func (s *Store) GetAPIKey(ctx context.Context, hash string) (*APIKey, error) {
	k := &APIKey{}
	var created int64
	var revoked sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, tenant_id, name, created_at, revoked_at
		FROM api_keys WHERE hash = ? AND revoked_at IS NULL`, hash).
		Scan(&k.Hash, &k.TenantID, &k.Name, &created, &revoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k.CreatedAt = fromMillis(created)
	k.RevokedAt = fromNullMillis(revoked)
	return k, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ? WHERE hash = ? AND revoked_at IS NULL`, now(), hash)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, tenant_id, name, created_at, revoked_at
		FROM api_keys WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var created int64
		var revoked sql.NullInt64
		if err := rows.Scan(&k.Hash, &k.TenantID, &k.Name, &created, &revoked); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.CreatedAt = fromMillis(created)
		k.RevokedAt = fromNullMillis(revoked)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
