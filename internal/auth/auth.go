// Package auth maps API keys to tenants. Keys are stored only as Argon2id
// digests derived with a server-side pepper.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/argon2"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/store"
)

// KeyPrefix starts every key minted by CreateKey.
const KeyPrefix = "sk-"

var ErrInvalidKey = errors.New("invalid api key")

// cacheTTL bounds how long a key revoked by another process stays usable.
const cacheTTL = time.Minute

type Authenticator struct {
	store *store.Store
	salt  []byte
	// cache maps a key fingerprint to its tenant so the Argon2id digest is
	// only computed on a miss.
	cache *expirable.LRU[string, string]
}

func New(s *store.Store, cfg config.AuthConfig) *Authenticator {
	salt := sha256.Sum256([]byte("swarmd-api-key:" + cfg.Pepper))
	size := cfg.CacheSize
	if size <= 0 {
		size = 1000
	}
	return &Authenticator{
		store: s,
		salt:  salt[:16],
		cache: expirable.NewLRU[string, string](size, nil, cacheTTL),
	}
}

// Digest returns the stored form of key.
func (a *Authenticator) Digest(key string) string {
	sum := argon2.IDKey([]byte(key), a.salt, 1, 64*1024, 4, 32)
	return hex.EncodeToString(sum)
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateKey mints a new key for tenantID. The plaintext is returned once
// and never stored.
func (a *Authenticator) CreateKey(ctx context.Context, tenantID, name string) (string, *store.APIKey, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", nil, fmt.Errorf("create key: tenant is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	key := KeyPrefix + hex.EncodeToString(buf)

	rec := &store.APIKey{Hash: a.Digest(key), TenantID: tenantID, Name: name}
	if err := a.store.SaveAPIKey(ctx, rec); err != nil {
		return "", nil, err
	}
	slog.Info("api key created", "tenant", tenantID, "name", name)
	return key, rec, nil
}

// Resolve returns the tenant owning key.
func (a *Authenticator) Resolve(ctx context.Context, key string) (string, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", ErrInvalidKey
	}
	fp := fingerprint(key)
	if tenant, ok := a.cache.Get(fp); ok {
		return tenant, nil
	}

	rec, err := a.store.GetAPIKey(ctx, a.Digest(key))
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	if rec == nil {
		return "", ErrInvalidKey
	}
	a.cache.Add(fp, rec.TenantID)
	return rec.TenantID, nil
}

// Revoke disables key and evicts it from the cache.
func (a *Authenticator) Revoke(ctx context.Context, key string) error {
	a.cache.Remove(fingerprint(key))
	ok, err := a.store.RevokeAPIKey(ctx, a.Digest(key))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidKey
	}
	slog.Info("api key revoked")
	return nil
}

// ListKeys returns the tenant's keys, revoked ones included.
func (a *Authenticator) ListKeys(ctx context.Context, tenantID string) ([]store.APIKey, error) {
	return a.store.ListAPIKeys(ctx, tenantID)
}
