package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/triage-ai/warden/internal/cache"
	"github.com/triage-ai/warden/internal/store"
)

// KeyStore abstracts the api_keys lookup for testability.
type KeyStore interface {
	LookupKeyByPrefix(ctx context.Context, prefix string) (*store.APIKey, error)
}

// PostgresAuthenticator validates API keys against the api_keys table.
// Verified keys are cached so the hot path skips DB + bcrypt. Auth failures
// always return an error.
type PostgresAuthenticator struct {
	keys   KeyStore
	cache  *cache.TTL[*Principal]
	logger *zap.Logger
}

// NewPostgresAuthenticator caches verified keys for ttl (default 30s).
func NewPostgresAuthenticator(keys KeyStore, ttl time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		keys:   keys,
		cache:  cache.NewTTL[*Principal](ttl),
		logger: logger,
	}
}

// Authenticate narrows candidates by the key's clear prefix, then verifies
// with bcrypt.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if !wellFormed(token) {
		return nil, ErrInvalidAPIKey
	}
	fp := fingerprint(token)
	if p, ok := a.cache.Get(fp); ok {
		return p, nil
	}

	row, err := a.keys.LookupKeyByPrefix(ctx, token[:store.PrefixLength])
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		a.logger.Warn("auth DB unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	p := &Principal{KeyID: row.ID, Name: row.Name, Admin: row.Admin}
	a.cache.Set(fp, p)
	return p, nil
}

// Forget drops a cached key, e.g. after it was revoked.
func (a *PostgresAuthenticator) Forget(token string) {
	a.cache.Delete(fingerprint(token))
}
