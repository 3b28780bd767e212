package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every generated API key.
const KeyPrefix = "wdn_"

// PrefixLength is how many leading characters of a key are stored in clear
// for lookup.
const PrefixLength = 12

// APIKey represents a row in the api_keys table.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	KeyPrefix string
	Admin     bool
	CreatedAt time.Time
}

// GenerateAPIKey creates a new wdn_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := KeyPrefix + hex.EncodeToString(raw)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	return fullKey, string(hashBytes), fullKey[:PrefixLength], nil
}

// CreateAPIKey stores a new key and returns it with the plaintext (shown once).
func (s *Store) CreateAPIKey(ctx context.Context, name string, admin bool) (*APIKey, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}

	var k APIKey
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, admin)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, key_hash, key_prefix, admin, created_at`,
		uuid.NewString(), name, keyHash, keyPrefix, admin,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Admin, &k.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}
	return &k, fullKey, nil
}

// LookupKeyByPrefix finds a key by its clear prefix. Used by auth to narrow
// candidates before bcrypt verify.
func (s *Store) LookupKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, key_prefix, admin, created_at
		FROM api_keys WHERE key_prefix = $1`, prefix,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Admin, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("LookupKeyByPrefix: %w", err)
	}
	return &k, nil
}

// DeleteAPIKey revokes a key by ID.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteAPIKey: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
