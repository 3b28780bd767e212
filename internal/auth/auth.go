// Package auth verifies bearer API keys for the HTTP and gRPC surfaces.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"

	"github.com/triage-ai/warden/internal/store"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// Principal is the authenticated caller.
type Principal struct {
	KeyID string
	Name  string
	// Admin keys may change the capability table.
	Admin bool
}

// Authenticator resolves a bearer token to a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// ExtractBearerToken reads "Authorization: Bearer <token>". The scheme is
// case-insensitive (RFC 6750).
func ExtractBearerToken(r *http.Request) (string, error) {
	return parseBearer(r.Header.Get("Authorization"))
}

// ExtractBearerTokenFromMetadata reads the authorization key from incoming
// gRPC metadata.
func ExtractBearerTokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingAPIKey
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrMissingAPIKey
	}
	return parseBearer(values[0])
}

func parseBearer(header string) (string, error) {
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", ErrMissingAPIKey
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", ErrMissingAPIKey
	}
	return token, nil
}

// wellFormed checks the key format before any hashing work.
func wellFormed(token string) bool {
	return strings.HasPrefix(token, store.KeyPrefix) && len(token) >= store.PrefixLength
}

// fingerprint keys the verification cache without keeping raw keys in memory.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// StaticKey is a key configured out of band as a bcrypt hash.
type StaticKey struct {
	Name  string
	Hash  string
	Admin bool
}

// StaticAuthenticator checks tokens against a fixed list of bcrypt hashes.
// Used when no database is configured.
type StaticAuthenticator struct {
	keys []StaticKey
}

func NewStaticAuthenticator(keys []StaticKey) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if !wellFormed(token) {
		return nil, ErrInvalidAPIKey
	}
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)) == nil {
			return &Principal{KeyID: "static:" + k.Name, Name: k.Name, Admin: k.Admin}, nil
		}
	}
	return nil, ErrInvalidAPIKey
}

// Chain tries each authenticator in order. An unavailable backend is
// reported only when no other authenticator accepted the token.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (*Principal, error) {
	var unavailable error
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, ErrAuthUnavailable) {
			unavailable = err
		}
	}
	if unavailable != nil {
		return nil, unavailable
	}
	return nil, ErrInvalidAPIKey
}

// ParseStaticKeys parses "name:hash[:admin]" entries separated by commas,
// the format of GUARD_API_KEYS. bcrypt hashes contain '$' but never ':' or
// ','.
func ParseStaticKeys(s string) ([]StaticKey, error) {
	var keys []StaticKey
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, errors.New("static API key entries must be name:hash[:admin]")
		}
		k := StaticKey{Name: parts[0], Hash: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "admin" {
				return nil, errors.New("static API key role must be admin")
			}
			k.Admin = true
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, errors.New("static API key " + k.Name + " is not a bcrypt hash")
		}
		keys = append(keys, k)
	}
	return keys, nil
}
