package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

// testAPIKey must start with "wdn_" and be at least PrefixLength chars.
const testAPIKey = "wdn_test_valid_key_1234567890abcdef"

// testHash returns a bcrypt hash of key using MinCost (fast for tests).
func testHash(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"standard", "Bearer wdn_abc", "wdn_abc", false},
		{"lowercase scheme", "bearer wdn_abc", "wdn_abc", false},
		{"padded", "Bearer   wdn_abc  ", "wdn_abc", false},
		{"missing", "", "", true},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", true},
		{"empty token", "Bearer    ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				if !errors.Is(err, ErrMissingAPIKey) {
					t.Errorf("err = %v, want ErrMissingAPIKey", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestExtractBearerTokenFromMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer wdn_abc"))
	if got, err := ExtractBearerTokenFromMetadata(ctx); err != nil || got != "wdn_abc" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := ExtractBearerTokenFromMetadata(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("no metadata: err = %v", err)
	}
	empty := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-other", "1"))
	if _, err := ExtractBearerTokenFromMetadata(empty); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("no authorization: err = %v", err)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator([]StaticKey{
		{Name: "ops", Hash: testHash(t, testAPIKey), Admin: true},
	})

	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.Name != "ops" || !p.Admin {
		t.Errorf("principal = %+v", p)
	}

	for _, token := range []string{"wdn_wrong_key_doesnt_match", "tsk_test_valid_key_1234567890abcdef", "wdn_"} {
		if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("%q: err = %v, want ErrInvalidAPIKey", token, err)
		}
	}
}

func TestParseStaticKeys(t *testing.T) {
	hash := testHash(t, testAPIKey)

	keys, err := ParseStaticKeys("ci:" + hash + ", ops:" + hash + ":admin")
	if err != nil {
		t.Fatalf("ParseStaticKeys: %v", err)
	}
	if len(keys) != 2 || keys[0].Admin || !keys[1].Admin || keys[1].Name != "ops" {
		t.Errorf("keys = %+v", keys)
	}

	bad := []string{"nohash", "ci:not-a-hash", "ci:" + hash + ":root", ":" + hash}
	for _, s := range bad {
		if _, err := ParseStaticKeys(s); err == nil {
			t.Errorf("%q: expected error", strings.TrimSpace(s))
		}
	}

	if keys, err := ParseStaticKeys(""); err != nil || len(keys) != 0 {
		t.Errorf("empty: %v, %v", keys, err)
	}
}

type stubAuth struct {
	p   *Principal
	err error
}

func (s stubAuth) Authenticate(context.Context, string) (*Principal, error) { return s.p, s.err }

func TestChain(t *testing.T) {
	ok := stubAuth{p: &Principal{Name: "ok"}}
	invalid := stubAuth{err: ErrInvalidAPIKey}
	down := stubAuth{err: ErrAuthUnavailable}

	if p, err := (Chain{invalid, ok}).Authenticate(context.Background(), testAPIKey); err != nil || p.Name != "ok" {
		t.Errorf("fallthrough: %v, %v", p, err)
	}
	if p, err := (Chain{down, ok}).Authenticate(context.Background(), testAPIKey); err != nil || p.Name != "ok" {
		t.Errorf("unavailable then ok: %v, %v", p, err)
	}
	if _, err := (Chain{invalid, down}).Authenticate(context.Background(), testAPIKey); !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("err = %v, want ErrAuthUnavailable", err)
	}
	if _, err := (Chain{}).Authenticate(context.Background(), testAPIKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("empty chain err = %v", err)
	}
}
