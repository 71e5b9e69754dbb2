package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwksFixture struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
	hits   int
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key, kid: "test-key-1"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits++
		doc := map[string]any{
			"keys": []map[string]string{{
				"kid": f.kid,
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(f.key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(f.key.E)).Bytes()),
			}},
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = f.kid
	signed, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

const testIssuer = "http://id.local/realms/bestai"

func (f *jwksFixture) verifier() *Verifier {
	return NewVerifier(VerifierConfig{
		JWKSURL: f.server.URL,
		Issuer:  testIssuer,
	})
}

func TestVerifyValidToken(t *testing.T) {
	f := newJWKSFixture(t)
	raw := f.sign(t, jwt.MapClaims{
		"iss":                testIssuer,
		"sub":                "user-1",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"preferred_username": "alice",
		"realm_access":       map[string]any{"roles": []string{"organization-admin"}},
		"groups":             []string{"/acme"},
	})

	claims, err := f.verifier().Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.PreferredUsername != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.RealmAccess.Roles) != 1 || claims.RealmAccess.Roles[0] != "organization-admin" {
		t.Fatalf("roles not extracted: %+v", claims.RealmAccess.Roles)
	}
	if len(claims.Groups) != 1 || claims.Groups[0] != "/acme" {
		t.Fatalf("groups not extracted: %+v", claims.Groups)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	f := newJWKSFixture(t)
	for _, raw := range []string{"", "  ", "undefined", "null"} {
		if _, err := f.verifier().Verify(context.Background(), raw); !errors.Is(err, ErrMissingToken) {
			t.Fatalf("Verify(%q): expected ErrMissingToken, got %v", raw, err)
		}
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	f := newJWKSFixture(t)
	raw := f.sign(t, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	if _, err := f.verifier().Verify(context.Background(), raw); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyIssuerMismatch(t *testing.T) {
	f := newJWKSFixture(t)
	raw := f.sign(t, jwt.MapClaims{
		"iss": "http://id.local/realms/other",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := f.verifier().Verify(context.Background(), raw); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected ErrIssuerMismatch, got %v", err)
	}
}

func TestVerifyForeignSignature(t *testing.T) {
	f := newJWKSFixture(t)

	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = f.kid
	raw, err := tok.SignedString(foreign)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := f.verifier().Verify(context.Background(), raw); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyGarbageToken(t *testing.T) {
	f := newJWKSFixture(t)
	if _, err := f.verifier().Verify(context.Background(), "not.a.jwt"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestVerifyCachesSigningKeys(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.verifier()
	raw := f.sign(t, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), raw); err != nil {
			t.Fatalf("Verify #%d: %v", i, err)
		}
	}
	if f.hits != 1 {
		t.Fatalf("expected a single JWKS fetch within TTL, got %d", f.hits)
	}
}

func TestVerifyRefetchesOnUnknownKid(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.verifier()

	// Warm the cache with the original key set.
	raw := f.sign(t, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), raw); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	// Rotate the provider key; the cached set no longer contains the new kid.
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f.key = key
	f.kid = "test-key-2"

	rotated := f.sign(t, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), rotated); err != nil {
		t.Fatalf("expected refetch to pick up rotated key, got %v", err)
	}
	if f.hits != 2 {
		t.Fatalf("expected exactly two JWKS fetches, got %d", f.hits)
	}
}
