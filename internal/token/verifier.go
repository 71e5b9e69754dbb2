// Package token verifies identity-provider bearer tokens and derives the
// caller's role and tenant context from the verified claims.
package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. Each maps to HTTP 401 in the API layer; the distinct
// kinds keep log lines and client messages actionable.
var (
	ErrMissingToken     = errors.New("token: no token provided")
	ErrMalformedToken   = errors.New("token: malformed token")
	ErrExpiredToken     = errors.New("token: token expired")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrIssuerMismatch   = errors.New("token: issuer mismatch")
)

// RealmAccess carries the realm role names from the token.
type RealmAccess struct {
	Roles []string `json:"roles"`
}

// Claims is the verified claim set handed to downstream code. Absent claims
// stay zero-valued and are never treated as implicit grants.
type Claims struct {
	jwt.RegisteredClaims

	RealmAccess       RealmAccess `json:"realm_access"`
	Groups            []string    `json:"groups"`
	PreferredUsername string      `json:"preferred_username"`
	Email             string      `json:"email"`
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// JWKSURL is the identity provider's published signing-key endpoint.
	JWKSURL string
	// Issuer must exactly equal the token's iss claim.
	Issuer string
	// CacheTTL bounds how long fetched signing keys are reused. Default 24h.
	CacheTTL time.Duration
	// HTTPClient may be injected for tests. Default: 10s timeout client.
	HTTPClient *http.Client
}

// Verifier validates RS256 bearer tokens against the identity provider's
// published signing keys.
type Verifier struct {
	issuer string
	keys   *keyCache
}

// NewVerifier constructs a Verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{
		issuer: cfg.Issuer,
		keys: &keyCache{
			url:    cfg.JWKSURL,
			ttl:    cfg.CacheTTL,
			client: cfg.HTTPClient,
		},
	}
}

// Verify validates signature, issuer and expiry of a raw bearer token and
// returns the decoded claims. Verification has no side effects.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	// Front-ends have been seen forwarding the literal strings "undefined"
	// and "null"; treat them as absent.
	if raw == "" || raw == "undefined" || raw == "null" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMalformedToken
		}
		return v.keys.signingKey(ctx, kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, ErrInvalidSignature):
			return nil, ErrInvalidSignature
		case errors.Is(err, ErrIssuerMismatch):
			return nil, ErrIssuerMismatch
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}
	if !parsed.Valid {
		return nil, ErrMalformedToken
	}
	if claims.Issuer != v.issuer {
		return nil, ErrIssuerMismatch
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrMalformedToken)
	}
	return claims, nil
}

// keyCache holds the fetched signing keys for a bounded TTL. The key map is
// replaced wholesale on refresh and never mutated in place, so concurrent
// readers are safe.
type keyCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

func (c *keyCache) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && time.Now().Before(c.expires) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	// Cache miss or stale: re-fetch the published key set.
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalidSignature, kid)
	}
	return key, nil
}

func (c *keyCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	fresh := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		fresh[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = fresh
	c.expires = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exponent := 0
	for _, b := range eBytes {
		exponent = exponent<<8 | int(b)
	}
	if exponent == 0 {
		return nil, errors.New("zero exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: exponent,
	}, nil
}
