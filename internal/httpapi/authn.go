package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"bestai.org/internal/token"
)

// TokenVerifier validates bearer tokens into claims.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// Authenticate verifies the bearer token and puts the resolved identity on
// the request context. Requests without a valid token never reach the
// handlers behind it.
func Authenticate(verifier TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		claims, err := verifier.Verify(r.Context(), raw)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, authErrorMessage(err))
			return
		}
		ident := token.IdentityFromClaims(claims)
		next.ServeHTTP(w, r.WithContext(token.ContextWithIdentity(r.Context(), ident)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, token.ErrMissingToken):
		return "missing bearer token"
	case errors.Is(err, token.ErrExpiredToken):
		return "token expired"
	case errors.Is(err, token.ErrIssuerMismatch):
		return "token issuer not trusted"
	case errors.Is(err, token.ErrInvalidSignature):
		return "token signature invalid"
	default:
		return "token invalid"
	}
}
