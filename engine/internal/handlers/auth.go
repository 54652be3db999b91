package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/merlinhq/merlin/common/httputil"
	"github.com/merlinhq/merlin/engine/internal/tokens"
)

type contextKey string

const claimsKey contextKey = "claims"

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	Validate(token string) (*tokens.Claims, error)
}

// Authenticator guards API routes with a bearer JWT.
type Authenticator struct {
	validator TokenValidator
}

func NewAuthenticator(v TokenValidator) *Authenticator {
	return &Authenticator{validator: v}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// token's claims in the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteCodedError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			httputil.WriteCodedError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header")
			return
		}

		claims, err := a.validator.Validate(strings.TrimSpace(token))
		if err != nil {
			httputil.WriteCodedError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *tokens.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom returns the authenticated caller, or nil.
func ClaimsFrom(ctx context.Context) *tokens.Claims {
	c, _ := ctx.Value(claimsKey).(*tokens.Claims)
	return c
}
