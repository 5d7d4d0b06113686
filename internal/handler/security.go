package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/xenking/readiness-billing/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// errScopeDenied is returned when the key lacks a required scope.
var errScopeDenied = errors.New("api key lacks required scope")

// Authenticator resolves a raw API key.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error)
}

type apiKeyCtxKey struct{}

// APIKeyFromContext returns the key authenticated for this request, if any.
func APIKeyFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyCtxKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// Security authenticates API requests by the api_key header.
type Security struct {
	auth Authenticator
}

// NewSecurity creates a Security backed by a.
func NewSecurity(a Authenticator) *Security {
	return &Security{auth: a}
}

// Middleware rejects requests without a valid API key.
func (s *Security) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.auth.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), apiKeyCtxKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope allows only keys granted scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := APIKeyFromContext(r.Context())
			if !ok || !info.HasScope(scope) {
				writeError(w, r, errors.Wrapf(errScopeDenied, "scope %q", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
