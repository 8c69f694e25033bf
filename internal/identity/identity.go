// Package identity extracts the request principal. Authentication itself is
// external; the engine only consumes {userID, isAdmin}.
package identity

import (
	"context"
	"net/http"

	"github.com/sharemkt/settlement-engine/internal/apperr"
)

// Principal is the acting identity on a request.
type Principal struct {
	UserID  string
	IsAdmin bool
}

// Provider resolves the principal for a request.
type Provider interface {
	Principal(r *http.Request) (Principal, error)
}

// HeaderProvider trusts X-User-ID / X-Admin headers set by the upstream
// auth layer. Suitable behind a gateway that strips client-supplied copies.
type HeaderProvider struct{}

func (HeaderProvider) Principal(r *http.Request) (Principal, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return Principal{}, apperr.Authorization("missing user identity")
	}
	return Principal{
		UserID:  userID,
		IsAdmin: r.Header.Get("X-Admin") == "true",
	}, nil
}

type ctxKey struct{}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal placed by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Middleware resolves the principal once per request and rejects requests
// without one.
func Middleware(provider Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := provider.Principal(r)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin guards the admin surface.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		if !ok || !p.IsAdmin {
			http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
