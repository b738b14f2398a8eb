package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/auth"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Token *metadata.AuthToken
	User  *metadata.User
}

// Covers reports whether any of the identity's scopes satisfies the
// required scope.
func (id *Identity) Covers(required auth.Scope) bool {
	return auth.AnyCovers(id.Token.Scopes, required)
}

// CanPublish reports whether the identity may publish the named package.
func (id *Identity) CanPublish(pkg string) bool {
	return auth.CanPublish(id.Token.Scopes, pkg)
}

// IdentityFromContext returns the authenticated identity, or nil for an
// anonymous request.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// Authenticator turns bearer tokens into request identities.
type Authenticator struct {
	tokens *auth.TokenService
}

func NewAuthenticator(tokens *auth.TokenService) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Require rejects requests without a valid bearer token.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := httputil.BearerToken(r)
		if raw == "" {
			apierr.WriteKind(w, apierr.KindUnauthorized, "authentication required")
			return
		}
		id, err := a.authenticate(r, raw)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// Optional lets anonymous requests through, but a presented token must
// still be valid.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := httputil.BearerToken(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := a.authenticate(r, raw)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (a *Authenticator) authenticate(r *http.Request, raw string) (*Identity, error) {
	token, user, err := a.tokens.Authenticate(r.Context(), raw)
	switch {
	case err == nil:
		return &Identity{Token: token, User: user}, nil
	case errors.Is(err, auth.ErrTokenExpired):
		return nil, apierr.New(apierr.KindUnauthorized, "token expired")
	case errors.Is(err, auth.ErrUserInactive):
		return nil, apierr.New(apierr.KindForbidden, "user account is deactivated")
	case errors.Is(err, auth.ErrInvalidToken):
		return nil, apierr.New(apierr.KindUnauthorized, "invalid token")
	default:
		return nil, apierr.E(apierr.KindInternal, err, "authenticate token")
	}
}

// RequirePublisher gates a handler on the identity holding some
// publish-capable scope. Read-only tokens stop here instead of deep in
// the upload pipeline. Must run inside Require.
func RequirePublisher() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil {
				apierr.WriteKind(w, apierr.KindUnauthorized, "authentication required")
				return
			}
			if !auth.CanPublishAny(id.Token.Scopes) {
				apierr.WriteKind(w, apierr.KindForbidden, "token lacks a publish scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope gates a handler on the identity holding a scope that
// covers the required one. Must run inside Require.
func RequireScope(required auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil {
				apierr.WriteKind(w, apierr.KindUnauthorized, "authentication required")
				return
			}
			if !id.Covers(required) {
				apierr.WriteKind(w, apierr.KindForbidden, "token lacks the %s scope", required)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
