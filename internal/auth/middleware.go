package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/api"
)

type contextKey string

const UserClaimsKey contextKey = "user_claims"

// TokenValidator is satisfied by *Service.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*AccessClaims, error)
}

// Auditor records privileged access.
type Auditor interface {
	Audit(ctx context.Context, ownerID uuid.UUID, action string, resourceID *uuid.UUID, details map[string]any)
}

// Middleware authenticates a bearer token. Browsers cannot set headers on a
// websocket handshake, so the access_token query parameter is accepted too.
func Middleware(svc TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := svc.Validate(r.Context(), token)
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return ""
		}
		return parts[1]
	}
	return r.URL.Query().Get("access_token")
}

// RequireCapability rejects requests whose token lacks capability. Grants
// and denials are both logged; grants are audited.
func RequireCapability(capability string, auditor Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserClaims(r.Context())
			if claims == nil {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			owner, _ := claims.OwnerID()
			if !claims.Has(capability) {
				slog.Warn("auth: capability denied", "user_id", owner, "capability", capability, "path", r.URL.Path)
				api.HandleError(w, api.ErrForbidden)
				return
			}

			slog.Info("auth: privileged access", "user_id", owner, "capability", capability, "path", r.URL.Path)
			if auditor != nil {
				auditor.Audit(r.Context(), owner, "capability.used", nil, map[string]any{
					"capability": capability,
					"path":       r.URL.Path,
				})
			}
			next.ServeHTTP(w, r)
		})
	}
}

func GetUserClaims(ctx context.Context) *AccessClaims {
	claims, _ := ctx.Value(UserClaimsKey).(*AccessClaims)
	return claims
}

// OwnerFromContext returns the authenticated owner ID.
func OwnerFromContext(ctx context.Context) (uuid.UUID, bool) {
	claims := GetUserClaims(ctx)
	if claims == nil {
		return uuid.Nil, false
	}
	id, err := claims.OwnerID()
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// WithClaims stores claims on ctx. Transports that authenticate outside HTTP
// use it to reach owner-scoped handlers.
func WithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, UserClaimsKey, claims)
}

// OwnerRateKey buckets rate limits by authenticated owner. Unauthenticated
// requests get an empty key and are not limited here.
func OwnerRateKey(r *http.Request) string {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		return ""
	}
	return owner.String()
}
