package middleware

import (
	"context"
	"net/http"
	"strings"

	"downloadgate/pkg/jwt"
	"downloadgate/pkg/response"
)

type ctxKey string

const (
	UserIDKey ctxKey = "user_id"
	RoleKey   ctxKey = "role"
	EmailKey  ctxKey = "email"
)

// JWTAuth rejects requests without a valid bearer token.
func JWTAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := bearerClaims(r, secret)
			if !ok {
				response.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

// OptionalJWTAuth attaches the caller identity when a valid token is present
// and lets anonymous requests through.
func OptionalJWTAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := bearerClaims(r, secret); ok {
				r = r.WithContext(withClaims(r.Context(), claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole must run after JWTAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got, _ := r.Context().Value(RoleKey).(string); got != role {
				response.Error(w, http.StatusForbidden, "access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserID returns the authenticated user id, if any.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(UserIDKey).(int64)
	return id, ok
}

func Role(ctx context.Context) string {
	role, _ := ctx.Value(RoleKey).(string)
	return role
}

func bearerClaims(r *http.Request, secret string) (jwt.Claims, bool) {
	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return jwt.Claims{}, false
	}
	claims, err := jwt.ParseToken(secret, raw)
	if err != nil {
		return jwt.Claims{}, false
	}
	return claims, true
}

func withClaims(ctx context.Context, c jwt.Claims) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, c.UserID)
	ctx = context.WithValue(ctx, RoleKey, c.Role)
	return context.WithValue(ctx, EmailKey, c.Email)
}
