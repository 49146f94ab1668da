package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/auth"
	"github.com/clk-66/concord/internal/respond"
)

type contextKey string

const (
	userIDKey      contextKey = "userID"
	usernameKey    contextKey = "username"
	permissionsKey contextKey = "permissions"
)

// TokenVerifier validates an access token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Authenticate identifies the caller from a Bearer token when one is
// present. Requests without a token pass through anonymously; RequireAuth
// rejects them later. A present but bad token is rejected here.
func Authenticate(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := v.Verify(token)
			switch {
			case errors.Is(err, auth.ErrAccessExpired):
				respond.Error(w, r, apperr.Unauthorized("TOKEN_EXPIRED", "Access token expired"))
				return
			case err != nil:
				respond.Error(w, r, apperr.Forbidden("INVALID_TOKEN", "Invalid access token"))
				return
			}

			ctx := WithUser(r.Context(), claims.UserID, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that Authenticate did not identify.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserID(r.Context()) == "" {
			respond.Error(w, r, apperr.Unauthorized("TOKEN_REQUIRED", "Access token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser stores the authenticated identity in ctx.
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

// UserID retrieves the authenticated user ID from the request context.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func Username(ctx context.Context) string {
	v, _ := ctx.Value(usernameKey).(string)
	return v
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
