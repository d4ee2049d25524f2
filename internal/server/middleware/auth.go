// Package middleware holds the HTTP middleware chain: request authentication, client IP, audit and telemetry.
package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"livre-auth/backend/internal/security"
	"livre-auth/backend/internal/server/httperr"
	userdomain "livre-auth/backend/internal/user/domain"
)

const bearerPrefix = "bearer "

// UserLookup resolves a token subject to a user. Returns nil, nil when no user has the email.
type UserLookup interface {
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
}

// Authenticate validates the Bearer access token, if any, and attaches the principal to the request context.
//
// Requests without a Bearer header, or already carrying a principal, pass through unauthenticated;
// downstream handlers decide whether that is acceptable (see RequireAuthenticated).
// A present but bad token is rejected with 401: AUTH.004 when expiry is the only failure, AUTH.003 otherwise,
// including unknown subjects and tokens issued before the user's last logout.
func Authenticate(tokens *security.TokenCodec, users UserLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := PrincipalFrom(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			token := extractBearer(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := tokens.Validate(token)
			if err != nil {
				if errors.Is(err, security.ErrTokenExpired) {
					httperr.Write(w, r, httperr.JWTExpired)
					return
				}
				httperr.Write(w, r, httperr.JWTInvalid)
				return
			}
			user, err := users.GetByEmail(r.Context(), claims.Subject)
			if err != nil {
				log.Printf("auth: user lookup: %v", err)
				httperr.Write(w, r, httperr.Technical)
				return
			}
			if user == nil {
				httperr.Write(w, r, httperr.JWTInvalid)
				return
			}
			if revoked(user, claims) {
				httperr.Write(w, r, httperr.JWTInvalid)
				return
			}
			p := Principal{ID: user.ID, Email: user.Email, DisplayName: user.DisplayName()}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// revoked reports whether the token was not issued strictly after the user's last logout.
// iat has second precision, so a token issued in the same second as the logout counts as revoked.
func revoked(user *userdomain.User, claims *security.Claims) bool {
	if user.LastLogoutAt == nil {
		return false
	}
	return !claims.IssuedAt.After(user.LastLogoutAt.UTC().Truncate(time.Second))
}

// RequireAuthenticated rejects requests without a principal with 401 AUTH.002.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			httperr.Write(w, r, httperr.Unauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearer returns the Bearer token from the Authorization header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
