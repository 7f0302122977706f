// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tomtom215/lenswatch/internal/authz"
	"github.com/tomtom215/lenswatch/internal/logging"
)

type contextKey string

// ClaimsContextKey carries the verified *Claims through the request
// context.
const ClaimsContextKey contextKey = "claims"

// ClaimsFromContext returns the verified claims, or nil when the request
// was not authenticated (auth disabled).
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ClaimsContextKey).(*Claims)
	return claims
}

// Middleware enforces bearer-token authentication and role-based
// authorization on API routes.
type Middleware struct {
	jwtManager *JWTManager
	enforcer   *authz.Enforcer
	disabled   bool
}

// NewMiddleware wires the JWT manager and the authorization enforcer.
// When disabled is set, every request passes through unauthenticated and
// authorization is skipped.
func NewMiddleware(jwtManager *JWTManager, enforcer *authz.Enforcer, disabled bool) *Middleware {
	return &Middleware{
		jwtManager: jwtManager,
		enforcer:   enforcer,
		disabled:   disabled,
	}
}

// Authenticate validates the bearer token, attaches the claims to the
// request context, and enforces the caller's role against the request path
// and method.
func (m *Middleware) Authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next(w, r)
			return
		}

		token, err := extractToken(r)
		if err != nil {
			respondUnauthorized(w, err.Error())
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			logging.Warn().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
			respondUnauthorized(w, "invalid token")
			return
		}

		if m.enforcer != nil {
			allowed, err := m.enforcer.Enforce(claims.Role, r.URL.Path, r.Method)
			if err != nil {
				logging.Error().Err(err).Msg("authorization check failed")
				respondForbidden(w, "authorization unavailable")
				return
			}
			if !allowed {
				logging.Warn().
					Str("username", claims.Username).
					Str("role", claims.Role).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Msg("access denied")
				respondForbidden(w, "insufficient permissions")
				return
			}
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// extractToken pulls the JWT from the Authorization header, falling back
// to the token cookie for browser clients (the WebSocket feed cannot set
// headers).
func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		cookie, err := r.Cookie("token")
		if err != nil {
			return "", fmt.Errorf("missing token")
		}
		return cookie.Value, nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("malformed authorization header")
	}
	return parts[1], nil
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	respondAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func respondForbidden(w http.ResponseWriter, message string) {
	respondAuthError(w, http.StatusForbidden, "FORBIDDEN", message)
}

// respondAuthError writes the same JSON envelope the api package uses,
// without importing it (the api package imports auth).
func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"success":false,"error":{"code":%q,"message":%q}}`, code, message)
}
