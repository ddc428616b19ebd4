// Package auth guards administrative HTTP routes with API keys or JWT bearer tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// APIKeyHeader is the header carrying a static API key.
const APIKeyHeader = "X-API-Key"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const principalContextKey contextKey = "principal"

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	Method  string // "api_key" or "jwt"
	Scopes  []string
}

// Authenticator validates request credentials. With no keys and no JWT
// manager every request is allowed.
type Authenticator struct {
	keys   []string
	jwt    *JWTManager
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator. jwtManager may be nil.
func NewAuthenticator(apiKeys []string, jwtManager *JWTManager, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	keys := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return &Authenticator{keys: keys, jwt: jwtManager, logger: logger.With("component", "auth")}
}

// Enabled reports whether any credential source is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.keys) > 0 || a.jwt != nil
}

// Authenticate resolves the caller of r.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		for _, k := range a.keys {
			if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
				return &Principal{Subject: "api-key", Method: "api_key", Scopes: []string{ScopeAdmin}}, nil
			}
		}
		return nil, errors.New("invalid API key")
	}

	authz := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, errors.New("missing credentials")
	}
	if a.jwt == nil {
		return nil, errors.New("bearer tokens are not accepted")
	}
	claims, err := a.jwt.Verify(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	return &Principal{Subject: claims.Subject, Method: "jwt", Scopes: claims.Scopes}, nil
}

// Require returns middleware that rejects callers without scope.
func (a *Authenticator) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			p, err := a.Authenticate(r)
			if err != nil {
				a.logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !slices.Contains(p.Scopes, scope) {
				deny(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalContextKey, p)))
		})
	}
}

// PrincipalFromContext returns the caller stored by Require.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tendersense"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
