package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for malformed, forged or foreign tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidClaims is returned when the token claims are invalid
	ErrInvalidClaims = errors.New("invalid token claims")
)

const (
	// ScopeAdmin grants access to ingestion and alert runs.
	ScopeAdmin = "admin"

	// DefaultIssuer is the iss claim of issued tokens.
	DefaultIssuer = "tendersense"
	// DefaultTokenTTL applies when no expiry is configured.
	DefaultTokenTTL = 24 * time.Hour
)

// Claims are the claims carried by an API token.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// JWTManager issues and verifies HS256 tokens for one issuer.
type JWTManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
}

// JWTOption configures a JWTManager.
type JWTOption func(*JWTManager)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(d time.Duration) JWTOption {
	return func(m *JWTManager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithIssuer overrides DefaultIssuer.
func WithIssuer(issuer string) JWTOption {
	return func(m *JWTManager) { m.issuer = issuer }
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(m *JWTManager) { m.leeway = d }
}

// NewJWTManager creates a manager signing with secret.
func NewJWTManager(secret string, opts ...JWTOption) *JWTManager {
	m := &JWTManager{secret: []byte(secret), issuer: DefaultIssuer, ttl: DefaultTokenTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue signs a token for subject. A zero ttl uses the manager's lifetime.
func (m *JWTManager) Issue(subject string, ttl time.Duration, scopes ...string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidClaims)
	}
	if ttl == 0 {
		ttl = m.ttl
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and lifetime and returns the claims.
func (m *JWTManager) Verify(token string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(m.leeway),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
