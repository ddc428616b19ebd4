package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret")

	token, err := m.Issue("ops", 0, ScopeAdmin)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Issuer != DefaultIssuer || claims.ExpiresAt == nil {
		t.Errorf("registered claims = %+v", claims.RegisteredClaims)
	}
	if claims.Subject != "ops" || !claims.HasScope(ScopeAdmin) {
		t.Errorf("claims = %+v", claims)
	}
}

func TestJWTRejects(t *testing.T) {
	m := NewJWTManager("secret")

	expired, err := m.Issue("ops", -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, err := m.Verify(expired); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expired token error = %v, want ErrExpiredToken", err)
	}

	lenient := NewJWTManager("secret", WithLeeway(5*time.Minute))
	if _, err := lenient.Verify(expired); err != nil {
		t.Errorf("token within leeway rejected: %v", err)
	}

	other := NewJWTManager("other")
	forged, _ := other.Issue("ops", 0, ScopeAdmin)
	if _, err := m.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("forged token error = %v, want ErrInvalidToken", err)
	}

	foreign, _ := NewJWTManager("secret", WithIssuer("someone-else")).Issue("ops", 0)
	if _, err := m.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign issuer error = %v, want ErrInvalidToken", err)
	}

	if _, err := m.Issue("", 0); !errors.Is(err, ErrInvalidClaims) {
		t.Errorf("empty subject error = %v, want ErrInvalidClaims", err)
	}
}

func TestRequire(t *testing.T) {
	m := NewJWTManager("secret")
	admin, _ := m.Issue("ops", 0, ScopeAdmin)
	reader, _ := m.Issue("viewer", 0)

	a := NewAuthenticator([]string{"k1", " "}, m, nil)
	var seen *Principal
	h := a.Require(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header [2]string
		want   int
	}{
		{"no credentials", [2]string{}, http.StatusUnauthorized},
		{"api key", [2]string{APIKeyHeader, "k1"}, http.StatusNoContent},
		{"wrong api key", [2]string{APIKeyHeader, "k2"}, http.StatusUnauthorized},
		{"admin token", [2]string{"Authorization", "Bearer " + admin}, http.StatusNoContent},
		{"token without scope", [2]string{"Authorization", "Bearer " + reader}, http.StatusForbidden},
		{"garbage token", [2]string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == nil || seen.Subject != "ops" || seen.Method != "jwt" {
		t.Errorf("principal = %+v", seen)
	}
}

func TestRequireDisabled(t *testing.T) {
	a := NewAuthenticator(nil, nil, nil)
	h := a.Require(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want open access", rec.Code)
	}
}
