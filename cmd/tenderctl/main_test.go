package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/knoguchi/tendersense/internal/auth"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp()
	a.Writer = &out
	a.ErrWriter = &out
	a.ExitErrHandler = func(_ *cli.Context, _ error) {}
	err := a.Run(append([]string{"tenderctl"}, args...))
	return out.String(), err
}

func TestExtractWithoutBackend(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	path := filepath.Join(t.TempDir(), "notice.txt")
	text := "Dodávka serverů. CPV 30200000-1, 48800000-6 a znovu 30200000-1."
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "extract", "--lang", "cs", path)
	if err != nil {
		t.Fatalf("extract error: %v", err)
	}

	var resp struct {
		Extraction struct {
			CPV          []string `json:"cpv"`
			Requirements []string `json:"requirements"`
		} `json:"extraction"`
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.State != "no_backend" {
		t.Errorf("state = %q, want no_backend", resp.State)
	}
	want := []string{"30200000-1", "48800000-6"}
	if strings.Join(resp.Extraction.CPV, ",") != strings.Join(want, ",") {
		t.Errorf("cpv = %v, want %v", resp.Extraction.CPV, want)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	out, err := runCLI(t, "token", "--subject", "ops", "--scope", "admin")
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	mgr := auth.NewJWTManager("test-secret")
	claims, err := mgr.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Subject != "ops" || !claims.HasScope(auth.ScopeAdmin) {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := runCLI(t, "token", "--subject", "ops"); err == nil {
		t.Error("token without JWT_SECRET succeeded")
	}
}

func TestArgumentErrors(t *testing.T) {
	tests := [][]string{
		{"search"},
		{"ask", "  "},
		{"alerts", "run"},
		{"ingest", "csv"},
	}
	for _, args := range tests {
		if _, err := runCLI(t, args...); err == nil {
			t.Errorf("tenderctl %v succeeded, want usage error", args)
		}
	}
}

func TestAlertsListMissingFile(t *testing.T) {
	t.Setenv("ALERT_PROFILES_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	out, err := runCLI(t, "alerts", "list")
	if err != nil {
		t.Fatalf("alerts list error: %v", err)
	}
	if !strings.Contains(out, "no profiles file") {
		t.Errorf("output = %q", out)
	}
}
