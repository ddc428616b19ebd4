package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caarlos0/env/v10"

	"github.com/knoguchi/tendersense/internal/alert"
)

func defaults(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		t.Fatalf("parse defaults: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaults(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.RerankCandidates != 10 || cfg.AlertCandidates != 50 || cfg.ExtractMaxRetries != 2 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.ScoreSource != "rerank" || cfg.LLMProvider != "" {
		t.Errorf("ScoreSource = %q, LLMProvider = %q", cfg.ScoreSource, cfg.LLMProvider)
	}
	if cfg.AuthEnabled() {
		t.Error("auth enabled without credentials")
	}
	if cfg.SearchMinScore != nil {
		t.Errorf("SearchMinScore = %v, want unset", *cfg.SearchMinScore)
	}
}

func TestParseEnvironment(t *testing.T) {
	cfg := &Config{}
	err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{
		"API_KEYS":         "k1,k2",
		"SCORE_SOURCE":     "vector",
		"RERANK_TIMEOUT":   "3s",
		"ALERTS_MIN_SCORE": "0.25",
		"SEARCH_MIN_SCORE": "0",
	}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.APIKeys) != 2 || !cfg.AuthEnabled() {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.ScoreSource != "vector" || cfg.RerankTimeout.Seconds() != 3 || cfg.AlertMinScore != 0.25 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SearchMinScore == nil || *cfg.SearchMinScore != 0 {
		t.Errorf("SearchMinScore = %v, want 0", cfg.SearchMinScore)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"score source", func(c *Config) { c.ScoreSource = "both" }, "ScoreSource"},
		{"reranker kind", func(c *Config) { c.RerankerKind = "onnx" }, "RerankerKind"},
		{"postgres state", func(c *Config) { c.AlertStateBackend = "postgres" }, "DATABASE_URL"},
		{"llm reranker", func(c *Config) { c.RerankerKind = "llm" }, "LLM_PROVIDER"},
		{"port", func(c *Config) { c.HTTPPort = 70000 }, "HTTPPort"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestParseProfiles(t *testing.T) {
	t.Setenv("ALERT_TO", "ops@example.org")

	doc := []byte(`
profiles:
  it-cz:
    query: "servery a datacentrum"
    countries: [CZ, sk]
    cpv_prefixes: ["302", "72"]
    max_results: 5
    email_to: ["${ALERT_TO}", "${BACKUP_TO:-backup@example.org}"]
    subject: "IT tenders"
  minimal:
    query: laptops
`)
	profiles, err := ParseProfiles(doc)
	if err != nil {
		t.Fatalf("ParseProfiles() error: %v", err)
	}
	p, ok := profiles["it-cz"]
	if !ok {
		t.Fatalf("profile it-cz missing: %v", profiles)
	}
	if p.Name != "it-cz" || p.MaxResults != 5 || p.Subject != "IT tenders" {
		t.Errorf("profile = %+v", p)
	}
	if strings.Join(p.Recipients, ",") != "ops@example.org,backup@example.org" {
		t.Errorf("Recipients = %v", p.Recipients)
	}
	if strings.Join(p.CPVPrefixes, ",") != "302,72" {
		t.Errorf("CPVPrefixes = %v", p.CPVPrefixes)
	}
	if m := profiles["minimal"]; m.Limit() != 20 || len(m.Recipients) != 0 {
		t.Errorf("minimal = %+v", m)
	}
}

func TestParseProfilesErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad name", "profiles:\n  ../etc:\n    query: x\n"},
		{"no query", "profiles:\n  p:\n    countries: [CZ]\n"},
		{"negative max", "profiles:\n  p:\n    query: x\n    max_results: -1\n"},
		{"not yaml", "profiles: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProfiles([]byte(tt.doc)); err == nil {
				t.Error("ParseProfiles() succeeded")
			}
		})
	}

	_, err := ParseProfiles([]byte("profiles:\n  ../etc:\n    query: x\n"))
	if !errors.Is(err, alert.ErrInvalidProfileName) {
		t.Errorf("error = %v, want ErrInvalidProfileName", err)
	}
}

func TestLoadProfilesMissing(t *testing.T) {
	_, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadProfiles() error = %v, want ErrNotExist", err)
	}
}

func TestExampleProfiles(t *testing.T) {
	t.Setenv("ALERT_EMAIL", "")
	profiles, err := LoadProfiles(filepath.Join("..", "..", "alerts", "profiles.example.yaml"))
	if err != nil {
		t.Fatalf("LoadProfiles() error: %v", err)
	}
	p, ok := profiles["it_services_cz"]
	if !ok {
		t.Fatalf("profiles = %v", profiles)
	}
	if len(p.Recipients) != 1 || p.Recipients[0] != "procurement@example.com" {
		t.Errorf("recipients = %v, want the default address", p.Recipients)
	}
	if p.Limit() != 20 || len(p.CPVPrefixes) != 2 {
		t.Errorf("profile = %+v", p)
	}
}
