// Package config loads configuration from environment variables and .env files,
// and alert profiles from YAML.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the tendersense services
type Config struct {
	// Server
	GRPCPort    int    `env:"GRPC_PORT" envDefault:"9090" validate:"min=1,max=65535"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080" validate:"min=1,max=65535"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// PostgreSQL; empty disables the relational store.
	DatabaseURL string `env:"DATABASE_URL"`

	// Qdrant
	QdrantAddr               string `env:"QDRANT_ADDR" envDefault:"localhost:6334" validate:"required"`
	QdrantAPIKey             string `env:"QDRANT_API_KEY"`
	QdrantUseTLS             bool   `env:"QDRANT_USE_TLS" envDefault:"false"`
	QdrantCollection         string `env:"QDRANT_COLLECTION" envDefault:"tenders" validate:"required"`
	QdrantRecreateOnMismatch bool   `env:"QDRANT_RECREATE_ON_MISMATCH" envDefault:"false"`

	// Embeddings
	EmbedderProvider string        `env:"EMBEDDER_PROVIDER" envDefault:"ollama" validate:"oneof=ollama openai"`
	EmbeddingModel   string        `env:"EMBEDDING_MODEL" envDefault:"nomic-embed-text"`
	EmbeddingDim     int           `env:"EMBEDDING_DIM" envDefault:"0"`
	EmbeddingBatch   int           `env:"EMBEDDING_BATCH" envDefault:"32" validate:"min=1"`
	EmbedTimeout     time.Duration `env:"EMBED_TIMEOUT" envDefault:"15s"`

	// Ollama
	OllamaURL string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`

	// OpenAI-compatible endpoints
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`

	// Generative backend; empty provider runs without one.
	LLMProvider    string        `env:"LLM_PROVIDER" envDefault:"" validate:"omitempty,oneof=ollama openai"`
	LLMModel       string        `env:"LLM_MODEL" envDefault:"llama3.2"`
	LLMTemperature float32       `env:"LLM_TEMPERATURE" envDefault:"0.2"`
	LLMMaxTokens   int           `env:"LLM_MAX_TOKENS" envDefault:"1024"`
	AnswerTimeout  time.Duration `env:"ANSWER_TIMEOUT" envDefault:"60s"`

	// Ranking
	SearchMinScore   *float32      `env:"SEARCH_MIN_SCORE"`
	SearchTimeout    time.Duration `env:"SEARCH_TIMEOUT" envDefault:"10s"`
	RerankerEnabled  bool          `env:"RERANKER_ENABLED" envDefault:"true"`
	RerankerKind     string        `env:"RERANKER_KIND" envDefault:"http" validate:"oneof=http llm"`
	RerankerURL      string        `env:"RERANKER_URL" envDefault:"http://localhost:8081"`
	RerankerModel    string        `env:"RERANKER_MODEL" envDefault:"BAAI/bge-reranker-v2-m3"`
	RerankCandidates int           `env:"RERANK_CANDIDATES" envDefault:"10" validate:"min=1"`
	RerankTimeout    time.Duration `env:"RERANK_TIMEOUT" envDefault:"20s"`
	ScoreSource      string        `env:"SCORE_SOURCE" envDefault:"rerank" validate:"oneof=rerank vector"`

	// Extraction
	ExtractMaxRetries int           `env:"EXTRACT_MAX_RETRIES" envDefault:"2" validate:"min=0,max=10"`
	ExtractMaxChars   int           `env:"EXTRACT_MAX_CHARS" envDefault:"12000" validate:"min=500"`
	ExtractTimeout    time.Duration `env:"EXTRACT_TIMEOUT" envDefault:"60s"`
	ExtractWorkers    int           `env:"EXTRACT_WORKERS" envDefault:"4" validate:"min=1"`

	// Query embedding cache; empty address disables it.
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	EmbedCacheTTL time.Duration `env:"EMBED_CACHE_TTL" envDefault:"24h"`

	// Alerts
	AlertProfilesPath string  `env:"ALERT_PROFILES_PATH" envDefault:"alerts/profiles.yaml"`
	AlertStateBackend string  `env:"ALERT_STATE_BACKEND" envDefault:"file" validate:"oneof=file postgres"`
	AlertStateDir     string  `env:"ALERT_STATE_DIR" envDefault:"state/alerts"`
	AlertCandidates   int     `env:"ALERTS_CANDIDATES" envDefault:"50" validate:"min=1"`
	AlertMinScore     float32 `env:"ALERTS_MIN_SCORE" envDefault:"0"`
	AlertUseReranker  bool    `env:"ALERTS_USE_RERANKER" envDefault:"false"`
	AlertWorkers      int     `env:"ALERT_WORKERS" envDefault:"4" validate:"min=1"`

	// SMTP; empty host logs digests instead of sending them.
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"tendersense@localhost"`
	SMTPStartTLS bool   `env:"SMTP_STARTTLS" envDefault:"true"`

	// Auth for admin routes; with neither set the routes are open.
	JWTSecret string        `env:"JWT_SECRET"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
	APIKeys   []string      `env:"API_KEYS" envSeparator:","`

	// Sources
	TEDAPIURL     string        `env:"TED_API_URL" envDefault:"https://api.ted.europa.eu/v3/notices/search"`
	TEDQuery      string        `env:"TED_QUERY" envDefault:"buyer-country IN (CZE SVK) AND publication-date >= today(-7)"`
	TEDLimit      int           `env:"TED_LIMIT" envDefault:"50" validate:"min=1,max=250"`
	NENBaseURL    string        `env:"NEN_BASE_URL" envDefault:"https://nen.nipez.cz"`
	NENListPath   string        `env:"NEN_LIST_PATH" envDefault:"/verejne-zakazky"`
	NENLimit      int           `env:"NEN_LIMIT" envDefault:"20" validate:"min=1"`
	NENHeadless   bool          `env:"NEN_HEADLESS" envDefault:"false"`
	SourceTimeout time.Duration `env:"SOURCE_TIMEOUT" envDefault:"30s"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.AlertStateBackend == "postgres" && c.DatabaseURL == "" {
		return errors.New("ALERT_STATE_BACKEND=postgres requires DATABASE_URL")
	}
	if c.EmbedderProvider == "openai" && c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
		return errors.New("EMBEDDER_PROVIDER=openai requires OPENAI_API_KEY or OPENAI_BASE_URL")
	}
	if c.RerankerEnabled && c.RerankerKind == "llm" && c.LLMProvider == "" {
		return errors.New("RERANKER_KIND=llm requires LLM_PROVIDER")
	}
	return nil
}

// AuthEnabled reports whether admin routes require credentials.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != "" || len(c.APIKeys) > 0
}
