// Package app constructs the clients and services shared by the daemon and
// the operator CLI. Every client is built once here and released by Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/knoguchi/tendersense/internal/alert"
	"github.com/knoguchi/tendersense/internal/auth"
	"github.com/knoguchi/tendersense/internal/config"
	"github.com/knoguchi/tendersense/internal/embedder"
	"github.com/knoguchi/tendersense/internal/extract"
	"github.com/knoguchi/tendersense/internal/ingestion"
	"github.com/knoguchi/tendersense/internal/llm"
	"github.com/knoguchi/tendersense/internal/metrics"
	"github.com/knoguchi/tendersense/internal/ranker"
	"github.com/knoguchi/tendersense/internal/repository"
	"github.com/knoguchi/tendersense/internal/repository/postgres"
	"github.com/knoguchi/tendersense/internal/reranker"
	"github.com/knoguchi/tendersense/internal/server"
	"github.com/knoguchi/tendersense/internal/service"
	"github.com/knoguchi/tendersense/internal/source"
	"github.com/knoguchi/tendersense/internal/tender"
	"github.com/knoguchi/tendersense/internal/vectorstore"
)

// App holds the wired services.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Embedder  embedder.Embedder
	Backend   llm.LLM // nil when no generative backend is configured
	Index     *vectorstore.QdrantStore
	DB        *postgres.DB // nil without DATABASE_URL
	Extractor *extract.Extractor
	Search    *service.SearchService
	Alerts    *service.AlertService
	Ingest    *service.IngestService
	JWT       *auth.JWTManager // nil without JWT_SECRET
	// Notices and Runs are nil without DATABASE_URL.
	Notices repository.NoticeRepository
	Runs    repository.IngestRunRepository
	Sources []source.Source

	pipeline *ingestion.Pipeline
	closers  []func()
}

// Build connects every client named by cfg. On error, whatever was already
// opened is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Register()

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("connected to PostgreSQL")
	}

	index, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		Addr:               cfg.QdrantAddr,
		APIKey:             cfg.QdrantAPIKey,
		UseTLS:             cfg.QdrantUseTLS,
		Collection:         cfg.QdrantCollection,
		RecreateOnMismatch: cfg.QdrantRecreateOnMismatch,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	a.Index = index
	a.closers = append(a.closers, func() { index.Close() })

	if err := a.buildEmbedder(); err != nil {
		return nil, err
	}
	a.Backend = NewBackend(cfg, logger)
	a.Extractor = NewExtractor(cfg, a.Backend, logger)

	var scorer reranker.Scorer
	if cfg.RerankerEnabled {
		scorer = newScorer(cfg, a.Backend)
	}
	searchRanker := ranker.New(a.Embedder, index, scorer, ranker.Options{
		CandidateK:    cfg.RerankCandidates,
		MinScore:      cfg.SearchMinScore,
		EmbedTimeout:  cfg.EmbedTimeout,
		SearchTimeout: cfg.SearchTimeout,
		RerankTimeout: cfg.RerankTimeout,
		Logger:        logger,
		Fallbacks:     metrics.RerankFallbacksTotal,
	})
	a.Search = service.NewSearchService(searchRanker, a.Backend, service.SearchOptions{
		CandidateK:    cfg.RerankCandidates,
		Model:         cfg.LLMModel,
		Temperature:   cfg.LLMTemperature,
		MaxTokens:     cfg.LLMMaxTokens,
		AnswerTimeout: cfg.AnswerTimeout,
		Logger:        logger,
	})

	if err := a.buildAlerts(scorer); err != nil {
		return nil, err
	}

	pipeline, err := ingestion.NewPipeline(a.Extractor,
		ingestion.WithPoolSize(cfg.ExtractWorkers),
		ingestion.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion pipeline: %w", err)
	}
	a.pipeline = pipeline
	a.closers = append(a.closers, pipeline.Release)

	if a.DB != nil {
		a.Notices = postgres.NewNoticeRepo(a.DB)
		a.Runs = postgres.NewIngestRunRepo(a.DB)
	}
	a.Ingest = service.NewIngestService(pipeline, a.Embedder, index, a.Notices, a.Runs, service.IngestOptions{
		EmbedBatch: cfg.EmbeddingBatch,
		Logger:     logger,
		Outcomes:   metrics.IngestedNoticesTotal,
	})

	if cfg.JWTSecret != "" {
		a.JWT = auth.NewJWTManager(cfg.JWTSecret, auth.WithTTL(cfg.JWTExpiry), auth.WithLeeway(30*time.Second))
	}

	a.Sources = a.buildSources()
	return a, nil
}

func (a *App) buildEmbedder() error {
	cfg := a.Config
	var base embedder.Embedder
	switch cfg.EmbedderProvider {
	case "openai":
		base = embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDim,
		})
	default:
		base = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.EmbeddingModel,
			BatchSize: cfg.EmbeddingBatch,
		})
	}
	a.Logger.Info("initialized embedder", "provider", cfg.EmbedderProvider, "model", base.ModelName())

	if cfg.RedisAddr == "" {
		a.Embedder = base
		return nil
	}
	kv, err := embedder.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.EmbedCacheTTL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.closers = append(a.closers, kv.Close)
	a.Embedder = embedder.NewCachedEmbedder(base, kv, metrics.EmbeddingCacheTotal, a.Logger)
	a.Logger.Info("embedding cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.EmbedCacheTTL)
	return nil
}

// NewExtractor builds the structured extractor; backend may be nil.
func NewExtractor(cfg *config.Config, backend llm.LLM, logger *slog.Logger) *extract.Extractor {
	return extract.New(backend, extract.Options{
		MaxRetries: cfg.ExtractMaxRetries,
		NoRepair:   cfg.ExtractMaxRetries == 0,
		MaxChars:   cfg.ExtractMaxChars,
		Timeout:    cfg.ExtractTimeout,
		Model:      cfg.LLMModel,
		Logger:     logger,
		Outcomes:   metrics.ExtractionOutcomesTotal,
		Attempts:   metrics.ExtractionAttempts,
	})
}

// NewBackend returns the configured generative backend, or nil for none.
func NewBackend(cfg *config.Config, logger *slog.Logger) llm.LLM {
	switch cfg.LLMProvider {
	case "ollama":
		logger.Info("initialized Ollama LLM", "model", cfg.LLMModel)
		return llm.NewOllamaClient(llm.WithBaseURL(cfg.OllamaURL), llm.WithModel(cfg.LLMModel))
	case "openai":
		logger.Info("initialized OpenAI-compatible LLM", "model", cfg.LLMModel)
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.LLMModel,
			Logger:  logger,
		})
	}
	logger.Info("no generative backend configured")
	return nil
}

func newScorer(cfg *config.Config, backend llm.LLM) reranker.Scorer {
	if cfg.RerankerKind == "llm" {
		if backend == nil {
			return nil
		}
		return reranker.NewLLMScorer(backend, reranker.WithModel(cfg.LLMModel))
	}
	return reranker.NewHTTPScorer(cfg.RerankerURL, cfg.RerankerModel, nil)
}

func (a *App) buildAlerts(scorer reranker.Scorer) error {
	cfg := a.Config

	profiles, err := config.LoadProfiles(cfg.AlertProfilesPath)
	if errors.Is(err, os.ErrNotExist) {
		a.Logger.Warn("no alert profiles file", "path", cfg.AlertProfilesPath)
		profiles = map[string]tender.AlertProfile{}
	} else if err != nil {
		return fmt.Errorf("failed to load alert profiles: %w", err)
	}

	var store alert.StateStore
	if cfg.AlertStateBackend == "postgres" {
		if a.DB == nil {
			return errors.New("postgres alert state requires DATABASE_URL")
		}
		store = postgres.NewAlertStateRepo(a.DB)
	} else {
		fs, err := alert.NewFileStore(cfg.AlertStateDir)
		if err != nil {
			return fmt.Errorf("failed to open alert state dir: %w", err)
		}
		store = fs
	}

	var notifier alert.Notifier = alert.LogNotifier{Logger: a.Logger}
	if cfg.SMTPHost != "" {
		notifier = alert.NewMailer(alert.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			StartTLS: cfg.SMTPStartTLS,
		}, a.Logger)
	}

	// Alerts recall with their own threshold and reranker toggle.
	if !cfg.AlertUseReranker {
		scorer = nil
	}
	alertMinScore := cfg.AlertMinScore
	alertRanker := ranker.New(a.Embedder, a.Index, scorer, ranker.Options{
		CandidateK:    cfg.AlertCandidates,
		MinScore:      &alertMinScore,
		EmbedTimeout:  cfg.EmbedTimeout,
		SearchTimeout: cfg.SearchTimeout,
		RerankTimeout: cfg.RerankTimeout,
		Logger:        a.Logger,
		Fallbacks:     metrics.RerankFallbacksTotal,
	})
	a.Alerts = service.NewAlertService(alertRanker, store, notifier, profiles, service.AlertOptions{
		Candidates: cfg.AlertCandidates,
		Workers:    cfg.AlertWorkers,
		Logger:     a.Logger,
		Items:      metrics.AlertItemsTotal,
	})
	a.Logger.Info("loaded alert profiles", "count", len(profiles), "state_backend", cfg.AlertStateBackend)
	return nil
}

func (a *App) buildSources() []source.Source {
	cfg := a.Config
	pages := source.NewHTTPFetcher(cfg.SourceTimeout)

	var nenPages source.PageFetcher = pages
	if cfg.NENHeadless {
		nenPages = &source.HeadlessFetcher{Settle: 2 * time.Second, Timeout: cfg.SourceTimeout}
	}

	return []source.Source{
		source.NewTED(source.TEDConfig{
			APIURL:    cfg.TEDAPIURL,
			Query:     cfg.TEDQuery,
			Limit:     cfg.TEDLimit,
			FetchHTML: true,
			Throttle:  500 * time.Millisecond,
			Client:    pages.Client,
			Pages:     pages,
			Logger:    a.Logger,
		}),
		source.NewNEN(source.NENConfig{
			BaseURL:  cfg.NENBaseURL,
			ListPath: cfg.NENListPath,
			Limit:    cfg.NENLimit,
			Throttle: time.Second,
			Pages:    nenPages,
			Logger:   a.Logger,
		}),
	}
}

// Source returns the configured source with the given name.
func (a *App) Source(name string) (source.Source, error) {
	for _, s := range a.Sources {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown source %q", name)
}

// Checks returns the readiness probes of the connected dependencies.
func (a *App) Checks() map[string]server.CheckFunc {
	checks := map[string]server.CheckFunc{
		"qdrant": a.Index.Health,
	}
	if a.DB != nil {
		checks["postgres"] = a.DB.Ping
	}
	return checks
}

// Handlers builds the HTTP API handlers.
func (a *App) Handlers() *server.Handlers {
	return server.NewHandlers(server.HandlersConfig{
		Search:      a.Search,
		Extractor:   a.Extractor,
		Ingester:    a.Ingest,
		Alerts:      a.Alerts,
		Notices:     a.Notices,
		Runs:        a.Runs,
		Sources:     a.Sources,
		ScoreSource: tender.ScoreSource(a.Config.ScoreSource),
		Logger:      a.Logger,
	})
}

// Authenticator guards the admin routes.
func (a *App) Authenticator() *auth.Authenticator {
	return auth.NewAuthenticator(a.Config.APIKeys, a.JWT, a.Logger)
}

// Close releases clients in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
