package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/knoguchi/tendersense/internal/auth"
	"github.com/knoguchi/tendersense/internal/metrics"
)

// CheckFunc probes one dependency for /readyz.
type CheckFunc func(ctx context.Context) error

const checkTimeout = 3 * time.Second

// HTTPServer serves the JSON API, metrics and probes.
type HTTPServer struct {
	server   *http.Server
	router   *chi.Mux
	logger   *slog.Logger
	grpcConn *grpc.ClientConn
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port int
	// GRPCAddr is the local gRPC listener; /healthz proxies its health
	// service. Empty serves a static /healthz.
	GRPCAddr       string
	Logger         *slog.Logger
	AllowedOrigins []string
	Handlers       *Handlers
	Auth           *auth.Authenticator
	Checks         map[string]CheckFunc
	WriteTimeout   time.Duration
}

// NewHTTPServer creates the HTTP server and its routes.
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	if cfg.Auth == nil {
		cfg.Auth = auth.NewAuthenticator(nil, nil, logger)
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}

	s := &HTTPServer{logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(metrics.Middleware())
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	if cfg.GRPCAddr != "" {
		conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC health client: %w", err)
		}
		s.grpcConn = conn
		gwMux := runtime.NewServeMux(
			runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
				MarshalOptions: protojson.MarshalOptions{
					UseProtoNames:   true,
					EmitUnpopulated: true,
				},
				UnmarshalOptions: protojson.UnmarshalOptions{
					DiscardUnknown: true,
				},
			}),
			runtime.WithHealthzEndpoint(healthpb.NewHealthClient(conn)),
		)
		router.Handle("/healthz", gwMux)
	} else {
		router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
		})
	}
	router.Get("/readyz", readinessHandler(cfg.Checks))
	router.Handle("/metrics", promhttp.Handler())

	if h := cfg.Handlers; h != nil {
		router.Route("/v1", func(r chi.Router) {
			r.Get("/search", h.Search)
			r.Post("/search", h.Search)
			r.Post("/qa", h.Answer)
			r.Post("/extract", h.Extract)
			r.Get("/alerts", h.ListAlerts)
			r.Get("/notices/{id}", h.GetNotice)

			r.Group(func(r chi.Router) {
				r.Use(cfg.Auth.Require(auth.ScopeAdmin))
				r.Post("/ingest", h.Ingest)
				r.Get("/ingest/runs", h.ListRuns)
				r.Get("/ingest/runs/{id}", h.GetRun)
				r.Post("/alerts/run", h.RunAllAlerts)
				r.Post("/alerts/{name}/run", h.RunAlert)
			})
		})
	}

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Listen binds the configured address without serving.
func (s *HTTPServer) Listen() (net.Listener, error) {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return l, nil
}

// Serve serves on an existing listener.
func (s *HTTPServer) Serve(l net.Listener) error {
	s.logger.Info("starting HTTP server", "address", l.Addr().String())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.grpcConn != nil {
		if err := s.grpcConn.Close(); err != nil {
			s.logger.Warn("error closing gRPC connection", "error", err)
		}
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// readinessHandler runs every check; any failure answers 503 with the
// per-check results.
func readinessHandler(checks map[string]CheckFunc) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(names))
		status := http.StatusOK
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := checks[name](ctx)
			cancel()
			if err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		state := "ready"
		if status != http.StatusOK {
			state = "not ready"
		}
		writeJSON(w, status, map[string]any{"status": state, "checks": results})
	}
}
