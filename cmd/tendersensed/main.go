package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/tendersense/internal/app"
	"github.com/knoguchi/tendersense/internal/config"
	"github.com/knoguchi/tendersense/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting tendersense",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"auth", cfg.AuthEnabled(),
	)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		GRPCAddr:       fmt.Sprintf("localhost:%d", cfg.GRPCPort),
		Logger:         logger,
		AllowedOrigins: []string{"*"},
		Handlers:       a.Handlers(),
		Auth:           a.Authenticator(),
		Checks:         a.Checks(),
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 2)
	if _, _, err := startServers(grpcServer, httpServer, errCh); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	}

	grpcServer.SetServing(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown gRPC server", "error", err)
	}

	logger.Info("servers stopped")
	return nil
}

// startServers binds both listeners, serves them in the background and only
// then reports SERVING. Serve errors are sent on errCh.
func startServers(grpcServer *server.GRPCServer, httpServer *server.HTTPServer, errCh chan<- error) (grpcAddr, httpAddr net.Addr, err error) {
	grpcLis, err := grpcServer.Listen()
	if err != nil {
		return nil, nil, err
	}
	httpLis, err := httpServer.Listen()
	if err != nil {
		grpcLis.Close()
		return nil, nil, err
	}

	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := httpServer.Serve(httpLis); err != nil {
			errCh <- err
		}
	}()
	grpcServer.SetServing(true)
	return grpcLis.Addr(), httpLis.Addr(), nil
}
