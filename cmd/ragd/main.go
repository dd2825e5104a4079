package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/hybridrag/internal/app"
	"github.com/knoguchi/hybridrag/internal/auth"
	"github.com/knoguchi/hybridrag/internal/config"
	"github.com/knoguchi/hybridrag/internal/embedder"
	"github.com/knoguchi/hybridrag/internal/llm"
	"github.com/knoguchi/hybridrag/internal/logger"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/repository/postgres"
	"github.com/knoguchi/hybridrag/internal/server"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
	"google.golang.org/grpc"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(logger.New(os.Getenv("LOG_LEVEL")))

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	log.Info("starting hybrid retrieval service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"store", cfg.StoreBackend,
		"reranker", cfg.RerankerBackend,
		"vector_top_k", cfg.VectorTopK,
		"mid_top_m", cfg.MidTopM,
		"final_top_m", cfg.FinalTopM,
	)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.Memory.Run(ctx)

	authn := auth.NewAuthenticator(cfg.APIKey, cfg.JWTSecret)
	if !authn.Enabled() {
		log.Warn("authentication disabled; set API_KEY or JWT_SECRET to enable")
	}

	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:               cfg.GRPCPort,
		Logger:             log,
		UnaryInterceptors:  []grpc.UnaryServerInterceptor{authn.UnaryInterceptor()},
		StreamInterceptors: []grpc.StreamServerInterceptor{authn.StreamInterceptor()},
	})

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:            cfg.HTTPPort,
		GRPCAddr:        fmt.Sprintf("localhost:%d", cfg.GRPCPort),
		Logger:          log,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		Auth:            authn.Middleware,
		ReadinessChecks: a.Checks,
	}, &server.API{
		Searcher:  a.Pipeline,
		Answerer:  a.Answers,
		Documents: a.Ingestor,
		Registry:  a.Registry,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	}

	log.Info("shutting down servers")
	grpcServer.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown gRPC server", "error", err)
	}

	log.Info("servers stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
	_ repository.DocumentRepository = (*repository.MemoryRepo)(nil)
	_ vectorstore.Store             = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
)
