// Package app builds the service components from configuration. Both the
// server and the CLI are wired through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/knoguchi/hybridrag/internal/answer"
	"github.com/knoguchi/hybridrag/internal/config"
	"github.com/knoguchi/hybridrag/internal/embedder"
	"github.com/knoguchi/hybridrag/internal/ingestion"
	"github.com/knoguchi/hybridrag/internal/llm"
	"github.com/knoguchi/hybridrag/internal/memory"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/repository/postgres"
	"github.com/knoguchi/hybridrag/internal/reranker"
	"github.com/knoguchi/hybridrag/internal/retrieval"
	"github.com/knoguchi/hybridrag/internal/server"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
)

// Store backends.
const (
	StoreQdrant = "qdrant"
	StoreMemory = "memory"
)

// Reranker backends.
const (
	RerankerCrossEncoder = "cross-encoder"
	RerankerLLM          = "llm"
	RerankerNone         = "none"
)

// ErrUnknownBackend is returned for unsupported STORE_BACKEND or RERANKER_BACKEND values.
var ErrUnknownBackend = errors.New("unknown backend")

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Embedder embedder.Embedder
	Store    vectorstore.Store
	Registry repository.DocumentRepository
	Reranker reranker.Reranker
	LLM      llm.LLM
	Pipeline *retrieval.Pipeline
	Ingestor *ingestion.Ingestor
	Answers  *answer.Service
	Memory   *memory.Store

	// Checks report the readiness of external dependencies.
	Checks map[string]server.ReadinessCheck

	closers []func()
}

// New connects to the configured backends and builds every component.
// Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		Checks: map[string]server.ReadinessCheck{},
	}

	a.Embedder = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	logger.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	a.LLM = llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	logger.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRegistry(ctx); err != nil {
		a.Close()
		return nil, err
	}

	rr, err := NewReranker(cfg, a.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Reranker = rr
	logger.Info("initialized reranker", "backend", cfg.RerankerBackend, "model", rr.ModelName())

	a.Pipeline, err = retrieval.NewPipeline(a.Store, cfg.Retrieval(),
		retrieval.WithReranker(rr),
		retrieval.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create retrieval pipeline: %w", err)
	}

	a.Ingestor = ingestion.NewIngestor(a.Registry, a.Store,
		ingestion.WithMinWords(cfg.MinPassageWords),
		ingestion.WithLogger(logger),
	)

	a.Memory = memory.DefaultStore()
	a.Answers = answer.NewService(a.Pipeline, a.LLM,
		answer.WithQueryTransform(cfg.TransformQuery),
		answer.WithMemory(a.Memory),
		answer.WithLogger(logger),
	)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreBackend {
	case StoreMemory:
		a.Store = vectorstore.NewMemoryStore(a.Embedder)
		a.Logger.Warn("using in-memory passage store; passages are lost on exit")
	case StoreQdrant:
		qs, err := vectorstore.NewQdrantStore(a.Config.QdrantGRPCURL, a.Config.QdrantCollection, a.Embedder)
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		a.closers = append(a.closers, func() { _ = qs.Close() })
		if err := qs.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("failed to prepare Qdrant collection: %w", err)
		}
		a.Store = qs
		a.Checks["qdrant"] = qs.Ping
		a.Logger.Info("connected to Qdrant", "collection", qs.Collection())
	default:
		return fmt.Errorf("%w: STORE_BACKEND=%q", ErrUnknownBackend, a.Config.StoreBackend)
	}
	return nil
}

func (a *App) openRegistry(ctx context.Context) error {
	if a.Config.DatabaseURL == "" {
		a.Registry = repository.NewMemoryRepo()
		a.Logger.Warn("DATABASE_URL not set; document registry kept in memory")
		return nil
	}

	db, err := postgres.New(ctx, a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.Registry = postgres.NewDocumentRepo(db)
	a.Checks["postgres"] = db.Ping
	a.Logger.Info("connected to PostgreSQL")
	return nil
}

// NewReranker builds the reranker selected by RERANKER_BACKEND.
func NewReranker(cfg *config.Config, client llm.LLM) (reranker.Reranker, error) {
	switch cfg.RerankerBackend {
	case RerankerCrossEncoder:
		return reranker.NewCrossEncoderClient(cfg.RerankerURL,
			reranker.WithModel(cfg.RerankerModel),
			reranker.WithTimeout(cfg.RerankerTimeout),
		), nil
	case RerankerLLM:
		return reranker.NewLLMReranker(client, reranker.WithLLMModel(cfg.OllamaLLMModel)), nil
	case RerankerNone, "":
		return reranker.Noop{}, nil
	default:
		return nil, fmt.Errorf("%w: RERANKER_BACKEND=%q", ErrUnknownBackend, cfg.RerankerBackend)
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
