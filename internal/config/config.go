// Package config loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// weightTolerance bounds the rounding slack allowed when checking ALPHA+BETA = 1.
const weightTolerance = 1e-9

// Config holds all configuration for the retrieval service. It is fixed at
// process start and never mutated afterwards.
type Config struct {
	// Server
	GRPCPort    int    `env:"GRPC_PORT" envDefault:"9090"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// CORS. Empty allows any origin.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Retrieval
	VectorTopK int     `env:"VECTOR_TOP_K" envDefault:"50"`
	MidTopM    int     `env:"MID_TOP_M" envDefault:"20"`
	FinalTopM  int     `env:"FINAL_TOP_M" envDefault:"5"`
	Alpha      float64 `env:"ALPHA" envDefault:"0.6"`
	Beta       float64 `env:"BETA" envDefault:"0.4"`

	// Passage store
	StoreBackend     string `env:"STORE_BACKEND" envDefault:"qdrant"`
	QdrantGRPCURL    string `env:"QDRANT_GRPC_URL" envDefault:"localhost:6334"`
	QdrantCollection string `env:"QDRANT_COLLECTION" envDefault:"chunks"`

	// PostgreSQL document registry. Empty keeps the registry in memory.
	DatabaseURL string `env:"DATABASE_URL"`

	// Ollama
	OllamaURL            string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"bge-m3"`
	OllamaLLMModel       string `env:"OLLAMA_LLM_MODEL" envDefault:"llama3.2:1b"`

	// Reranker
	RerankerBackend string        `env:"RERANKER_BACKEND" envDefault:"cross-encoder"`
	RerankerURL     string        `env:"RERANKER_URL" envDefault:"http://localhost:8001"`
	RerankerModel   string        `env:"RERANKER_MODEL" envDefault:"BAAI/bge-reranker-v2-m3"`
	RerankerTimeout time.Duration `env:"RERANKER_TIMEOUT" envDefault:"30s"`

	// Answer generation
	TransformQuery bool `env:"TRANSFORM_QUERY" envDefault:"false"`

	// Ingestion
	MinPassageWords int `env:"MIN_PASSAGE_WORDS" envDefault:"3"`

	// Auth. Both empty disables authentication.
	APIKey    string `env:"API_KEY"`
	JWTSecret string `env:"JWT_SECRET"`
}

// Retrieval is the subset of options consumed by the retrieval pipeline.
type Retrieval struct {
	VectorTopK int
	MidTopM    int
	FinalTopM  int
	Alpha      float64
	Beta       float64
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the retrieval options for internal consistency.
func (c *Config) Validate() error {
	return c.Retrieval().Validate()
}

// Retrieval projects the retrieval options.
func (c *Config) Retrieval() Retrieval {
	return Retrieval{
		VectorTopK: c.VectorTopK,
		MidTopM:    c.MidTopM,
		FinalTopM:  c.FinalTopM,
		Alpha:      c.Alpha,
		Beta:       c.Beta,
	}
}

// DefaultRetrieval returns the stock retrieval options.
func DefaultRetrieval() Retrieval {
	return Retrieval{VectorTopK: 50, MidTopM: 20, FinalTopM: 5, Alpha: 0.6, Beta: 0.4}
}

// Validate enforces 0 < FINAL_TOP_M <= MID_TOP_M <= VECTOR_TOP_K and ALPHA+BETA = 1.
func (r Retrieval) Validate() error {
	var errs []error
	if r.FinalTopM <= 0 {
		errs = append(errs, fmt.Errorf("FINAL_TOP_M must be positive, got %d", r.FinalTopM))
	}
	if r.MidTopM < r.FinalTopM {
		errs = append(errs, fmt.Errorf("MID_TOP_M (%d) must be >= FINAL_TOP_M (%d)", r.MidTopM, r.FinalTopM))
	}
	if r.VectorTopK < r.MidTopM {
		errs = append(errs, fmt.Errorf("VECTOR_TOP_K (%d) must be >= MID_TOP_M (%d)", r.VectorTopK, r.MidTopM))
	}
	if r.Alpha < 0 || r.Alpha > 1 || r.Beta < 0 || r.Beta > 1 {
		errs = append(errs, fmt.Errorf("ALPHA and BETA must lie in [0,1], got %g and %g", r.Alpha, r.Beta))
	}
	if math.Abs(r.Alpha+r.Beta-1) > weightTolerance {
		errs = append(errs, fmt.Errorf("ALPHA + BETA must equal 1.0, got %g", r.Alpha+r.Beta))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid retrieval config: %w", errors.Join(errs...))
	}
	return nil
}
