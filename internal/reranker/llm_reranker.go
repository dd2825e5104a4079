package reranker

import (
	"context"
	"fmt"
	"strings"

	"github.com/knoguchi/hybridrag/internal/llm"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLLMConcurrency = 4
	maxPromptContentRunes = 2000
)

// LLMReranker asks a generative model for a relevance score per pair. It is
// slower than a cross-encoder and meant for setups without the sidecar.
type LLMReranker struct {
	llmClient   llm.LLM
	model       string
	concurrency int
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithLLMModel sets the model to use for reranking.
func WithLLMModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		if model != "" {
			r.model = model
		}
	}
}

// WithConcurrency bounds the number of pairs scored at once.
func WithConcurrency(n int) LLMRerankerOption {
	return func(r *LLMReranker) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient:   llmClient,
		model:       llm.DefaultModel,
		concurrency: defaultLLMConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Score prompts the model once per candidate and reads the last number of
// each answer. A failed call fails the whole batch.
func (r *LLMReranker) Score(ctx context.Context, query string, candidates []string) ([]float64, error) {
	scores := make([]float64, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, content := range candidates {
		g.Go(func() error {
			out, err := r.llmClient.Generate(gctx, buildPairPrompt(query, content), llm.GenerateOptions{
				Model:     r.model,
				MaxTokens: 16,
			})
			if err != nil {
				return fmt.Errorf("failed to score candidate %d: %w", i, err)
			}
			scores[i] = ExtractScore(out)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("LLM reranking failed: %w", err)
	}
	return scores, nil
}

// ModelName returns the generation model used for scoring.
func (r *LLMReranker) ModelName() string {
	return r.model
}

func buildPairPrompt(query, content string) string {
	if runes := []rune(content); len(runes) > maxPromptContentRunes {
		content = string(runes[:maxPromptContentRunes]) + "..."
	}

	var sb strings.Builder
	sb.WriteString("You are a relevance scoring system.\n")
	sb.WriteString("Rate how well the passage answers the query on a scale from 0 to 10.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nPassage: ")
	sb.WriteString(content)
	sb.WriteString("\n\nOutput only the number.\nScore:")
	return sb.String()
}

var _ Reranker = (*LLMReranker)(nil)
