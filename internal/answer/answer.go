// Package answer generates grounded answers from retrieved passages.
//
// A request optionally rewrites the user's question into a retrieval-friendly
// form, runs hybrid retrieval, drops near-duplicate passages and asks the LLM
// to answer from the remaining context only.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/hybridrag/internal/llm"
	"github.com/knoguchi/hybridrag/internal/memory"
	"github.com/knoguchi/hybridrag/internal/passage"
	"github.com/knoguchi/hybridrag/internal/retrieval"
)

// ErrNoRelevantContent is returned when retrieval yields no passages.
var ErrNoRelevantContent = errors.New("no relevant content found")

// NotMentioned is the answer the model is instructed to give when the
// context does not contain one.
const NotMentioned = "Not mentioned in the data."

const (
	// duplicateThreshold is the Jaccard overlap at which two passages count
	// as the same text.
	duplicateThreshold = 0.7

	historyMessages = 6
	separator       = "────────────────────"
)

// Searcher runs hybrid retrieval. *retrieval.Pipeline satisfies it.
type Searcher interface {
	Search(ctx context.Context, query, filename string) (*retrieval.Result, error)
}

var _ Searcher = (*retrieval.Pipeline)(nil)

// Request is a single question.
type Request struct {
	Query     string
	Filename  string
	SessionID string
}

// Response holds the generated answer and the passages it was grounded on.
type Response struct {
	Answer         string
	Query          string
	SearchQuery    string
	Sources        []passage.RerankedCandidate
	Mode           retrieval.Mode
	RetrievalTime  time.Duration
	GenerationTime time.Duration
}

// Service answers questions over ingested documents.
type Service struct {
	searcher  Searcher
	llm       llm.LLM
	memory    *memory.Store
	transform bool
	model     string
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithQueryTransform enables rewriting the question before retrieval.
func WithQueryTransform(enabled bool) Option {
	return func(s *Service) { s.transform = enabled }
}

// WithMemory enables per-session conversation history.
func WithMemory(m *memory.Store) Option {
	return func(s *Service) { s.memory = m }
}

// WithModel overrides the LLM's default model.
func WithModel(model string) Option {
	return func(s *Service) { s.model = model }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates an answer service.
func NewService(searcher Searcher, client llm.LLM, opts ...Option) *Service {
	s := &Service{
		searcher: searcher,
		llm:      client,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Answer retrieves context for the question and generates an answer.
func (s *Service) Answer(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, retrieval.ErrEmptyQuery
	}

	resp := &Response{Query: query, SearchQuery: query}
	if s.transform {
		resp.SearchQuery = s.transformQuery(ctx, query)
	}

	retrievalStart := time.Now()
	result, err := s.searcher.Search(ctx, resp.SearchQuery, req.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve passages: %w", err)
	}
	resp.RetrievalTime = time.Since(retrievalStart)
	resp.Mode = result.Mode

	if len(result.Passages) == 0 {
		return nil, ErrNoRelevantContent
	}
	resp.Sources = deduplicate(result.Passages, duplicateThreshold)

	var history []memory.Message
	if s.memory != nil && req.SessionID != "" {
		history = s.memory.History(req.SessionID, historyMessages)
	}

	prompt := buildPrompt(query, passage.Contents(resp.Sources), history)

	generationStart := time.Now()
	text, err := s.llm.Generate(ctx, prompt, llm.GenerateOptions{Model: s.model})
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	resp.GenerationTime = time.Since(generationStart)
	resp.Answer = strings.TrimSpace(text)

	if s.memory != nil {
		s.memory.AddTurn(req.SessionID, query, resp.Answer)
	}

	s.logger.Info("answer generated",
		"mode", resp.Mode,
		"sources", len(resp.Sources),
		"retrieval_ms", resp.RetrievalTime.Milliseconds(),
		"generation_ms", resp.GenerationTime.Milliseconds(),
	)
	return resp, nil
}

// transformQuery asks the LLM for a formal retrieval question. Any failure
// keeps the original question.
func (s *Service) transformQuery(ctx context.Context, query string) string {
	out, err := s.llm.Generate(ctx, buildTransformPrompt(query), llm.GenerateOptions{Model: s.model})
	if err != nil {
		s.logger.Warn("query transform failed, using original query", "error", err)
		return query
	}
	rewritten := strings.TrimSpace(out)
	if rewritten == "" {
		return query
	}
	s.logger.Debug("query transformed", "query", query, "rewritten", rewritten)
	return rewritten
}

func buildTransformPrompt(query string) string {
	var sb strings.Builder
	sb.WriteString("You are an assistant familiar with academic literature search.\n")
	sb.WriteString("Rewrite the user's question as a more formal, explicit academic question suited for retrieval.\n")
	sb.WriteString("Output only the rewritten question.\n\n")
	sb.WriteString("User question:\n")
	sb.WriteString(query)
	sb.WriteString("\n")
	return sb.String()
}

// buildPrompt renders the QA prompt. Context passages are joined by newlines
// between separator lines.
func buildPrompt(query string, contexts []string, history []memory.Message) string {
	var sb strings.Builder

	sb.WriteString("You are a rigorous academic assistant.\n")
	sb.WriteString("Please answer the questions based on the context provided.\n")
	sb.WriteString("If the answer does not appear in the content, respond with: ")
	sb.WriteString(NotMentioned)
	sb.WriteString("\n\n")

	if len(history) > 0 {
		sb.WriteString("Conversation history:\n")
		sb.WriteString(memory.FormatForPrompt(history))
		sb.WriteString("\n")
	}

	sb.WriteString(separator)
	sb.WriteString("\nContext:\n")
	sb.WriteString(strings.Join(contexts, "\n"))
	sb.WriteString("\n")
	sb.WriteString(separator)
	sb.WriteString("\nquestion:\n")
	sb.WriteString(query)
	sb.WriteString("\n")

	return sb.String()
}

// deduplicate removes passages whose word sets overlap an earlier, higher
// ranked passage by at least threshold.
func deduplicate(results []passage.RerankedCandidate, threshold float64) []passage.RerankedCandidate {
	if len(results) <= 1 {
		return results
	}

	wordSets := make([]map[string]struct{}, len(results))
	for i, r := range results {
		wordSets[i] = wordSet(r.Passage.Content)
	}

	kept := make([]passage.RerankedCandidate, 0, len(results))
	keptSets := make([]map[string]struct{}, 0, len(results))
	for i, r := range results {
		dup := false
		for _, ks := range keptSets {
			if jaccard(wordSets[i], ks) >= threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, r)
			keptSets = append(keptSets, wordSets[i])
		}
	}
	return kept
}

func wordSet(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()[]{}=<>")
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

// jaccard returns |a∩b| / |a∪b|. Two empty sets are identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
