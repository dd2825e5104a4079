// Package retrieval runs the hybrid retrieval pipeline: dense candidate
// search, lexical scoring over the candidate pool, score fusion and
// cross-encoder reranking.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/knoguchi/hybridrag/internal/config"
	"github.com/knoguchi/hybridrag/internal/fusion"
	"github.com/knoguchi/hybridrag/internal/lexical"
	"github.com/knoguchi/hybridrag/internal/metrics"
	"github.com/knoguchi/hybridrag/internal/passage"
	"github.com/knoguchi/hybridrag/internal/reranker"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/knoguchi/hybridrag/internal/retrieval"

// Stage names used for metrics and spans.
const (
	StageVectorSearch = "vector_search"
	StageLexical      = "lexical"
	StageFusion       = "fusion"
	StageRerank       = "rerank"
)

var (
	// ErrInvalidK is returned when a candidate count is not positive.
	ErrInvalidK = vectorstore.ErrInvalidK

	// ErrMalformedFilter is returned for filenames that cannot be used as a filter.
	ErrMalformedFilter = vectorstore.ErrInvalidFilter

	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("query must not be empty")
)

// Mode tells callers which path produced the final passages.
type Mode string

const (
	// ModeReranked means the reranker ordered the final passages.
	ModeReranked Mode = "reranked"

	// ModeFusionFallback means the reranker failed and the fused order was kept.
	ModeFusionFallback Mode = "fusion_fallback"

	// ModeEmpty means the passage store returned no candidates.
	ModeEmpty Mode = "empty"
)

// Result is the outcome of one retrieval request.
type Result struct {
	// Passages holds at most FINAL_TOP_M passages, best first. In fusion
	// fallback RerankScore carries the fused score.
	Passages []passage.RerankedCandidate

	Mode Mode

	// Fused is the mid list handed to the reranker.
	Fused []passage.FusedCandidate

	// CandidateCount is the size of the pool returned by the passage store.
	CandidateCount int

	// RerankErr is set when Mode is ModeFusionFallback.
	RerankErr error
}

// Contents returns the passage texts in final order.
func (r *Result) Contents() []string {
	return passage.Contents(r.Passages)
}

// LexicalScorer scores documents against a query. It must return one score
// per document.
type LexicalScorer func(query string, documents []string) []float64

// Pipeline is safe for concurrent use. It keeps no per-request state.
type Pipeline struct {
	store    vectorstore.PassageStore
	reranker reranker.Reranker
	lexical  LexicalScorer
	cfg      config.Retrieval
	weights  fusion.Weights
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option is a functional option for configuring Pipeline.
type Option func(*Pipeline)

// WithReranker sets the reranker. Without one every request uses the fused order.
func WithReranker(r reranker.Reranker) Option {
	return func(p *Pipeline) {
		p.reranker = r
	}
}

// WithLexicalScorer replaces the BM25 scorer.
func WithLexicalScorer(s LexicalScorer) Option {
	return func(p *Pipeline) {
		p.lexical = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithTracerProvider sets the tracer provider used for stage spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// NewPipeline creates a pipeline over store. The configuration is checked
// once here and is immutable afterwards.
func NewPipeline(store vectorstore.PassageStore, cfg config.Retrieval, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("passage store is required")
	}
	if cfg.VectorTopK <= 0 || cfg.MidTopM <= 0 || cfg.FinalTopM <= 0 {
		return nil, fmt.Errorf("%w: VECTOR_TOP_K=%d MID_TOP_M=%d FINAL_TOP_M=%d",
			ErrInvalidK, cfg.VectorTopK, cfg.MidTopM, cfg.FinalTopM)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:    store,
		reranker: reranker.Noop{},
		lexical:  lexical.Score,
		cfg:      cfg,
		weights:  fusion.Weights{Alpha: cfg.Alpha, Beta: cfg.Beta},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.reranker == nil {
		p.reranker = reranker.Noop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Config returns the retrieval configuration.
func (p *Pipeline) Config() config.Retrieval {
	return p.cfg
}

// HybridSearch returns the texts of the best passages for query, optionally
// restricted to one source document. An empty filename searches everything.
func (p *Pipeline) HybridSearch(ctx context.Context, query, filename string) ([]string, error) {
	res, err := p.Search(ctx, query, filename)
	if err != nil {
		return nil, err
	}
	return res.Contents(), nil
}

// Search runs the full pipeline and reports which path produced the result.
func (p *Pipeline) Search(ctx context.Context, query, filename string) (*Result, error) {
	if err := validateRequest(query, filename); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "retrieval.Search", trace.WithAttributes(
		attribute.Bool("filtered", filename != ""),
	))
	defer span.End()

	res, err := p.search(ctx, query, filename)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordError("search")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("mode", string(res.Mode)),
		attribute.Int("candidate_count", res.CandidateCount),
		attribute.Int("result_count", len(res.Passages)),
	)
	metrics.RecordSearch(string(res.Mode), res.CandidateCount)
	p.logger.InfoContext(ctx, "hybrid search completed",
		"filename", filename,
		"mode", res.Mode,
		"candidate_count", res.CandidateCount,
		"result_count", len(res.Passages),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (p *Pipeline) search(ctx context.Context, query, filename string) (*Result, error) {
	var candidates []passage.ScoredCandidate
	err := p.stage(ctx, StageVectorSearch, func(ctx context.Context) error {
		var err error
		candidates, err = p.store.Search(ctx, query, p.cfg.VectorTopK, vectorstore.ByFilename(filename))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search passages: %w", err)
	}
	if len(candidates) > p.cfg.VectorTopK {
		candidates = candidates[:p.cfg.VectorTopK]
	}
	if len(candidates) == 0 {
		p.logger.DebugContext(ctx, "passage store returned no candidates", "filename", filename)
		return &Result{Mode: ModeEmpty, Passages: []passage.RerankedCandidate{}}, nil
	}
	p.logger.DebugContext(ctx, "vector search finished", "candidate_count", len(candidates))

	var lexScores []float64
	_ = p.stage(ctx, StageLexical, func(context.Context) error {
		lexScores = p.lexical(query, passage.Contents(candidates))
		return nil
	})
	if n := countNonFinite(lexScores); n > 0 {
		p.logger.WarnContext(ctx, "lexical scorer returned non-finite scores; ranking them last", "count", n)
	}

	var mid []passage.FusedCandidate
	err = p.stage(ctx, StageFusion, func(context.Context) error {
		var err error
		mid, err = fusion.Fuse(candidates, lexScores, p.weights, p.cfg.MidTopM)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fuse scores: %w", err)
	}
	p.logger.DebugContext(ctx, "fusion finished", "mid_count", len(mid))

	res := &Result{Fused: mid, CandidateCount: len(candidates)}

	var reranked []passage.RerankedCandidate
	rerankErr := p.stage(ctx, StageRerank, func(ctx context.Context) error {
		var err error
		reranked, err = p.rerank(ctx, query, mid)
		return err
	})
	if rerankErr == nil {
		res.Mode = ModeReranked
		res.Passages = reranked
		return res, nil
	}

	// A canceled request fails instead of degrading.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("rerank aborted: %w", ctxErr)
	}

	p.logger.WarnContext(ctx, "reranker failed, using fused order",
		"error", rerankErr,
		"model", p.reranker.ModelName(),
	)
	metrics.RecordRerankFailure(p.reranker.ModelName())

	res.Mode = ModeFusionFallback
	res.RerankErr = rerankErr
	res.Passages = fallback(mid, p.cfg.FinalTopM)
	return res, nil
}

func (p *Pipeline) rerank(ctx context.Context, query string, mid []passage.FusedCandidate) ([]passage.RerankedCandidate, error) {
	scores, err := p.reranker.Score(ctx, query, passage.Contents(mid))
	if err != nil {
		return nil, err
	}
	if len(scores) != len(mid) {
		return nil, fmt.Errorf("%w: got %d scores for %d candidates", reranker.ErrMalformedBatch, len(scores), len(mid))
	}

	out := make([]passage.RerankedCandidate, len(mid))
	for i, c := range mid {
		out[i] = passage.RerankedCandidate{Passage: c.Passage, RerankScore: reranker.Sanitize(scores[i])}
	}
	slices.SortStableFunc(out, func(a, b passage.RerankedCandidate) int {
		switch {
		case a.RerankScore > b.RerankScore:
			return -1
		case a.RerankScore < b.RerankScore:
			return 1
		default:
			return 0
		}
	})

	if len(out) > p.cfg.FinalTopM {
		out = out[:p.cfg.FinalTopM]
	}
	return out, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "retrieval."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(name, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func countNonFinite(scores []float64) int {
	n := 0
	for _, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			n++
		}
	}
	return n
}

func fallback(mid []passage.FusedCandidate, n int) []passage.RerankedCandidate {
	n = min(n, len(mid))
	out := make([]passage.RerankedCandidate, n)
	for i := range n {
		out[i] = passage.RerankedCandidate{Passage: mid[i].Passage, RerankScore: mid[i].FusedScore}
	}
	return out
}

func validateRequest(query, filename string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	if filename == "" {
		return nil
	}
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: blank filename", ErrMalformedFilter)
	}
	if strings.ContainsFunc(filename, unicode.IsControl) {
		return fmt.Errorf("%w: filename contains control characters", ErrMalformedFilter)
	}
	return nil
}
