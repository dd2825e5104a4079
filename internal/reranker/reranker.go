// Package reranker scores (query, passage) pairs jointly for the final
// precision stage of retrieval.
//
// # Trade-offs
//
// Reranking is the most expensive retrieval stage.
//
//   - Latency: one model call per request (cross-encoder) or per pair (LLM)
//   - Quality: reorders passages whose fused scores are close
//   - Availability: a failed call never fails the request; retrieval keeps the fused order
//
// Disable it (RERANKER_BACKEND=none) for latency-sensitive deployments.
package reranker

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// SentinelScore is assigned to a candidate whose score cannot be
// interpreted as a finite number. It ranks below any real logit.
const SentinelScore = -9999.0

var (
	// ErrUnavailable is returned by rerankers that cannot score at all.
	ErrUnavailable = errors.New("reranker unavailable")

	// ErrMalformedBatch is returned when a response cannot be aligned with its candidates.
	ErrMalformedBatch = errors.New("malformed rerank batch")
)

// Reranker scores every candidate against the query. The returned slice is
// aligned with candidates; higher is more relevant and only the order within
// one call is meaningful.
type Reranker interface {
	Score(ctx context.Context, query string, candidates []string) ([]float64, error)
	ModelName() string
}

var scorePattern = regexp.MustCompile(`[-+]?\d*\.\d+|\d+`)

// ExtractScore returns the last number appearing in a model's free-text
// output, or SentinelScore when there is none.
func ExtractScore(output string) float64 {
	matches := scorePattern.FindAllString(strings.TrimSpace(output), -1)
	if len(matches) == 0 {
		return SentinelScore
	}
	return Sanitize(parseScore(matches[len(matches)-1]))
}

// Sanitize maps NaN and infinities to SentinelScore.
func Sanitize(score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return SentinelScore
	}
	return score
}

func parseScore(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return SentinelScore
	}
	return v
}

// Noop is the reranker used when reranking is disabled. Every call fails
// with ErrUnavailable so retrieval falls back to the fused order.
type Noop struct{}

// Score always returns ErrUnavailable.
func (Noop) Score(context.Context, string, []string) ([]float64, error) {
	return nil, ErrUnavailable
}

// ModelName returns "none".
func (Noop) ModelName() string { return "none" }

var _ Reranker = Noop{}
