// Package fusion brings vector distances and lexical scores onto a common
// [0,1] scale and combines them with fixed convex weights.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/knoguchi/hybridrag/internal/passage"
)

// DegenerateRange is the spread at or below which a distribution is treated as flat.
const DegenerateRange = 1e-6

const (
	// flatVectorScore makes a flat vector distribution neutral so the lexical
	// signal alone decides the order.
	flatVectorScore = 1.0
	// flatLexicalScore makes a flat lexical distribution contribute nothing so
	// the vector order survives.
	flatLexicalScore = 0.0

	weightTolerance = 1e-9
)

var (
	// ErrLengthMismatch is returned when the score slices are not aligned with the candidates.
	ErrLengthMismatch = errors.New("score count does not match candidate count")

	// ErrInvalidWeights is returned when ALPHA and BETA are not a convex pair.
	ErrInvalidWeights = errors.New("fusion weights must be in [0,1] and sum to 1")
)

// Weights are the convex fusion coefficients. Alpha weighs the vector signal.
type Weights struct {
	Alpha float64
	Beta  float64
}

// Validate checks 0 <= Alpha, Beta <= 1 and Alpha + Beta = 1.
func (w Weights) Validate() error {
	if w.Alpha < 0 || w.Alpha > 1 || w.Beta < 0 || w.Beta > 1 || math.Abs(w.Alpha+w.Beta-1) > weightTolerance {
		return fmt.Errorf("%w: alpha=%g beta=%g", ErrInvalidWeights, w.Alpha, w.Beta)
	}
	return nil
}

// Combine computes Alpha*vector + Beta*lexical.
func (w Weights) Combine(vector, lexical float64) float64 {
	return w.Alpha*vector + w.Beta*lexical
}

// NormalizeDistances inverts distances (lower is better) into similarities
// via max(d) - d and min-max scales them over the finite distances. A flat
// distribution maps every candidate to 1.0. NaN and infinite distances map
// to 0 and never shift the bounds.
func NormalizeDistances(distances []float64) []float64 {
	out := make([]float64, len(distances))
	lo, hi, ok := bounds(distances)
	if !ok {
		return out
	}
	for i, d := range distances {
		switch {
		case !finite(d):
			out[i] = 0
		case hi-lo <= DegenerateRange:
			out[i] = flatVectorScore
		default:
			// After inversion the similarities span [0, hi-lo].
			out[i] = (hi - d) / (hi - lo)
		}
	}
	return out
}

// NormalizeLexical min-max scales higher-is-better scores over the finite
// scores. A flat distribution maps every candidate to 0.0, as do NaN and
// infinite scores.
func NormalizeLexical(scores []float64) []float64 {
	out := make([]float64, len(scores))
	lo, hi, ok := bounds(scores)
	if !ok || hi-lo <= DegenerateRange {
		fill(out, flatLexicalScore)
		return out
	}
	for i, s := range scores {
		if finite(s) {
			out[i] = (s - lo) / (hi - lo)
		}
	}
	return out
}

// Normalize pairs each candidate with its normalized vector and lexical scores.
func Normalize(candidates []passage.ScoredCandidate, lexical []float64) ([]passage.NormalizedCandidate, error) {
	if len(lexical) != len(candidates) {
		return nil, fmt.Errorf("%w: %d candidates, %d lexical scores", ErrLengthMismatch, len(candidates), len(lexical))
	}

	distances := make([]float64, len(candidates))
	for i, c := range candidates {
		distances[i] = c.VectorDistance
	}
	vecNorm := NormalizeDistances(distances)
	lexNorm := NormalizeLexical(lexical)

	out := make([]passage.NormalizedCandidate, len(candidates))
	for i, c := range candidates {
		out[i] = passage.NormalizedCandidate{
			Passage:      c.Passage,
			VectorScore:  vecNorm[i],
			LexicalScore: lexNorm[i],
		}
	}
	return out, nil
}

// Fuse normalizes both signals, combines them with w, sorts descending by
// fused score and keeps at most limit candidates. Ties keep the PassageStore
// order. A limit <= 0 keeps everything.
func Fuse(candidates []passage.ScoredCandidate, lexical []float64, w Weights, limit int) ([]passage.FusedCandidate, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	normalized, err := Normalize(candidates, lexical)
	if err != nil {
		return nil, err
	}

	fused := make([]passage.FusedCandidate, len(normalized))
	for i, n := range normalized {
		fused[i] = passage.FusedCandidate{
			Passage:     n.Passage,
			FusedScore:  w.Combine(n.VectorScore, n.LexicalScore),
			VectorScore: n.VectorScore,
			Lexical:     n.LexicalScore,
		}
	}

	slices.SortStableFunc(fused, func(a, b passage.FusedCandidate) int {
		switch {
		case a.FusedScore > b.FusedScore:
			return -1
		case a.FusedScore < b.FusedScore:
			return 1
		default:
			return 0
		}
	})

	if limit > 0 && len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// bounds returns the range of the finite values. ok is false when there are none.
func bounds(values []float64) (lo, hi float64, ok bool) {
	for _, v := range values {
		if !finite(v) {
			continue
		}
		if !ok {
			lo, hi, ok = v, v, true
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi, ok
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func fill(values []float64, v float64) {
	for i := range values {
		values[i] = v
	}
}
