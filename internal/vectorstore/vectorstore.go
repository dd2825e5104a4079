// Package vectorstore provides the passage stores queried by the dense retrieval stage.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/knoguchi/hybridrag/internal/passage"
)

var (
	// ErrInvalidK is returned when a search asks for k <= 0 results.
	ErrInvalidK = errors.New("k must be positive")

	// ErrInvalidFilter is returned for filters with empty keys or values.
	ErrInvalidFilter = errors.New("invalid metadata filter")

	// ErrDimensionMismatch is returned when vectors of different sizes are compared.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmbeddingCount is returned when the embedder returns a batch of the wrong size.
	ErrEmbeddingCount = errors.New("embedding count does not match passage count")
)

// Filter restricts a search to passages whose metadata equals every entry
// exactly. A nil or empty filter is unrestricted.
type Filter map[string]string

// ByFilename returns a filter on the source document name. An empty name
// yields an unrestricted filter.
func ByFilename(filename string) Filter {
	if filename == "" {
		return nil
	}
	return Filter{passage.MetaFilename: filename}
}

// Validate rejects blank keys and values.
func (f Filter) Validate() error {
	for k, v := range f {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidFilter)
		}
		if v == "" {
			return fmt.Errorf("%w: empty value for %q", ErrInvalidFilter, k)
		}
	}
	return nil
}

// Matches reports whether metadata satisfies every filter entry.
func (f Filter) Matches(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// PassageStore returns the k nearest passages to a query, ordered by
// ascending distance.
type PassageStore interface {
	Search(ctx context.Context, query string, k int, filter Filter) ([]passage.ScoredCandidate, error)
}

// Writer adds passages to a store.
type Writer interface {
	// Upsert embeds and stores passages. Passages are keyed by filename and ID.
	Upsert(ctx context.Context, passages []passage.Passage) error

	// HasFilename reports whether any passage of the document is stored.
	HasFilename(ctx context.Context, filename string) (bool, error)

	// DeleteByFilename removes every passage of the document.
	DeleteByFilename(ctx context.Context, filename string) error
}

// Store is a PassageStore that can also be written to.
type Store interface {
	PassageStore
	Writer
}

// PointID derives a stable point ID from the document name and passage ID so
// re-ingesting a passage overwrites it.
func PointID(p passage.Passage) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.Filename()+"#"+p.ID)).String()
}

func checkSearchArgs(k int, filter Filter) error {
	if k <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	return filter.Validate()
}

// cosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1.
func cosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}
