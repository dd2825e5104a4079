package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/knoguchi/hybridrag/internal/embedder"
	"github.com/knoguchi/hybridrag/internal/passage"
)

type memoryEntry struct {
	key     string
	passage passage.Passage
	vector  []float32
}

// MemoryStore is an in-process PassageStore using brute-force cosine
// distance. Reads run concurrently; writes are serialized.
type MemoryStore struct {
	embedder embedder.Embedder

	mu      sync.RWMutex
	entries []memoryEntry
	index   map[string]int
}

// NewMemoryStore creates an empty store that embeds with e.
func NewMemoryStore(e embedder.Embedder) *MemoryStore {
	return &MemoryStore{
		embedder: e,
		index:    make(map[string]int),
	}
}

// Len returns the number of stored passages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Upsert embeds the passages and stores them. An existing passage keeps its
// insertion position.
func (s *MemoryStore) Upsert(ctx context.Context, passages []passage.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed passages: %w", err)
	}
	if len(vectors) != len(passages) {
		return fmt.Errorf("%w: got %d vectors for %d passages", ErrEmbeddingCount, len(vectors), len(passages))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range passages {
		p.Metadata = maps.Clone(p.Metadata)
		entry := memoryEntry{key: PointID(p), passage: p, vector: vectors[i]}
		if pos, ok := s.index[entry.key]; ok {
			s.entries[pos] = entry
			continue
		}
		s.index[entry.key] = len(s.entries)
		s.entries = append(s.entries, entry)
	}
	return nil
}

// HasFilename reports whether any passage of the document is stored.
func (s *MemoryStore) HasFilename(_ context.Context, filename string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.passage.Filename() == filename {
			return true, nil
		}
	}
	return false, nil
}

// DeleteByFilename removes every passage of the document.
func (s *MemoryStore) DeleteByFilename(_ context.Context, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = slices.DeleteFunc(s.entries, func(e memoryEntry) bool {
		return e.passage.Filename() == filename
	})
	clear(s.index)
	for i, e := range s.entries {
		s.index[e.key] = i
	}
	return nil
}

// Search embeds the query and returns the k closest passages matching
// filter. Equal distances keep insertion order.
func (s *MemoryStore) Search(ctx context.Context, query string, k int, filter Filter) ([]passage.ScoredCandidate, error) {
	if err := checkSearchArgs(k, filter); err != nil {
		return nil, err
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]passage.ScoredCandidate, 0, min(k, len(s.entries)))
	for _, e := range s.entries {
		if !filter.Matches(e.passage.Metadata) {
			continue
		}
		d, err := cosineDistance(qvec, e.vector)
		if err != nil {
			return nil, fmt.Errorf("failed to score passage %s: %w", e.passage.ID, err)
		}
		results = append(results, passage.ScoredCandidate{Passage: e.passage, VectorDistance: d})
	}

	slices.SortStableFunc(results, func(a, b passage.ScoredCandidate) int {
		switch {
		case a.VectorDistance < b.VectorDistance:
			return -1
		case a.VectorDistance > b.VectorDistance:
			return 1
		default:
			return 0
		}
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

var _ Store = (*MemoryStore)(nil)
