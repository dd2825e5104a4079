package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/knoguchi/hybridrag/internal/passage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedEmbedder maps known texts to fixed vectors.
type fixedEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fixedEmbedder) Dimension() int    { return 2 }
func (f *fixedEmbedder) ModelName() string { return "fixed" }

func doc(id, filename, content string) passage.Passage {
	return passage.Passage{
		ID:       id,
		Content:  content,
		Metadata: map[string]string{passage.MetaFilename: filename},
	}
}

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	e := &fixedEmbedder{vectors: map[string][]float32{
		"query": {1, 0},
		"east":  {1, 0},
		"ne":    {1, 1},
		"north": {0, 1},
		"west":  {-1, 0},
		"east2": {2, 0},
	}}
	s := NewMemoryStore(e)
	require.NoError(t, s.Upsert(context.Background(), []passage.Passage{
		doc("1", "a.pdf", "north"),
		doc("2", "a.pdf", "east"),
		doc("3", "b.pdf", "west"),
		doc("4", "b.pdf", "ne"),
		doc("5", "b.pdf", "east2"),
	}))
	return s
}

func ids(cands []passage.ScoredCandidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Passage.ID
	}
	return out
}

func TestMemoryStore_SearchOrdersByDistance(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Search(context.Background(), "query", 10, nil)
	require.NoError(t, err)

	// "east" and "east2" are both at distance 0 and keep insertion order.
	assert.Equal(t, []string{"2", "5", "4", "1", "3"}, ids(got))
	assert.InDelta(t, 0.0, got[0].VectorDistance, 1e-9)
	assert.InDelta(t, 1.0, got[3].VectorDistance, 1e-9)
	assert.InDelta(t, 2.0, got[4].VectorDistance, 1e-9)
}

func TestMemoryStore_SearchLimitsToK(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Search(context.Background(), "query", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "5"}, ids(got))
}

func TestMemoryStore_SearchFilter(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Search(context.Background(), "query", 10, ByFilename("a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, ids(got))

	got, err = s.Search(context.Background(), "query", 10, ByFilename("missing.pdf"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_SearchRejectsBadArguments(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Search(context.Background(), "query", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = s.Search(context.Background(), "query", -3, nil)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = s.Search(context.Background(), "query", 5, Filter{passage.MetaFilename: ""})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = s.Search(context.Background(), "query", 5, Filter{" ": "x"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestMemoryStore_SearchEmbedError(t *testing.T) {
	boom := errors.New("embedding backend down")
	s := NewMemoryStore(&fixedEmbedder{err: boom})

	_, err := s.Search(context.Background(), "query", 5, nil)
	assert.ErrorIs(t, err, boom)
}

func TestMemoryStore_UpsertReplacesInPlace(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, 5, s.Len())

	require.NoError(t, s.Upsert(context.Background(), []passage.Passage{doc("1", "a.pdf", "east")}))
	assert.Equal(t, 5, s.Len())

	got, err := s.Search(context.Background(), "query", 3, nil)
	require.NoError(t, err)
	// passage 1 now ties with 2 and 5 at distance 0 and was inserted first.
	assert.Equal(t, []string{"1", "2", "5"}, ids(got))
}

func TestMemoryStore_HasAndDeleteByFilename(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasFilename(ctx, "b.pdf")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteByFilename(ctx, "b.pdf"))
	assert.Equal(t, 2, s.Len())

	ok, err = s.HasFilename(ctx, "b.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	// the index is rebuilt, so upserting a remaining passage still replaces it
	require.NoError(t, s.Upsert(ctx, []passage.Passage{doc("2", "a.pdf", "north")}))
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_ConcurrentReadsAndWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			got, err := s.Search(ctx, "query", 3, nil)
			assert.NoError(t, err)
			assert.Len(t, got, 3)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Upsert(ctx, []passage.Passage{doc(fmt.Sprintf("c%d", i), "c.pdf", "ne")}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, s.Len())
}

func TestCosineDistance(t *testing.T) {
	d, err := cosineDistance([]float32{1, 0}, []float32{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, d)

	_, err = cosineDistance([]float32{1}, []float32{1, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
