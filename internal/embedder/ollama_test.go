package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOllamaEmbedder_Defaults(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{})

	assert.Equal(t, DefaultOllamaBaseURL, e.baseURL)
	assert.Equal(t, "bge-m3", e.ModelName())
	assert.Equal(t, 1024, e.Dimension())
	assert.Equal(t, DefaultBatchConcurrency, e.batchConcurrency)
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bge-m3", req.Model)
		assert.Equal(t, "hello", req.Prompt)

		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.25, -1, 3}})
	}))
	defer server.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: server.URL + "/"})
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -1, 3}, vec)
}

func TestOllamaEmbedder_EmbedErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer server.Close()

		_, err := NewOllamaEmbedder(OllamaConfig{BaseURL: server.URL}).Embed(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("empty vector", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"embedding":[]}`))
		}))
		defer server.Close()

		_, err := NewOllamaEmbedder(OllamaConfig{BaseURL: server.URL}).Embed(context.Background(), "x")
		assert.ErrorIs(t, err, ErrEmptyEmbedding)
	})

	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := NewOllamaEmbedder(OllamaConfig{BaseURL: server.URL}).Embed(ctx, "x")
		assert.Error(t, err)
	})
}

func TestOllamaEmbedder_EmbedBatchKeepsOrder(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		var req ollamaRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{float64(len(req.Prompt))}})
	}))
	defer server.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: server.URL, BatchConcurrency: 2})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)

	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, []float32{float32(i + 1)}, v)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestOllamaEmbedder_EmbedBatchEmpty(t *testing.T) {
	vecs, err := NewOllamaEmbedder(OllamaConfig{}).EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}
