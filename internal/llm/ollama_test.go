package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2:1b", req.Model)
		assert.Equal(t, "why?", req.Prompt)
		assert.False(t, req.Stream)
		assert.Equal(t, float64(64), req.Options["num_predict"])
		assert.NotContains(t, req.Options, "temperature")

		_ = json.NewEncoder(w).Encode(generateResponse{Response: "  because \n", Done: true})
	}))
	defer server.Close()

	c := NewOllamaClient(WithBaseURL(server.URL + "/"))
	out, err := c.Generate(context.Background(), "why?", GenerateOptions{MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "because", out)
}

func TestOllamaClient_GenerateModelOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mistral", req.Model)
		assert.Equal(t, "be brief", req.System)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "ok"})
	}))
	defer server.Close()

	c := NewOllamaClient(WithBaseURL(server.URL), WithModel("qwen"))
	assert.Equal(t, "qwen", c.Model())

	_, err := c.Generate(context.Background(), "x", GenerateOptions{Model: "mistral", SystemPrompt: "be brief"})
	require.NoError(t, err)
}

func TestOllamaClient_GenerateHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewOllamaClient(WithBaseURL(server.URL)).Generate(context.Background(), "x", GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestNewOllamaClient_EmptyOptionsKeepDefaults(t *testing.T) {
	c := NewOllamaClient(WithBaseURL(""), WithModel(""))
	assert.Equal(t, DefaultOllamaBaseURL, c.baseURL)
	assert.Equal(t, DefaultModel, c.Model())
}
