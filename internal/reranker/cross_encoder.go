package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultCrossEncoderModel is the cross-encoder served by the rerank sidecar.
	DefaultCrossEncoderModel = "BAAI/bge-reranker-v2-m3"

	// DefaultMaxLength is the token budget per (query, passage) pair.
	DefaultMaxLength = 512

	defaultCrossEncoderTimeout = 30 * time.Second
)

// CrossEncoderClient calls a rerank sidecar that keeps the cross-encoder
// loaded for the process lifetime.
type CrossEncoderClient struct {
	baseURL    string
	model      string
	maxLength  int
	httpClient *http.Client
}

// CrossEncoderOption is a functional option for configuring CrossEncoderClient.
type CrossEncoderOption func(*CrossEncoderClient)

// WithModel sets the model name sent with each request.
func WithModel(model string) CrossEncoderOption {
	return func(c *CrossEncoderClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithTimeout bounds each rerank call.
func WithTimeout(d time.Duration) CrossEncoderOption {
	return func(c *CrossEncoderClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) CrossEncoderOption {
	return func(c *CrossEncoderClient) {
		c.httpClient = client
	}
}

// NewCrossEncoderClient creates a client for the sidecar at baseURL.
func NewCrossEncoderClient(baseURL string, opts ...CrossEncoderOption) *CrossEncoderClient {
	c := &CrossEncoderClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      DefaultCrossEncoderModel,
		maxLength:  DefaultMaxLength,
		httpClient: &http.Client{Timeout: defaultCrossEncoderTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rerankRequest struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
	Model      string   `json:"model"`
	MaxLength  int      `json:"max_length,omitempty"`
}

type rerankResult struct {
	Index int      `json:"index"`
	Score *float64 `json:"score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Score sends the whole batch in one call. Candidates the sidecar leaves
// unscored get SentinelScore.
func (c *CrossEncoderClient) Score(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(rerankRequest{
		Query:      query,
		Candidates: candidates,
		Model:      c.model,
		MaxLength:  c.maxLength,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send rerank request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return alignScores(out.Results, len(candidates))
}

// ModelName returns the cross-encoder model name.
func (c *CrossEncoderClient) ModelName() string {
	return c.model
}

func alignScores(results []rerankResult, n int) ([]float64, error) {
	scores := make([]float64, n)
	seen := make([]bool, n)
	for i := range scores {
		scores[i] = SentinelScore
	}

	for _, r := range results {
		if r.Index < 0 || r.Index >= n {
			return nil, fmt.Errorf("%w: index %d out of range for %d candidates", ErrMalformedBatch, r.Index, n)
		}
		if seen[r.Index] {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrMalformedBatch, r.Index)
		}
		seen[r.Index] = true
		if r.Score != nil {
			scores[r.Index] = Sanitize(*r.Score)
		}
	}
	return scores, nil
}

var _ Reranker = (*CrossEncoderClient)(nil)
