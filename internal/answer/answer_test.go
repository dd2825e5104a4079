package answer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/knoguchi/hybridrag/internal/llm"
	"github.com/knoguchi/hybridrag/internal/logger"
	"github.com/knoguchi/hybridrag/internal/memory"
	"github.com/knoguchi/hybridrag/internal/passage"
	"github.com/knoguchi/hybridrag/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSearcher struct {
	result   *retrieval.Result
	err      error
	query    string
	filename string
}

func (s *stubSearcher) Search(_ context.Context, query, filename string) (*retrieval.Result, error) {
	s.query = query
	s.filename = filename
	return s.result, s.err
}

// recordingLLM answers transform prompts with rewrite and QA prompts with answer.
type recordingLLM struct {
	mu           sync.Mutex
	prompts      []string
	opts         []llm.GenerateOptions
	rewrite      string
	answer       string
	transformErr error
	answerErr    error
}

func (l *recordingLLM) Generate(_ context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, prompt)
	l.opts = append(l.opts, opts)
	if strings.Contains(prompt, "Output only the rewritten question.") {
		return l.rewrite, l.transformErr
	}
	return l.answer, l.answerErr
}

func reranked(contents ...string) []passage.RerankedCandidate {
	out := make([]passage.RerankedCandidate, len(contents))
	for i, c := range contents {
		out[i] = passage.RerankedCandidate{Passage: passage.Passage{ID: c, Content: c}, RerankScore: float64(len(contents) - i)}
	}
	return out
}

func TestAnswer_BuildsPromptFromPassages(t *testing.T) {
	search := &stubSearcher{result: &retrieval.Result{
		Mode:     retrieval.ModeReranked,
		Passages: reranked("Transformers use self attention.", "BM25 ranks by term frequency."),
	}}
	model := &recordingLLM{answer: "  Self attention.  "}
	svc := NewService(search, model, WithLogger(logger.Discard()), WithModel("llama3.2:1b"))

	resp, err := svc.Answer(context.Background(), Request{Query: " what do transformers use? ", Filename: "paper.pdf"})
	require.NoError(t, err)

	assert.Equal(t, "Self attention.", resp.Answer)
	assert.Equal(t, retrieval.ModeReranked, resp.Mode)
	assert.Len(t, resp.Sources, 2)
	assert.Equal(t, "what do transformers use?", search.query)
	assert.Equal(t, "paper.pdf", search.filename)

	require.Len(t, model.prompts, 1)
	prompt := model.prompts[0]
	assert.Contains(t, prompt, "You are a rigorous academic assistant.")
	assert.Contains(t, prompt, "respond with: Not mentioned in the data.")
	assert.Contains(t, prompt, "Context:\nTransformers use self attention.\nBM25 ranks by term frequency.\n"+separator)
	assert.True(t, strings.HasSuffix(prompt, "question:\nwhat do transformers use?\n"))
	assert.Equal(t, "llama3.2:1b", model.opts[0].Model)
}

func TestAnswer_EmptyRetrieval(t *testing.T) {
	search := &stubSearcher{result: &retrieval.Result{Mode: retrieval.ModeEmpty}}
	model := &recordingLLM{}
	svc := NewService(search, model, WithLogger(logger.Discard()))

	_, err := svc.Answer(context.Background(), Request{Query: "anything"})
	assert.ErrorIs(t, err, ErrNoRelevantContent)
	assert.Empty(t, model.prompts)
}

func TestAnswer_EmptyQuery(t *testing.T) {
	svc := NewService(&stubSearcher{}, &recordingLLM{}, WithLogger(logger.Discard()))
	_, err := svc.Answer(context.Background(), Request{Query: "   "})
	assert.ErrorIs(t, err, retrieval.ErrEmptyQuery)
}

func TestAnswer_PropagatesErrors(t *testing.T) {
	boom := errors.New("store down")
	svc := NewService(&stubSearcher{err: boom}, &recordingLLM{}, WithLogger(logger.Discard()))
	_, err := svc.Answer(context.Background(), Request{Query: "q"})
	assert.ErrorIs(t, err, boom)

	llmErr := errors.New("ollama down")
	search := &stubSearcher{result: &retrieval.Result{Passages: reranked("some passage text")}}
	svc = NewService(search, &recordingLLM{answerErr: llmErr}, WithLogger(logger.Discard()))
	_, err = svc.Answer(context.Background(), Request{Query: "q"})
	assert.ErrorIs(t, err, llmErr)
}

func TestAnswer_QueryTransform(t *testing.T) {
	search := &stubSearcher{result: &retrieval.Result{Passages: reranked("passage about attention")}}
	model := &recordingLLM{rewrite: " What mechanism do Transformer models employ? ", answer: "Attention."}
	svc := NewService(search, model, WithQueryTransform(true), WithLogger(logger.Discard()))

	resp, err := svc.Answer(context.Background(), Request{Query: "what do transformers use"})
	require.NoError(t, err)

	assert.Equal(t, "What mechanism do Transformer models employ?", search.query)
	assert.Equal(t, "What mechanism do Transformer models employ?", resp.SearchQuery)
	assert.Equal(t, "what do transformers use", resp.Query)
	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[0], "User question:\nwhat do transformers use")
	assert.Contains(t, model.prompts[1], "question:\nwhat do transformers use\n")
}

func TestAnswer_QueryTransformFallsBack(t *testing.T) {
	for name, model := range map[string]*recordingLLM{
		"error": {transformErr: errors.New("timeout"), answer: "a"},
		"blank": {rewrite: "  ", answer: "a"},
	} {
		t.Run(name, func(t *testing.T) {
			search := &stubSearcher{result: &retrieval.Result{Passages: reranked("passage")}}
			svc := NewService(search, model, WithQueryTransform(true), WithLogger(logger.Discard()))

			resp, err := svc.Answer(context.Background(), Request{Query: "raw question"})
			require.NoError(t, err)
			assert.Equal(t, "raw question", search.query)
			assert.Equal(t, "raw question", resp.SearchQuery)
		})
	}
}

func TestAnswer_SessionHistory(t *testing.T) {
	search := &stubSearcher{result: &retrieval.Result{Passages: reranked("BM25 is a ranking function.")}}
	model := &recordingLLM{answer: "A ranking function."}
	mem := memory.DefaultStore()
	svc := NewService(search, model, WithMemory(mem), WithLogger(logger.Discard()))
	ctx := context.Background()

	_, err := svc.Answer(ctx, Request{Query: "what is bm25?", SessionID: "s1"})
	require.NoError(t, err)
	assert.NotContains(t, model.prompts[0], "Conversation history:")

	_, err = svc.Answer(ctx, Request{Query: "who proposed it?", SessionID: "s1"})
	require.NoError(t, err)
	assert.Contains(t, model.prompts[1], "Conversation history:\nUser: what is bm25?\nAssistant: A ranking function.\n")

	assert.Len(t, mem.History("s1", 0), 4)
}

func TestDeduplicate(t *testing.T) {
	in := reranked(
		"The transformer architecture relies entirely on attention mechanisms.",
		"The transformer architecture relies entirely on attention mechanisms!",
		"Recurrent networks process tokens sequentially.",
	)
	out := deduplicate(in, duplicateThreshold)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].Passage.ID, out[0].Passage.ID)
	assert.Equal(t, in[2].Passage.ID, out[1].Passage.ID)
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, jaccard(wordSet(""), wordSet("")), 1e-9)
	assert.InDelta(t, 0.0, jaccard(wordSet("alpha beta"), wordSet("")), 1e-9)
	assert.InDelta(t, 1.0/3.0, jaccard(wordSet("alpha beta"), wordSet("beta gamma")), 1e-9)
}
