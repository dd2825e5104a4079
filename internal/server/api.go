package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knoguchi/hybridrag/internal/answer"
	"github.com/knoguchi/hybridrag/internal/ingestion"
	"github.com/knoguchi/hybridrag/internal/passage"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/retrieval"
)

const (
	maxBodyBytes     = 32 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

var errBadRequest = errors.New("bad request")

// Searcher runs hybrid retrieval.
type Searcher interface {
	Search(ctx context.Context, query, filename string) (*retrieval.Result, error)
}

// Answerer generates answers.
type Answerer interface {
	Answer(ctx context.Context, req answer.Request) (*answer.Response, error)
}

// DocumentWriter ingests and removes documents.
type DocumentWriter interface {
	Ingest(ctx context.Context, filename string, passages []passage.Passage) (*ingestion.Result, error)
	Delete(ctx context.Context, filename string) error
}

var (
	_ Searcher       = (*retrieval.Pipeline)(nil)
	_ Answerer       = (*answer.Service)(nil)
	_ DocumentWriter = (*ingestion.Ingestor)(nil)
)

// API holds the /v1 handlers. Nil components leave their routes unregistered.
type API struct {
	Searcher  Searcher
	Answerer  Answerer
	Documents DocumentWriter
	Registry  repository.DocumentRepository
	Logger    *slog.Logger
}

// Register mounts the handlers on r.
func (a *API) Register(r chi.Router) {
	if a.Searcher != nil {
		r.Post("/search", a.handleSearch)
	}
	if a.Answerer != nil {
		r.Post("/answer", a.handleAnswer)
	}
	if a.Documents != nil {
		r.Post("/documents", a.handleIngest)
		r.Delete("/documents/{filename}", a.handleDeleteDocument)
	}
	if a.Registry != nil {
		r.Get("/documents", a.handleListDocuments)
		r.Get("/documents/{filename}", a.handleGetDocument)
	}
}

type searchRequest struct {
	Query    string `json:"query"`
	Filename string `json:"filename,omitempty"`
}

type passageResponse struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Page     string  `json:"page"`
	Filename string  `json:"filename"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

type searchResponse struct {
	Passages       []passageResponse `json:"passages"`
	Mode           retrieval.Mode    `json:"mode"`
	CandidateCount int               `json:"candidate_count"`
}

type answerRequest struct {
	Query     string `json:"query"`
	Filename  string `json:"filename,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type answerResponse struct {
	Answer       string            `json:"answer"`
	Query        string            `json:"query"`
	SearchQuery  string            `json:"search_query"`
	Mode         retrieval.Mode    `json:"mode"`
	Sources      []passageResponse `json:"sources"`
	RetrievalMS  int64             `json:"retrieval_ms"`
	GenerationMS int64             `json:"generation_ms"`
}

type ingestRequest struct {
	Filename string            `json:"filename"`
	Passages []passage.Passage `json:"passages"`
}

type documentResponse struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	PassageCount int       `json:"passage_count"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ingestResponse struct {
	Document   documentResponse `json:"document"`
	Stats      ingestion.Stats  `json:"stats"`
	DurationMS int64            `json:"duration_ms"`
}

type listDocumentsResponse struct {
	Documents []documentResponse `json:"documents"`
	Total     int                `json:"total"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.Searcher.Search(r.Context(), req.Query, req.Filename)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Passages:       toPassageResponses(res.Passages),
		Mode:           res.Mode,
		CandidateCount: res.CandidateCount,
	})
}

func (a *API) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.Answerer.Answer(r.Context(), answer.Request{
		Query:     req.Query,
		Filename:  req.Filename,
		SessionID: req.SessionID,
	})
	if errors.Is(err, answer.ErrNoRelevantContent) {
		writeJSON(w, http.StatusOK, answerResponse{
			Answer:  answer.NotMentioned,
			Query:   req.Query,
			Mode:    retrieval.ModeEmpty,
			Sources: []passageResponse{},
		})
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, answerResponse{
		Answer:       res.Answer,
		Query:        res.Query,
		SearchQuery:  res.SearchQuery,
		Mode:         res.Mode,
		Sources:      toPassageResponses(res.Sources),
		RetrievalMS:  res.RetrievalTime.Milliseconds(),
		GenerationMS: res.GenerationTime.Milliseconds(),
	})
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.Documents.Ingest(r.Context(), req.Filename, req.Passages)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		Document:   toDocumentResponse(res.Document),
		Stats:      res.Stats,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	filename, err := filenameParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Documents.Delete(r.Context(), filename); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	filename, err := filenameParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	doc, err := a.Registry.GetByFilename(r.Context(), filename)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q, "limit", defaultListLimit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset, err := intParam(q, "offset", 0)
	if err != nil || offset < 0 {
		a.writeError(w, r, badRequest("offset must be a non-negative integer"))
		return
	}

	status := repository.DocumentStatus(q.Get("status"))
	switch status {
	case "", repository.StatusPending, repository.StatusReady, repository.StatusFailed:
	default:
		a.writeError(w, r, badRequest("unknown status %q", status))
		return
	}

	docs, total, err := a.Registry.List(r.Context(), status, limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	out := listDocumentsResponse{Documents: make([]documentResponse, len(docs)), Total: total}
	for i, d := range docs {
		out.Documents[i] = toDocumentResponse(d)
	}
	writeJSON(w, http.StatusOK, out)
}

// writeError maps an error to a status code and writes it as JSON.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if code >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusClientClosedRequest is nginx's code for a client that went away
// before the response was ready.
const statusClientClosedRequest = 499

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, retrieval.ErrEmptyQuery),
		errors.Is(err, retrieval.ErrInvalidK),
		errors.Is(err, retrieval.ErrMalformedFilter),
		errors.Is(err, ingestion.ErrInvalidFilename),
		errors.Is(err, ingestion.ErrNoPassages):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("empty request body")
		}
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}

// writeJSON encodes v before writing the header, so an unencodable value
// becomes a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		code = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}

func filenameParam(r *http.Request) (string, error) {
	name, err := url.PathUnescape(chi.URLParam(r, "filename"))
	if err != nil {
		return "", badRequest("invalid filename: %v", err)
	}
	return name, nil
}

func intParam(q url.Values, key string, def int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("%s must be an integer", key)
	}
	return n, nil
}

func toPassageResponses(ps []passage.RerankedCandidate) []passageResponse {
	out := make([]passageResponse, len(ps))
	for i, p := range ps {
		out[i] = passageResponse{
			ID:       p.Passage.ID,
			Title:    p.Passage.Title,
			Page:     p.Passage.Page,
			Filename: p.Passage.Filename(),
			Content:  p.Passage.Content,
			Score:    p.RerankScore,
		}
	}
	return out
}

func toDocumentResponse(d *repository.Document) documentResponse {
	return documentResponse{
		ID:           d.ID.String(),
		Filename:     d.Filename,
		PassageCount: d.PassageCount,
		Status:       string(d.Status),
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
