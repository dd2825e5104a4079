// Package ingestion registers chunked documents and writes their passages
// to the passage store.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/knoguchi/hybridrag/internal/metrics"
	"github.com/knoguchi/hybridrag/internal/passage"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/vectorstore"
)

const (
	// DefaultMinPassageWords drops passages shorter than this many words.
	DefaultMinPassageWords = 3

	// categoryUncategorized marks layout noise such as page numbers and stray symbols.
	categoryUncategorized = "UncategorizedText"
)

var (
	// ErrInvalidFilename is returned for blank filenames or names with control characters.
	ErrInvalidFilename = errors.New("invalid filename")

	// ErrNoPassages is returned when nothing survives normalization.
	ErrNoPassages = errors.New("no usable passages")
)

// Stats describes what normalization kept and dropped.
type Stats struct {
	Received      int `json:"received"`
	Empty         int `json:"empty"`
	Uncategorized int `json:"uncategorized"`
	TooShort      int `json:"too_short"`
	Duplicates    int `json:"duplicates"`
	Kept          int `json:"kept"`
}

// Result holds the outcome of one ingestion.
type Result struct {
	Document *repository.Document
	Stats    Stats
	Duration time.Duration
}

// Ingestor writes documents to the store at most once per filename.
type Ingestor struct {
	repo     repository.DocumentRepository
	writer   vectorstore.Writer
	minWords int
	logger   *slog.Logger

	locks keyedLock
}

// Option is a functional option for configuring Ingestor.
type Option func(*Ingestor)

// WithMinWords sets the minimum passage length in words.
func WithMinWords(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.minWords = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIngestor creates an ingestor over a registry and a store writer.
func NewIngestor(repo repository.DocumentRepository, writer vectorstore.Writer, opts ...Option) *Ingestor {
	i := &Ingestor{
		repo:     repo,
		writer:   writer,
		minWords: DefaultMinPassageWords,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest normalizes passages, registers filename and writes the passages.
// A filename already registered (or already present in the store) yields
// repository.ErrAlreadyExists. A failed earlier attempt is cleaned up and
// retried. Calls for the same filename run one at a time, so of two
// concurrent calls at most one succeeds.
func (i *Ingestor) Ingest(ctx context.Context, filename string, passages []passage.Passage) (*Result, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}

	unlock, err := i.locks.lock(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return i.ingest(ctx, filename, passages)
}

func (i *Ingestor) ingest(ctx context.Context, filename string, passages []passage.Passage) (*Result, error) {
	start := time.Now()

	kept, stats := Normalize(filename, passages, i.minWords)
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w in %q (received %d)", ErrNoPassages, filename, stats.Received)
	}

	if err := i.checkNotIngested(ctx, filename); err != nil {
		return nil, err
	}

	doc := &repository.Document{Filename: filename, Status: repository.StatusPending}
	if err := i.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to register document: %w", err)
	}

	if err := i.writer.Upsert(ctx, kept); err != nil {
		// Recorded even when ctx is done so the next attempt can retry.
		if uerr := i.repo.UpdateStatus(context.WithoutCancel(ctx), doc.ID, repository.StatusFailed, 0, err.Error()); uerr != nil {
			i.logger.ErrorContext(ctx, "failed to mark document failed", "filename", filename, "error", uerr)
		}
		metrics.RecordError("ingest")
		return nil, fmt.Errorf("failed to store passages: %w", err)
	}

	if err := i.repo.UpdateStatus(ctx, doc.ID, repository.StatusReady, len(kept), ""); err != nil {
		return nil, fmt.Errorf("failed to update document status: %w", err)
	}
	doc.Status = repository.StatusReady
	doc.PassageCount = len(kept)

	metrics.RecordIngest(len(kept))
	i.logger.InfoContext(ctx, "document ingested",
		"filename", filename,
		"document_id", doc.ID.String(),
		"received", stats.Received,
		"kept", stats.Kept,
		"duplicates", stats.Duplicates,
		"too_short", stats.TooShort,
		"uncategorized", stats.Uncategorized,
	)
	return &Result{Document: doc, Stats: stats, Duration: time.Since(start)}, nil
}

// Delete removes a registered document and its passages. It returns
// repository.ErrNotFound when filename was never registered.
func (i *Ingestor) Delete(ctx context.Context, filename string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}

	unlock, err := i.locks.lock(ctx, filename)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := i.repo.GetByFilename(ctx, filename)
	if err != nil {
		return err
	}
	if err := i.writer.DeleteByFilename(ctx, filename); err != nil {
		return fmt.Errorf("failed to delete passages: %w", err)
	}
	if err := i.repo.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	i.logger.InfoContext(ctx, "document deleted", "filename", filename, "document_id", doc.ID.String())
	return nil
}

func (i *Ingestor) checkNotIngested(ctx context.Context, filename string) error {
	existing, err := i.repo.GetByFilename(ctx, filename)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to look up document: %w", err)
	case existing.Status == repository.StatusFailed:
		i.logger.InfoContext(ctx, "retrying failed document", "filename", filename)
		if err := i.writer.DeleteByFilename(ctx, filename); err != nil {
			return fmt.Errorf("failed to clear partial passages: %w", err)
		}
		if err := i.repo.Delete(ctx, existing.ID); err != nil {
			return fmt.Errorf("failed to clear failed document: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("document %q: %w", filename, repository.ErrAlreadyExists)
	}

	// The store may hold passages written before the registry existed.
	present, err := i.writer.HasFilename(ctx, filename)
	if err != nil {
		return fmt.Errorf("failed to check passage store: %w", err)
	}
	if present {
		return fmt.Errorf("document %q already in passage store: %w", filename, repository.ErrAlreadyExists)
	}
	return nil
}

// ValidateFilename rejects names that cannot be used as a metadata filter.
func ValidateFilename(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: blank", ErrInvalidFilename)
	}
	if strings.ContainsFunc(filename, unicode.IsControl) {
		return fmt.Errorf("%w: contains control characters", ErrInvalidFilename)
	}
	return nil
}

// Normalize trims passages, drops uncategorized, short and duplicate ones,
// fills missing IDs and titles, and stamps filename into metadata. The input
// is not modified.
func Normalize(filename string, passages []passage.Passage, minWords int) ([]passage.Passage, Stats) {
	stats := Stats{Received: len(passages)}
	seen := make(map[string]struct{}, len(passages))
	kept := make([]passage.Passage, 0, len(passages))

	for idx, p := range passages {
		p.Content = strings.TrimSpace(p.Content)
		switch {
		case p.Content == "":
			stats.Empty++
			continue
		case p.Category() == categoryUncategorized:
			stats.Uncategorized++
			continue
		case len(strings.Fields(p.Content)) < minWords:
			stats.TooShort++
			continue
		}
		if _, dup := seen[p.Content]; dup {
			stats.Duplicates++
			continue
		}
		seen[p.Content] = struct{}{}

		if p.ID == "" {
			p.ID = strconv.Itoa(idx)
		}
		p.Title = strings.TrimSpace(p.Title)
		if p.Title == "" {
			p.Title = deriveTitle(p.Content)
		}
		p.Title = passage.TruncateTitle(p.Title)

		md := maps.Clone(p.Metadata)
		if md == nil {
			md = make(map[string]string, 1)
		}
		md[passage.MetaFilename] = filename
		p.Metadata = md

		kept = append(kept, p)
	}

	stats.Kept = len(kept)
	return kept, stats
}
