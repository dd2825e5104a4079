package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a process-local DocumentRepository used when no database is configured.
type MemoryRepo struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]*Document
	now  func() time.Time
}

// NewMemoryRepo creates an empty registry.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		docs: make(map[uuid.UUID]*Document),
		now:  time.Now,
	}
}

// Create registers a document, assigning an ID and timestamps when unset.
func (r *MemoryRepo) Create(_ context.Context, doc *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.docs {
		if d.Filename == doc.Filename {
			return ErrAlreadyExists
		}
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.now()
	}
	doc.UpdatedAt = doc.CreatedAt

	stored := *doc
	r.docs[doc.ID] = &stored
	return nil
}

// GetByFilename returns the document registered under filename.
func (r *MemoryRepo) GetByFilename(_ context.Context, filename string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.docs {
		if d.Filename == filename {
			out := *d
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// List returns documents newest first, optionally filtered by status.
func (r *MemoryRepo) List(_ context.Context, status DocumentStatus, limit, offset int) ([]*Document, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Document
	for _, d := range r.docs {
		if status != "" && d.Status != status {
			continue
		}
		out := *d
		matched = append(matched, &out)
	}
	slices.SortFunc(matched, func(a, b *Document) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Filename, b.Filename)
	})

	total := len(matched)
	if offset >= total {
		return []*Document{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// UpdateStatus records the ingestion outcome.
func (r *MemoryRepo) UpdateStatus(_ context.Context, id uuid.UUID, status DocumentStatus, passageCount int, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.PassageCount = passageCount
	d.ErrorMessage = errMsg
	d.UpdatedAt = r.now()
	return nil
}

// Delete removes a document from the registry.
func (r *MemoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.docs[id]; !ok {
		return ErrNotFound
	}
	delete(r.docs, id)
	return nil
}

var _ DocumentRepository = (*MemoryRepo)(nil)
