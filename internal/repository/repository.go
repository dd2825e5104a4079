// Package repository defines the document registry: which source documents
// have been ingested into the passage store.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a document with the same filename is registered
	ErrAlreadyExists = errors.New("already exists")
)

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	StatusPending DocumentStatus = "pending"
	StatusReady   DocumentStatus = "ready"
	StatusFailed  DocumentStatus = "failed"
)

// Document represents an ingested source document
type Document struct {
	ID           uuid.UUID
	Filename     string
	PassageCount int
	Status       DocumentStatus
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentRepository defines operations for document persistence. Filenames
// are unique.
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByFilename(ctx context.Context, filename string) (*Document, error)
	List(ctx context.Context, status DocumentStatus, limit, offset int) ([]*Document, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, passageCount int, errMsg string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
