package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/knoguchi/hybridrag/internal/repository"
)

const uniqueViolation = "23505"

const documentColumns = `id, filename, passage_count, status, error_message, created_at, updated_at`

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db  *DB
	now func() time.Time
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db, now: time.Now}
}

// Create registers a document. A duplicate filename yields repository.ErrAlreadyExists.
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.now().UTC()
	}
	doc.UpdatedAt = doc.CreatedAt

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.Filename, doc.PassageCount, string(doc.Status), doc.ErrorMessage,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("document %q: %w", doc.Filename, repository.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByFilename retrieves a document by its source filename
func (r *DocumentRepo) GetByFilename(ctx context.Context, filename string) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE filename = $1`

	doc, err := scanDocument(r.db.Pool.QueryRow(ctx, query, filename))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// List retrieves documents with pagination, newest first
func (r *DocumentRepo) List(ctx context.Context, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	countQuery := `SELECT COUNT(*) FROM documents`
	listQuery := `SELECT ` + documentColumns + ` FROM documents`
	var args []any

	if status != "" {
		countQuery += ` WHERE status = $1`
		listQuery += ` WHERE status = $1`
		args = append(args, string(status))
	}
	listQuery += fmt.Sprintf(` ORDER BY created_at DESC, filename LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, listQuery, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []*repository.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, total, nil
}

// UpdateStatus records the ingestion outcome
func (r *DocumentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status repository.DocumentStatus, passageCount int, errMsg string) error {
	query := `
		UPDATE documents
		SET status = $2, passage_count = $3, error_message = $4, updated_at = $5
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, string(status), passageCount, errMsg, r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete deletes a document
func (r *DocumentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanDocument(row pgx.Row) (*repository.Document, error) {
	var doc repository.Document
	var status string
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.PassageCount, &status, &doc.ErrorMessage,
		&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Status = repository.DocumentStatus(status)
	return &doc, nil
}

var _ repository.DocumentRepository = (*DocumentRepo)(nil)
