package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockRepo(t *testing.T) (*DocumentRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	repo := NewDocumentRepo(NewWithPool(mock))
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func documentRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "filename", "passage_count", "status", "error_message", "created_at", "updated_at"})
}

func TestDocumentRepo_Create(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs(pgxmock.AnyArg(), "paper.pdf", 0, "pending", "", fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	doc := &repository.Document{Filename: "paper.pdf", Status: repository.StatusPending}
	require.NoError(t, repo.Create(context.Background(), doc))

	assert.NotEqual(t, uuid.Nil, doc.ID)
	assert.Equal(t, fixedNow, doc.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_CreateDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs(pgxmock.AnyArg(), "paper.pdf", 0, "pending", "", fixedNow, fixedNow).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "documents_filename_key"})

	err := repo.Create(context.Background(), &repository.Document{Filename: "paper.pdf", Status: repository.StatusPending})
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_CreateOtherError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO documents").
		WillReturnError(errors.New("connection reset"))

	err := repo.Create(context.Background(), &repository.Document{Filename: "paper.pdf"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrAlreadyExists)
}

func TestDocumentRepo_GetByFilename(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM documents WHERE filename").
		WithArgs("paper.pdf").
		WillReturnRows(documentRows().AddRow(id, "paper.pdf", 42, "ready", "", fixedNow, fixedNow))

	doc, err := repo.GetByFilename(context.Background(), "paper.pdf")
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, 42, doc.PassageCount)
	assert.Equal(t, repository.StatusReady, doc.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_GetByFilenameNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM documents WHERE filename").
		WithArgs("missing.pdf").
		WillReturnRows(documentRows())

	_, err := repo.GetByFilename(context.Background(), "missing.pdf")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDocumentRepo_List(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("ready").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE status = \\$1 ORDER BY created_at DESC").
		WithArgs("ready", 10, 0).
		WillReturnRows(documentRows().
			AddRow(uuid.New(), "b.pdf", 3, "ready", "", fixedNow, fixedNow).
			AddRow(uuid.New(), "a.pdf", 5, "ready", "", fixedNow.Add(-time.Hour), fixedNow))

	docs, total, err := repo.List(context.Background(), repository.StatusReady, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, docs, 2)
	assert.Equal(t, "b.pdf", docs[0].Filename)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_ListUnfiltered(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT (.+) FROM documents ORDER BY").
		WithArgs(20, 40).
		WillReturnRows(documentRows())

	docs, total, err := repo.List(context.Background(), "", 20, 40)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, docs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_UpdateStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE documents").
		WithArgs(id, "failed", 0, "embedding backend down", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.UpdateStatus(context.Background(), id, repository.StatusFailed, 0, "embedding backend down"))

	mock.ExpectExec("UPDATE documents").
		WithArgs(id, "ready", 7, "", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := repo.UpdateStatus(context.Background(), id, repository.StatusReady, 7, "")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_Delete(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM documents").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, repo.Delete(context.Background(), id))

	mock.ExpectExec("DELETE FROM documents").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	assert.ErrorIs(t, repo.Delete(context.Background(), id), repository.ErrNotFound)
}

func TestDB_Migrate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, NewWithPool(mock).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
