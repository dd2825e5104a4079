package ingestion

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chunksJSON = `[
  {
    "id": "0_0",
    "page": 1,
    "title": "Abstract",
    "content": "We propose a new architecture.",
    "metadata": {"filename": "paper.pdf", "category": "NarrativeText", "page_number": 1, "languages": ["eng"]}
  },
  {
    "id": "3_1",
    "page": "unknown",
    "title": "",
    "content": "Results improve.",
    "metadata": {"filename": "paper.pdf", "category": "Title", "is_continuation": true}
  }
]`

func TestLoadChunks(t *testing.T) {
	ps, err := LoadChunks(strings.NewReader(chunksJSON))
	require.NoError(t, err)
	require.Len(t, ps, 2)

	assert.Equal(t, "0_0", ps[0].ID)
	assert.Equal(t, "1", ps[0].Page)
	assert.Equal(t, "paper.pdf", ps[0].Filename())
	assert.Equal(t, "1", ps[0].Metadata["page_number"])
	assert.NotContains(t, ps[0].Metadata, "languages")

	assert.Equal(t, "unknown", ps[1].Page)
	assert.Equal(t, "Title", ps[1].Category())
	assert.Equal(t, "true", ps[1].Metadata["is_continuation"])
}

func TestLoadChunks_Invalid(t *testing.T) {
	_, err := LoadChunks(strings.NewReader(`{"not": "an array"}`))
	assert.Error(t, err)
}

func TestLoadChunksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.json")
	require.NoError(t, os.WriteFile(path, []byte(chunksJSON), 0o600))

	ps, err := LoadChunksFile(path)
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	_, err = LoadChunksFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
