package ingestion

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/knoguchi/hybridrag/internal/passage"
)

// chunkRecord is one element of the chunker's JSON output. Page numbers and
// metadata values arrive with mixed types.
type chunkRecord struct {
	ID       any            `json:"id"`
	Page     any            `json:"page"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// LoadChunks decodes a JSON array of chunks into passages. Non-scalar
// metadata values are dropped.
func LoadChunks(r io.Reader) ([]passage.Passage, error) {
	var records []chunkRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode chunks: %w", err)
	}

	out := make([]passage.Passage, len(records))
	for i, rec := range records {
		md := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			if s, ok := scalarString(v); ok {
				md[k] = s
			}
		}
		id, _ := scalarString(rec.ID)
		page, _ := scalarString(rec.Page)
		out[i] = passage.Passage{
			ID:       id,
			Page:     page,
			Title:    rec.Title,
			Content:  rec.Content,
			Metadata: md,
		}
	}
	return out, nil
}

// LoadChunksFile reads chunks from a JSON file.
func LoadChunksFile(path string) ([]passage.Passage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunks file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadChunks(f)
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
