// Package passage defines the passage data model carried between retrieval stages.
package passage

import "unicode/utf8"

const (
	// MetaFilename is the metadata key holding the source document name.
	MetaFilename = "filename"

	// MetaCategory is the metadata key holding the element category assigned by the chunker.
	MetaCategory = "category"

	// MaxTitleRunes is the longest title kept on a passage.
	MaxTitleRunes = 100
)

// Passage is one chunk of a source document. Passages are immutable once
// produced by the upstream chunker.
type Passage struct {
	ID       string            `json:"id"`
	Page     string            `json:"page"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Filename returns the source document name, or "" when unset.
func (p Passage) Filename() string {
	return p.Metadata[MetaFilename]
}

// Category returns the chunker category, or "" when unset.
func (p Passage) Category() string {
	return p.Metadata[MetaCategory]
}

// ScoredCandidate is a PassageStore hit. Lower distance means more similar;
// the range is store-defined and never assumed bounded.
type ScoredCandidate struct {
	Passage        Passage
	VectorDistance float64
}

// NormalizedCandidate carries both signals on the [0,1] scale.
type NormalizedCandidate struct {
	Passage      Passage
	VectorScore  float64
	LexicalScore float64
}

// FusedCandidate is a candidate after convex score fusion.
type FusedCandidate struct {
	Passage     Passage
	FusedScore  float64
	VectorScore float64
	Lexical     float64
}

// RerankedCandidate carries a cross-encoder logit. Only the relative order
// within one request is meaningful.
type RerankedCandidate struct {
	Passage     Passage
	RerankScore float64
}

// TruncateTitle caps a title at MaxTitleRunes runes.
func TruncateTitle(title string) string {
	if utf8.RuneCountInString(title) <= MaxTitleRunes {
		return title
	}
	runes := []rune(title)
	return string(runes[:MaxTitleRunes])
}

// Contents drops everything but the passage text.
func Contents[T interface{ content() string }](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.content()
	}
	return out
}

func (c ScoredCandidate) content() string   { return c.Passage.Content }
func (c FusedCandidate) content() string    { return c.Passage.Content }
func (c RerankedCandidate) content() string { return c.Passage.Content }
