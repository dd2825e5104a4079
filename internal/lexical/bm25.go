// Package lexical scores a query against a small candidate pool with BM25.
//
// The index is built from scratch on every call and scoped to exactly the
// documents passed in, so IDF reflects the candidate pool rather than the
// corpus. There is no persisted state.
package lexical

import (
	"math"
	"strings"
)

const (
	// K1 controls term-frequency saturation.
	K1 = 1.5
	// B controls document-length normalization.
	B = 0.75
)

// Score returns one BM25 score per document, in input order. Scores are
// non-negative and unbounded above. Tokenization is whitespace splitting and
// query terms count with multiplicity.
func Score(query string, documents []string) []float64 {
	scores := make([]float64, len(documents))
	if len(documents) == 0 {
		return scores
	}

	idx := build(documents)
	if idx.avgLen == 0 {
		return scores
	}

	for _, term := range strings.Fields(query) {
		df, ok := idx.docFreq[term]
		if !ok {
			continue
		}
		idf := inverseDocFreq(len(documents), df)
		for i, freqs := range idx.termFreqs {
			tf := float64(freqs[term])
			if tf == 0 {
				continue
			}
			norm := K1 * (1 - B + B*float64(idx.lengths[i])/idx.avgLen)
			scores[i] += idf * tf * (K1 + 1) / (tf + norm)
		}
	}
	return scores
}

type index struct {
	termFreqs []map[string]int
	lengths   []int
	docFreq   map[string]int
	avgLen    float64
}

func build(documents []string) index {
	idx := index{
		termFreqs: make([]map[string]int, len(documents)),
		lengths:   make([]int, len(documents)),
		docFreq:   make(map[string]int),
	}

	total := 0
	for i, doc := range documents {
		tokens := strings.Fields(doc)
		freqs := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freqs[tok]++
		}
		for tok := range freqs {
			idx.docFreq[tok]++
		}
		idx.termFreqs[i] = freqs
		idx.lengths[i] = len(tokens)
		total += len(tokens)
	}
	idx.avgLen = float64(total) / float64(len(documents))
	return idx
}

// inverseDocFreq is always positive, including when a term occurs in every
// document of a one-document pool.
func inverseDocFreq(n, df int) float64 {
	return math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
}
