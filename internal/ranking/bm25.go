// Package ranking scores documents against a bag-of-terms query with BM25.
package ranking

import (
	"fmt"
	"math"
)

// Default BM25 parameters.
const (
	DefaultK1       = 2.0
	DefaultB        = 0.75
	DefaultIDFFloor = 0.001
)

// IDFMode selects the inverse document frequency formula.
type IDFMode string

const (
	// IDFClassic is ln(N/n). A term present in every document weighs zero.
	IDFClassic IDFMode = "classic"
	// IDFFloored is IDFClassic clamped to at least Floor for any term that
	// occurs in the corpus, so universal terms still rank by frequency and
	// length.
	IDFFloored IDFMode = "floored"
	// IDFSmoothed is ln(1 + (N-n+0.5)/(n+0.5)), always positive.
	IDFSmoothed IDFMode = "smoothed"
)

// ParseIDFMode validates a configured mode name.
func ParseIDFMode(s string) (IDFMode, error) {
	switch m := IDFMode(s); m {
	case IDFClassic, IDFFloored, IDFSmoothed:
		return m, nil
	default:
		return "", fmt.Errorf("unknown idf mode %q", s)
	}
}

// Corpus carries the collection statistics a score depends on.
type Corpus struct {
	// TotalDocs is N, the number of indexed documents.
	TotalDocs int
	// DocFreq maps a term to the number of documents containing it.
	DocFreq map[string]int
}

// Scorer computes BM25 scores. The zero value is not useful; use NewScorer.
type Scorer struct {
	K1    float64
	B     float64
	IDF   IDFMode
	Floor float64
}

// NewScorer returns a scorer with k1 = 2.0, b = 0.75 and floored IDF.
func NewScorer() *Scorer {
	return &Scorer{
		K1:    DefaultK1,
		B:     DefaultB,
		IDF:   IDFFloored,
		Floor: DefaultIDFFloor,
	}
}

// InverseDocFreq returns the idf of a term occurring in n of total documents.
// n = 0, total = 0 and n > total (a read racing a concurrent update) all
// yield 0.
func (s *Scorer) InverseDocFreq(n, total int) float64 {
	if n <= 0 || total <= 0 || n > total {
		return 0
	}

	N, df := float64(total), float64(n)
	switch s.IDF {
	case IDFSmoothed:
		return math.Log(1 + (N-df+0.5)/(df+0.5))
	case IDFFloored:
		return math.Max(math.Log(N/df), s.Floor)
	default:
		return math.Log(N / df)
	}
}

// Score returns the BM25 score of one document. docTerms maps terms to their
// frequency in the document; it only needs entries for query terms. Query
// terms absent from the document contribute zero, and a term repeated in
// the query is counted once per occurrence.
func (s *Scorer) Score(docTerms map[string]int, queryTerms []string, docLength int, avgDocLength float64, corpus Corpus) float64 {
	avgdl := math.Max(avgDocLength, 1.0)
	norm := s.K1 * (1 - s.B + s.B*(float64(docLength)/avgdl))

	var score float64
	for _, term := range queryTerms {
		f := docTerms[term]
		if f <= 0 {
			continue
		}
		idf := s.InverseDocFreq(corpus.DocFreq[term], corpus.TotalDocs)
		if idf == 0 {
			continue
		}
		tf := float64(f)
		score += idf * tf * (s.K1 + 1) / (tf + norm)
	}
	return score
}
