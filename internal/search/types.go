// Package search indexes source files into the term store and answers
// ranked queries over them, falling back to a generated answer when no
// document matches.
package search

import (
	"errors"
	"time"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// ResponseKind tells a caller how a SearchWithFallback response was produced.
type ResponseKind string

const (
	// KindResults carries ranked documents (possibly none for a blank query).
	KindResults ResponseKind = "results"
	// KindGenerated carries one synthetic answer from the fallback generator.
	KindGenerated ResponseKind = "generated"
	// KindError reports a search or fallback failure in Error.
	KindError ResponseKind = "error"
)

// Result is one ranked (or generated) hit.
type Result struct {
	DocID     int64   `json:"doc_id"`
	Title     string  `json:"title"`
	Path      string  `json:"path,omitempty"`
	Score     float64 `json:"score"`
	Preview   string  `json:"preview"`
	Generated bool    `json:"generated,omitempty"`
}

// Response is the outcome of SearchWithFallback. It never carries a Go
// error; failures are reported through Kind and Error.
type Response struct {
	Kind         ResponseKind `json:"kind"`
	Results      []Result     `json:"results"`
	UsedFallback bool         `json:"used_fallback"`
	Error        string       `json:"error,omitempty"`
}

// Stats summarizes the index.
type Stats struct {
	Documents      int     `json:"documents"`
	AverageLength  float64 `json:"average_length"`
	VocabularySize int     `json:"vocabulary_size"`
}

// DocumentInfo describes an indexed document without its content.
type DocumentInfo struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	Length    int       `json:"length"`
	ModTime   time.Time `json:"mod_time"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Evaluation holds retrieval quality for one query against a judged set.
type Evaluation struct {
	Query          string   `json:"query"`
	Retrieved      []string `json:"retrieved"`
	Relevant       []string `json:"relevant"`
	TruePositives  int      `json:"true_positives"`
	Precision      float64  `json:"precision"`
	Recall         float64  `json:"recall"`
	F1             float64  `json:"f1"`
	RetrievedCount int      `json:"retrieved_count"`
	RelevantCount  int      `json:"relevant_count"`
}

// Config shapes results and bounds indexing.
type Config struct {
	// TopK is used when a caller passes topK <= 0.
	TopK int
	// PreviewLength is the number of runes of content shown per result.
	PreviewLength int
	// MaxFileSize rejects larger files at index time; 0 disables the check.
	MaxFileSize int64
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		TopK:          10,
		PreviewLength: 200,
		MaxFileSize:   10 * 1024 * 1024,
	}
}

// evaluationDepth is the number of results judged by Evaluate.
const evaluationDepth = 10
