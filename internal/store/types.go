// Package store persists documents, vocabulary terms and their
// associations, and keeps term document counts consistent under
// concurrent indexing and deletion.
//
// The store is the only component allowed to mutate the documents, terms
// and document_terms tables. Every mutating method runs in a single
// transaction inside a bounded retry loop for transient conflicts.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups that match no document.
	ErrNotFound = errors.New("document not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// Document is one indexed source file.
type Document struct {
	ID      int64
	Title   string
	Content string
	// Path is the canonical (absolute, cleaned) file path and unique key.
	Path      string
	ModTime   time.Time
	Length    int
	IndexedAt time.Time
}

// DocumentInput is the data written by UpsertDocument.
type DocumentInput struct {
	Title   string
	Content string
	Path    string
	ModTime time.Time
	// Length is the number of terms produced for the document.
	Length int
}

// Term is a vocabulary entry. DocCount equals the number of documents whose
// association set contains the term.
type Term struct {
	Term     string
	DocCount int
}

// DocumentTerm associates a term with a document.
type DocumentTerm struct {
	DocID     int64
	Term      string
	Frequency int
}

// Store is the term store contract used by the search engine.
type Store interface {
	// UpsertDocument inserts a document or fully replaces the one stored at
	// the same path, returning its stable id.
	UpsertDocument(ctx context.Context, doc DocumentInput) (int64, error)

	// BumpTermCounts increments doc_count by one for each distinct term,
	// creating missing terms with a count of one.
	BumpTermCounts(ctx context.Context, terms []string) error

	// ReplaceDocumentTerms swaps the document's association set for freqs.
	// The counts of the previous terms are decremented, so callers must
	// BumpTermCounts for the new terms first.
	ReplaceDocumentTerms(ctx context.Context, docID int64, freqs map[string]int) error

	// ReleaseTermCounts undoes a BumpTermCounts whose associations were
	// never written.
	ReleaseTermCounts(ctx context.Context, terms []string) error

	// DeleteDocument removes the document at path together with its
	// associations. It reports whether a document existed; deleting an
	// absent path succeeds without touching any term.
	DeleteDocument(ctx context.Context, path string) (bool, error)

	DocumentCount(ctx context.Context) (int, error)
	AverageDocLength(ctx context.Context) (float64, error)
	TermDocCount(ctx context.Context, term string) (int, error)
	TermDocCounts(ctx context.Context, terms []string) (map[string]int, error)
	DocumentTerms(ctx context.Context, docID int64) (map[string]int, error)
	QueryTermFrequencies(ctx context.Context, terms []string) (map[int64]map[string]int, error)
	DocumentLengths(ctx context.Context, ids []int64) (map[int64]int, error)
	DocumentPaths(ctx context.Context) ([]string, error)
	Documents(ctx context.Context) ([]Document, error)
	DocumentByPath(ctx context.Context, path string) (*Document, error)
	DocumentByID(ctx context.Context, id int64) (*Document, error)
	Terms(ctx context.Context) ([]Term, error)

	Close() error
}
