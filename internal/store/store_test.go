package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), Options{Driver: DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// indexDoc performs the same ordered sequence the search engine uses.
func indexDoc(t *testing.T, s Store, path string, freqs map[string]int) int64 {
	t.Helper()
	ctx := context.Background()

	length := 0
	terms := make([]string, 0, len(freqs))
	for term, f := range freqs {
		terms = append(terms, term)
		length += f
	}

	id, err := s.UpsertDocument(ctx, DocumentInput{
		Title:   filepath.Base(path),
		Content: fmt.Sprint(freqs),
		Path:    path,
		ModTime: time.Unix(1700000000, 0),
		Length:  length,
	})
	require.NoError(t, err)
	require.NoError(t, s.BumpTermCounts(ctx, terms))
	require.NoError(t, s.ReplaceDocumentTerms(ctx, id, freqs))
	return id
}

// assertTermCountsConsistent checks that every stored doc_count equals the
// number of associations for the term and that no term is orphaned.
func assertTermCountsConsistent(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	docs, err := s.Documents(ctx)
	require.NoError(t, err)

	expected := make(map[string]int)
	for _, doc := range docs {
		freqs, err := s.DocumentTerms(ctx, doc.ID)
		require.NoError(t, err)
		for term := range freqs {
			expected[term]++
		}
	}

	terms, err := s.Terms(ctx)
	require.NoError(t, err)

	actual := make(map[string]int, len(terms))
	for _, term := range terms {
		assert.Positive(t, term.DocCount, "term %q has non-positive count", term.Term)
		actual[term.Term] = term.DocCount
	}
	assert.Equal(t, expected, actual)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	require.Error(t, err)
	assert.Equal(t, derrors.ErrCodeConfigInvalid, derrors.GetCode(err))
}

func TestOpen_FileDatabaseSurvivesReopen(t *testing.T) {
	// Given: a file-backed store with one document
	path := filepath.Join(t.TempDir(), "nested", "index.db")
	s, err := Open(context.Background(), Options{Path: path})
	require.NoError(t, err)
	indexDoc(t, s, "/docs/a.txt", map[string]int{"cat": 1})
	require.NoError(t, s.Close())

	// When: reopening the same file
	s, err = Open(context.Background(), Options{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// Then: the document is still there
	n, err := s.DocumentCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, DriverSQLite, s.Driver())
}

func TestUpsertDocument_StableIDForSamePath(t *testing.T) {
	// Given: an empty store
	s := newTestStore(t)
	ctx := context.Background()

	// When: upserting the same path twice with different content
	id1, err := s.UpsertDocument(ctx, DocumentInput{Title: "a", Content: "one", Path: "/docs/a.txt", Length: 1})
	require.NoError(t, err)
	id2, err := s.UpsertDocument(ctx, DocumentInput{Title: "a", Content: "two", Path: "/docs/a.txt", Length: 5})
	require.NoError(t, err)

	// Then: the id is preserved and the row replaced
	assert.Equal(t, id1, id2)

	doc, err := s.DocumentByPath(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", doc.Content)
	assert.Equal(t, 5, doc.Length)
	assert.False(t, doc.IndexedAt.IsZero())

	n, err := s.DocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertDocument_UsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := Open(context.Background(), Options{Now: func() time.Time { return fixed }})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	id, err := s.UpsertDocument(context.Background(), DocumentInput{Title: "a", Path: "/a.txt"})
	require.NoError(t, err)

	doc, err := s.DocumentByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, fixed.Equal(doc.IndexedAt))
	assert.True(t, doc.ModTime.IsZero())
}

func TestReplaceDocumentTerms_ReindexReplacesAssociations(t *testing.T) {
	// Given: a document indexed with {cat, dog}
	s := newTestStore(t)
	ctx := context.Background()
	indexDoc(t, s, "/docs/a.txt", map[string]int{"cat": 2, "dog": 1})
	indexDoc(t, s, "/docs/b.txt", map[string]int{"dog": 1})

	// When: the same file is re-indexed with {cat, fish}
	id := indexDoc(t, s, "/docs/a.txt", map[string]int{"cat": 1, "fish": 3})

	// Then: associations reflect only the new content
	freqs, err := s.DocumentTerms(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cat": 1, "fish": 3}, freqs)

	// And: counts are exact with no double counting
	counts, err := s.TermDocCounts(ctx, []string{"cat", "dog", "fish", "bird"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cat": 1, "dog": 1, "fish": 1}, counts)
	assertTermCountsConsistent(t, s)
}

func TestReplaceDocumentTerms_PurgesDroppedTerms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	indexDoc(t, s, "/docs/a.txt", map[string]int{"zebra": 1})

	// When: re-indexed with content that no longer mentions zebra
	indexDoc(t, s, "/docs/a.txt", map[string]int{"horse": 1})

	// Then: zebra is gone from the vocabulary
	n, err := s.TermDocCount(ctx, "zebra")
	require.NoError(t, err)
	assert.Zero(t, n)
	assertTermCountsConsistent(t, s)
}

func TestReplaceDocumentTerms_UnknownDocument(t *testing.T) {
	s := newTestStore(t)

	err := s.ReplaceDocumentTerms(context.Background(), 42, map[string]int{"cat": 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseTermCounts_UndoesBump(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	indexDoc(t, s, "/docs/a.txt", map[string]int{"cat": 1})

	// Given: a bump whose associations were never written
	require.NoError(t, s.BumpTermCounts(ctx, []string{"cat", "owl"}))

	// When: releasing it
	require.NoError(t, s.ReleaseTermCounts(ctx, []string{"owl", "cat", "owl"}))

	// Then: the store is back where it was
	terms, err := s.Terms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Term{{Term: "cat", DocCount: 1}}, terms)
}

func TestBumpTermCounts_DeduplicatesTerms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BumpTermCounts(ctx, []string{"b", "a", "b"}))
	require.NoError(t, s.BumpTermCounts(ctx, nil))

	terms, err := s.Terms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Term{{Term: "a", DocCount: 1}, {Term: "b", DocCount: 1}}, terms)
}

func TestDeleteDocument_Idempotent(t *testing.T) {
	// Given: one indexed document
	s := newTestStore(t)
	ctx := context.Background()
	indexDoc(t, s, "/docs/a.txt", map[string]int{"cat": 1})

	// When: deleting twice
	existed, err := s.DeleteDocument(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteDocument(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.False(t, existed)

	// Then: nothing remains
	n, err := s.DocumentCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	terms, err := s.Terms(ctx)
	require.NoError(t, err)
	assert.Empty(t, terms)

	_, err = s.DocumentByPath(ctx, "/docs/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDocument_ZebraLeavesVocabulary(t *testing.T) {
	// Given: two documents where only one mentions zebra
	s := newTestStore(t)
	ctx := context.Background()
	indexDoc(t, s, "/docs/a.txt", map[string]int{"zebra": 2, "stripe": 1})
	indexDoc(t, s, "/docs/b.txt", map[string]int{"stripe": 1})

	// When: the zebra document is deleted
	existed, err := s.DeleteDocument(ctx, "/docs/a.txt")
	require.NoError(t, err)
	require.True(t, existed)

	// Then: zebra is removed while the shared term keeps its other document
	counts, err := s.TermDocCounts(ctx, []string{"zebra", "stripe"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"stripe": 1}, counts)
	assertTermCountsConsistent(t, s)
}

func TestAverageDocLength(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	avg, err := s.AverageDocLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, avg)

	indexDoc(t, s, "/docs/a.txt", map[string]int{"cat": 2})
	indexDoc(t, s, "/docs/b.txt", map[string]int{"cat": 1, "dog": 2, "owl": 2})

	avg, err = s.AverageDocLength(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, avg, 1e-9)
}

func TestQueryTermFrequencies_OnlyMatchingDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := indexDoc(t, s, "/docs/a.txt", map[string]int{"cat": 2, "dog": 1})
	b := indexDoc(t, s, "/docs/b.txt", map[string]int{"dog": 4})
	indexDoc(t, s, "/docs/c.txt", map[string]int{"owl": 1})

	got, err := s.QueryTermFrequencies(ctx, []string{"cat", "dog", "cat"})
	require.NoError(t, err)
	assert.Equal(t, map[int64]map[string]int{
		a: {"cat": 2, "dog": 1},
		b: {"dog": 4},
	}, got)

	empty, err := s.QueryTermFrequencies(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDocumentLengthsAndPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := indexDoc(t, s, "/docs/b.txt", map[string]int{"cat": 2, "dog": 1})
	b := indexDoc(t, s, "/docs/a.txt", map[string]int{"owl": 1})

	lengths, err := s.DocumentLengths(ctx, []int64{a, b, 999})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{a: 3, b: 1}, lengths)

	paths, err := s.DocumentPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs/a.txt", "/docs/b.txt"}, paths)
}

func TestDocuments_OrderedByID(t *testing.T) {
	s := newTestStore(t)
	indexDoc(t, s, "/docs/b.txt", map[string]int{"b": 1})
	indexDoc(t, s, "/docs/a.txt", map[string]int{"a": 1})

	docs, err := s.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "/docs/b.txt", docs[0].Path)
	assert.Equal(t, "/docs/a.txt", docs[1].Path)
	assert.Less(t, docs[0].ID, docs[1].ID)
}

func TestSQLStore_ClosedStore(t *testing.T) {
	s, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.DocumentCount(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.DeleteDocument(context.Background(), "/a.txt")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLStore_LockedDatabaseExhaustsRetries(t *testing.T) {
	// Given: two stores on one file, the first holding an open write
	// transaction
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	holder, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })

	var mu sync.Mutex
	retries := map[string]int{}
	s, err := Open(ctx, Options{
		Path:        path,
		BusyTimeout: 10 * time.Millisecond,
		Retry: derrors.RetryConfig{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		OnRetry: func(op string, _ error) {
			mu.Lock()
			defer mu.Unlock()
			retries[op]++
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tx, err := holder.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })
	_, err = tx.ExecContext(ctx, `INSERT INTO terms (term, doc_count) VALUES ('held', 1)`)
	require.NoError(t, err)

	// When: a mutation runs while the database is locked
	err = s.BumpTermCounts(ctx, []string{"cat"})

	// Then: three attempts are made, two retries reported, and the budget
	// is surfaced as exhausted
	require.Error(t, err)
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeRetriesExhausted), "got %v", err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	mu.Lock()
	total := 0
	for _, n := range retries {
		total += n
	}
	mu.Unlock()
	assert.Equal(t, 2, total)

	// When: the lock is released
	require.NoError(t, tx.Rollback())

	// Then: the same mutation succeeds
	require.NoError(t, s.BumpTermCounts(ctx, []string{"cat"}))
	n, err := s.TermDocCount(ctx, "cat")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLStore_PermanentErrorIsNotRetried(t *testing.T) {
	retries := 0
	s, err := Open(context.Background(), Options{
		OnRetry: func(string, error) { retries++ },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	err = s.ReplaceDocumentTerms(context.Background(), 42, map[string]int{"cat": 1})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, derrors.HasCode(err, derrors.ErrCodeRetriesExhausted))
	assert.Zero(t, retries)
}

func TestSQLStore_ConcurrentDeletesOfSamePath(t *testing.T) {
	// Given: a document sharing a term with another document
	s, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	indexDoc(t, s, "/docs/a.txt", map[string]int{"cat": 1, "zebra": 1})
	indexDoc(t, s, "/docs/b.txt", map[string]int{"cat": 1})

	// When: many goroutines delete the same path
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			existed, err := s.DeleteDocument(context.Background(), "/docs/a.txt")
			assert.NoError(t, err)
			if existed {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Then: exactly one delete observed the document and counts are exact
	assert.Equal(t, 1, removed)
	assertTermCountsConsistent(t, s)

	n, err := s.TermDocCount(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLStore_RandomOperationsKeepCountsExact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	vocabulary := []string{"ant", "bee", "cat", "dog", "eel", "fox"}
	paths := []string{"/d/1.txt", "/d/2.txt", "/d/3.txt", "/d/4.txt"}

	for i := 0; i < 200; i++ {
		path := paths[rng.Intn(len(paths))]
		if rng.Intn(3) == 0 {
			_, err := s.DeleteDocument(ctx, path)
			require.NoError(t, err)
			continue
		}

		freqs := make(map[string]int)
		for _, term := range vocabulary {
			if rng.Intn(2) == 0 {
				freqs[term] = rng.Intn(4) + 1
			}
		}
		indexDoc(t, s, path, freqs)
	}

	assertTermCountsConsistent(t, s)
}

func TestSQLStore_ConcurrentIndexAndDelete(t *testing.T) {
	s, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < 20; i++ {
				path := fmt.Sprintf("/d/%d.txt", i%3)
				if (i+w)%4 == 0 {
					_, err := s.DeleteDocument(ctx, path)
					assert.NoError(t, err)
					continue
				}
				freqs := map[string]int{"shared": 1, fmt.Sprintf("w%d", w): 1}
				terms := []string{"shared", fmt.Sprintf("w%d", w)}
				id, err := s.UpsertDocument(ctx, DocumentInput{Title: path, Path: path, Length: 2})
				if !assert.NoError(t, err) {
					return
				}
				if !assert.NoError(t, s.BumpTermCounts(ctx, terms)) {
					return
				}
				if err := s.ReplaceDocumentTerms(ctx, id, freqs); err != nil {
					// A concurrent delete removed the row between the steps
					assert.ErrorIs(t, err, ErrNotFound)
					assert.NoError(t, s.ReleaseTermCounts(ctx, terms))
				}
			}
		}(w)
	}
	wg.Wait()

	assertTermCountsConsistent(t, s)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect dialect
		query   string
		want    string
	}{
		{"sqlite untouched", sqliteDialect, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", postgresDialect, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres no params", postgresDialect, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.rebind(tt.query))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"sqlite table locked", errors.New("database table is locked"), true},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"pg serialization", &pq.Error{Code: "40001"}, true},
		{"pg deadlock", &pq.Error{Code: "40P01"}, true},
		{"pg lock timeout", &pq.Error{Code: "55P03"}, true},
		{"pg connection", &pq.Error{Code: "08006"}, true},
		{"pg unique violation", &pq.Error{Code: "23505"}, false},
		{"context canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), false},
		{"other", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestDialectFor(t *testing.T) {
	d, err := dialectFor("")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, d.name)

	d, err = dialectFor("POSTGRES")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, d.name)
	assert.Equal(t, " FOR UPDATE", d.lockRow)

	_, err = dialectFor("mysql")
	assert.Error(t, err)
}
