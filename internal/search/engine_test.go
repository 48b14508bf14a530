package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
	"github.com/Aman-CERP/docindex/internal/ranking"
	"github.com/Aman-CERP/docindex/internal/store"
	"github.com/Aman-CERP/docindex/internal/telemetry"
	"github.com/Aman-CERP/docindex/internal/text"
)

// fakeGenerator returns a scripted answer and counts calls.
type fakeGenerator struct {
	calls  atomic.Int32
	answer string
	err    error
}

func (f *fakeGenerator) Generate(_ context.Context, query string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fixture struct {
	engine  *Engine
	store   *store.SQLStore
	dir     string
	gen     *fakeGenerator
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	st, err := store.Open(context.Background(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proc, err := text.New()
	require.NoError(t, err)

	gen := &fakeGenerator{answer: "A unicorn is a mythical horse."}
	m := telemetry.NewMetrics()
	opts = append([]Option{WithMetrics(m), WithQueryLog(telemetry.NewQueryLog(telemetry.DefaultQueryLogConfig()))}, opts...)

	engine, err := New(st, proc, ranking.NewScorer(), gen, opts...)
	require.NoError(t, err)

	return &fixture{engine: engine, store: st, dir: t.TempDir(), gen: gen, metrics: m}
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) index(t *testing.T, name, content string) string {
	t.Helper()
	path := f.write(t, name, content)
	require.NoError(t, f.engine.IndexFile(context.Background(), path))
	return path
}

func TestNew_RequiresDependencies(t *testing.T) {
	proc, err := text.New()
	require.NoError(t, err)

	_, err = New(nil, proc, ranking.NewScorer(), nil)
	assert.ErrorIs(t, err, ErrNilDependency)

	st, err := store.Open(context.Background(), store.Options{})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	_, err = New(st, nil, ranking.NewScorer(), nil)
	assert.ErrorIs(t, err, ErrNilDependency)

	_, err = New(st, proc, nil, nil)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestSearch_ShorterDocumentRanksHigher(t *testing.T) {
	// Given: two documents of length 10 and 20, each containing "cat" once
	f := newFixture(t)
	short := f.index(t, "short.txt", "cat"+strings.Repeat(" dog", 9))
	long := f.index(t, "long.txt", "cat"+strings.Repeat(" dog", 19))

	// When: searching for "cat"
	results, err := f.engine.Search(context.Background(), "cat", 10)

	// Then: both match and the shorter document is first
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, short, results[0].Path)
	assert.Equal(t, long, results[1].Path)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "short", results[0].Title)
}

func TestSearch_EmptyQueryReturnsNothing(t *testing.T) {
	f := newFixture(t)
	f.index(t, "a.txt", "cat")

	for _, q := range []string{"", "   ", "the and of", "!!!"} {
		results, err := f.engine.Search(context.Background(), q, 10)
		require.NoError(t, err)
		assert.Empty(t, results, "query %q", q)
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	f := newFixture(t)

	results, err := f.engine.Search(context.Background(), "cat", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_TopKAndTies(t *testing.T) {
	// Given: three identical documents
	f := newFixture(t)
	first := f.index(t, "1.txt", "apple banana")
	second := f.index(t, "2.txt", "apple banana")
	f.index(t, "3.txt", "apple banana")

	// When: asking for two results
	results, err := f.engine.Search(context.Background(), "apple", 2)

	// Then: ties keep ascending id order and the list is truncated
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, first, results[0].Path)
	assert.Equal(t, second, results[1].Path)
	assert.Less(t, results[0].DocID, results[1].DocID)
}

func TestSearch_DefaultTopKFromConfig(t *testing.T) {
	f := newFixture(t, WithConfig(Config{TopK: 1}))
	f.index(t, "1.txt", "apple")
	f.index(t, "2.txt", "apple")

	results, err := f.engine.Search(context.Background(), "apple", 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchWithFallback_BlankQueryNeverGenerates(t *testing.T) {
	f := newFixture(t)

	resp := f.engine.SearchWithFallback(context.Background(), "", 10)

	assert.Equal(t, KindResults, resp.Kind)
	assert.Empty(t, resp.Results)
	assert.False(t, resp.UsedFallback)
	assert.Zero(t, f.gen.calls.Load())
}

func TestSearchWithFallback_ReturnsRankedResults(t *testing.T) {
	f := newFixture(t)
	f.index(t, "a.txt", "zebras have stripes")

	resp := f.engine.SearchWithFallback(context.Background(), "zebra", 10)

	assert.Equal(t, KindResults, resp.Kind)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.UsedFallback)
	assert.Zero(t, f.gen.calls.Load())
}

func TestSearchWithFallback_GeneratesWhenNothingMatches(t *testing.T) {
	// Given: an index with no unicorns
	f := newFixture(t)
	f.index(t, "a.txt", "horses and zebras")

	// When: asking about unicorns
	resp := f.engine.SearchWithFallback(context.Background(), "unicorn", 10)

	// Then: one synthetic result wraps the generated answer
	assert.Equal(t, KindGenerated, resp.Kind)
	assert.True(t, resp.UsedFallback)
	require.Len(t, resp.Results, 1)
	r := resp.Results[0]
	assert.Equal(t, int64(0), r.DocID)
	assert.Equal(t, "Answer: unicorn", r.Title)
	assert.Equal(t, 1.0, r.Score)
	assert.True(t, r.Generated)
	assert.Equal(t, "A unicorn is a mythical horse.", r.Preview)
	assert.Equal(t, int32(1), f.gen.calls.Load())

	// And: the synthetic result is not persisted
	n, err := f.store.DocumentCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FallbackCalls.WithLabelValues("ok")))
}

func TestSearchWithFallback_GeneratorFailureBecomesErrorResult(t *testing.T) {
	f := newFixture(t)
	f.gen.err = derrors.New(derrors.ErrCodeProviderUnavailable, "cannot reach Ollama", errors.New("refused"))

	resp := f.engine.SearchWithFallback(context.Background(), "unicorn", 10)

	assert.Equal(t, KindError, resp.Kind)
	assert.True(t, resp.UsedFallback)
	assert.Empty(t, resp.Results)
	assert.Contains(t, resp.Error, "cannot reach Ollama")
}

func TestSearchWithFallback_NoGenerator(t *testing.T) {
	st, err := store.Open(context.Background(), store.Options{})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	proc, err := text.New()
	require.NoError(t, err)

	engine, err := New(st, proc, ranking.NewScorer(), nil)
	require.NoError(t, err)

	resp := engine.SearchWithFallback(context.Background(), "unicorn", 10)
	assert.Equal(t, KindError, resp.Kind)
	assert.False(t, resp.UsedFallback)
	assert.NotEmpty(t, resp.Error)
}

func TestIndexFile_ReindexReplacesContent(t *testing.T) {
	// Given: an indexed file
	f := newFixture(t)
	path := f.index(t, "a.txt", "zebra")

	// When: the file changes and is indexed again
	f.index(t, "a.txt", "giraffe")

	// Then: only the new content is searchable
	results, err := f.engine.Search(context.Background(), "zebra", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = f.engine.Search(context.Background(), "giraffe", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, path, results[0].Path)

	n, err := f.store.TermDocCount(context.Background(), "zebra")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexFile_EmptyContentIndexesWithZeroLength(t *testing.T) {
	f := newFixture(t)
	path := f.index(t, "empty.txt", "")
	f.index(t, "stop.txt", "the and of")

	doc, err := f.store.DocumentByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Zero(t, doc.Length)

	stats, err := f.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Zero(t, stats.VocabularySize)
}

func TestIndexFile_MissingFileCommitsNothing(t *testing.T) {
	f := newFixture(t)

	err := f.engine.IndexFile(context.Background(), filepath.Join(f.dir, "missing.txt"))

	require.Error(t, err)
	assert.Equal(t, derrors.ErrCodeFileNotFound, derrors.GetCode(err))
	n, err := f.store.DocumentCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DocsIndexed.WithLabelValues("error")))
}

func TestIndexFile_RejectsOversizedAndDirectories(t *testing.T) {
	f := newFixture(t, WithConfig(Config{MaxFileSize: 8}))
	path := f.write(t, "big.txt", "this is more than eight bytes")

	err := f.engine.IndexFile(context.Background(), path)
	assert.Equal(t, derrors.ErrCodeFileTooLarge, derrors.GetCode(err))

	err = f.engine.IndexFile(context.Background(), f.dir)
	assert.Equal(t, derrors.ErrCodeInvalidPath, derrors.GetCode(err))

	err = f.engine.IndexFile(context.Background(), "")
	assert.Equal(t, derrors.ErrCodeInvalidPath, derrors.GetCode(err))
}

// failingStore fails ReplaceDocumentTerms to exercise compensation.
type failingStore struct {
	*store.SQLStore
}

func (s failingStore) ReplaceDocumentTerms(context.Context, int64, map[string]int) error {
	return errors.New("disk full")
}

func TestIndexFile_FailureAfterUpsertRollsBack(t *testing.T) {
	// Given: a store that fails while writing associations
	st, err := store.Open(context.Background(), store.Options{})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	proc, err := text.New()
	require.NoError(t, err)
	engine, err := New(failingStore{st}, proc, ranking.NewScorer(), nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("zebra stripes"), 0o644))

	// When: indexing
	err = engine.IndexFile(context.Background(), path)

	// Then: the call fails and neither the document nor its term counts remain
	require.Error(t, err)
	assert.Equal(t, derrors.ErrCodeIndexFailed, derrors.GetCode(err))

	n, err := st.DocumentCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	terms, err := st.Terms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestRemoveDocument_ZebraScenario(t *testing.T) {
	// Given: the only document containing "zebra" and another document
	f := newFixture(t)
	zebra := f.index(t, "zebra.txt", "zebra stripes")
	f.index(t, "horse.txt", "horse stripes")

	// When: it is removed
	require.NoError(t, f.engine.RemoveDocument(context.Background(), zebra))

	// Then: the term record is gone
	n, err := f.store.TermDocCount(context.Background(), "zebra")
	require.NoError(t, err)
	assert.Zero(t, n)

	terms, err := f.store.Terms(context.Background())
	require.NoError(t, err)
	for _, term := range terms {
		assert.NotEqual(t, "zebra", term.Term)
	}
}

func TestRemoveDocument_IdempotentWithoutTouchingCounts(t *testing.T) {
	f := newFixture(t)
	f.index(t, "a.txt", "cat")

	before, err := f.store.Terms(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.engine.RemoveDocument(context.Background(), filepath.Join(f.dir, "never.txt")))
	require.NoError(t, f.engine.RemoveDocument(context.Background(), filepath.Join(f.dir, "never.txt")))

	after, err := f.store.Terms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIndexedPathsAndDocuments(t *testing.T) {
	f := newFixture(t)
	a := f.index(t, "a.txt", "cat")
	b := f.index(t, "sub/b.txt", "dog")

	paths, err := f.engine.IndexedPaths(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, paths)

	docs, err := f.engine.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Title)

	doc, err := f.engine.Document(context.Background(), docs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "dog", doc.Content)

	_, err = f.engine.Document(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvaluate(t *testing.T) {
	// Given: two documents about cats and one about owls
	f := newFixture(t)
	a := f.index(t, "a.txt", "cat")
	f.index(t, "b.txt", "cat dog")
	c := f.index(t, "c.txt", "owl")

	// When: judging "cat" against {a, c}
	eval, err := f.engine.Evaluate(context.Background(), "cat", []string{a, c, a})

	// Then: one of two retrieved is relevant and one of two relevant is retrieved
	require.NoError(t, err)
	assert.Equal(t, 1, eval.TruePositives)
	assert.Equal(t, 2, eval.RetrievedCount)
	assert.Equal(t, 2, eval.RelevantCount)
	assert.InDelta(t, 0.5, eval.Precision, 1e-9)
	assert.InDelta(t, 0.5, eval.Recall, 1e-9)
	assert.InDelta(t, 0.5, eval.F1, 1e-9)
}

func TestEvaluate_NothingRetrieved(t *testing.T) {
	f := newFixture(t)
	a := f.index(t, "a.txt", "cat")

	eval, err := f.engine.Evaluate(context.Background(), "unicorn", []string{a})
	require.NoError(t, err)
	assert.Zero(t, eval.Precision)
	assert.Zero(t, eval.Recall)
	assert.Zero(t, eval.F1)
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name    string
		content string
		n       int
		want    string
	}{
		{"short content untouched", "hello", 200, "hello"},
		{"exact length untouched", strings.Repeat("a", 200), 200, strings.Repeat("a", 200)},
		{"long content truncated", strings.Repeat("a", 201), 200, strings.Repeat("a", 200) + "..."},
		{"counts runes not bytes", "ééé", 2, "éé..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.content, tt.n))
		})
	}
}

func TestIndexFile_SymlinkedDirectoryIsOneDocument(t *testing.T) {
	// Given: a file indexed through its real path, and a symlink to its
	// directory
	f := newFixture(t)
	realPath := f.index(t, "zebra.txt", "A zebra has stripes.")
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(f.dir, link))
	viaLink := filepath.Join(link, "zebra.txt")
	ctx := context.Background()

	// When: the same file is indexed through the link
	require.NoError(t, f.engine.IndexFile(ctx, viaLink))

	// Then: there is still one document and one zebra
	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	n, err := f.store.TermDocCount(ctx, "zebra")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// When: it is removed through the link after the file is deleted
	require.NoError(t, os.Remove(realPath))
	require.NoError(t, f.engine.RemoveDocument(ctx, viaLink))

	// Then: the document and its term are gone
	paths, err := f.engine.IndexedPaths(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)
	n, err = f.store.TermDocCount(ctx, "zebra")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCanonicalPath(t *testing.T) {
	realDir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(realDir)
	require.NoError(t, err)
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(realDir, link))

	tests := []struct {
		name string
		path string
		want string
	}{
		{"symlinked directory resolved", filepath.Join(link, "a.txt"), filepath.Join(resolved, "a.txt")},
		{"missing subdirectory kept under resolved parent", filepath.Join(link, "gone", "b.txt"), filepath.Join(resolved, "gone", "b.txt")},
		{"dot segments cleaned", filepath.Join(link, "x", "..", "c.txt"), filepath.Join(resolved, "c.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalPath(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = CanonicalPath("  ")
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeInvalidPath))
}

func TestTitleFromPath(t *testing.T) {
	assert.Equal(t, "notes", TitleFromPath("/docs/notes.txt"))
	assert.Equal(t, "archive.tar", TitleFromPath("/docs/archive.tar.gz"))
	assert.Equal(t, ".txt", TitleFromPath("/docs/.txt"))
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.index(t, "a.txt", "cat dog")
	f.index(t, "b.txt", "cat cat owl fox")

	stats, err := f.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.InDelta(t, 3.0, stats.AverageLength, 1e-9)
	assert.Equal(t, 4, stats.VocabularySize)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Documents))
}
