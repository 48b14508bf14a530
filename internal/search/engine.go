package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
	"github.com/Aman-CERP/docindex/internal/generate"
	"github.com/Aman-CERP/docindex/internal/ranking"
	"github.com/Aman-CERP/docindex/internal/store"
	"github.com/Aman-CERP/docindex/internal/telemetry"
	"github.com/Aman-CERP/docindex/internal/text"
)

// Engine indexes files and ranks documents with BM25. It is safe for
// concurrent use; consistency under concurrent indexing is provided by the
// store.
type Engine struct {
	store     store.Store
	processor *text.Processor
	scorer    *ranking.Scorer
	generator generate.Generator
	config    Config
	metrics   *telemetry.Metrics
	queryLog  *telemetry.QueryLog
	logger    *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithConfig overrides the default configuration. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.TopK > 0 {
			e.config.TopK = cfg.TopK
		}
		if cfg.PreviewLength > 0 {
			e.config.PreviewLength = cfg.PreviewLength
		}
		if cfg.MaxFileSize > 0 {
			e.config.MaxFileSize = cfg.MaxFileSize
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithQueryLog sets an in-process query log.
func WithQueryLog(l *telemetry.QueryLog) Option {
	return func(e *Engine) {
		e.queryLog = l
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine. generator may be nil, in which case
// SearchWithFallback reports an error result instead of generating.
func New(
	st store.Store,
	processor *text.Processor,
	scorer *ranking.Scorer,
	generator generate.Generator,
	opts ...Option,
) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrNilDependency)
	}
	if processor == nil {
		return nil, fmt.Errorf("%w: text processor is required", ErrNilDependency)
	}
	if scorer == nil {
		return nil, fmt.Errorf("%w: scorer is required", ErrNilDependency)
	}

	e := &Engine{
		store:     st,
		processor: processor,
		scorer:    scorer,
		generator: generator,
		config:    DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// IndexFile reads path and makes the index reflect its current content.
// Nothing is committed when the file is missing or unreadable. If a later
// step fails, the partial document is rolled back.
func (e *Engine) IndexFile(ctx context.Context, path string) (err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveIndex(err, time.Since(start)) }()

	canonical, err := CanonicalPath(path)
	if err != nil {
		return err
	}

	content, modTime, err := e.readSource(canonical)
	if err != nil {
		e.logger.Warn("index_read_failed",
			slog.String("path", canonical),
			slog.String("error", err.Error()))
		return err
	}

	tokens := e.processor.Tokenize(content)
	freqs := text.TermFrequencies(tokens)
	terms := text.UniqueTerms(tokens)

	id, err := e.store.UpsertDocument(ctx, store.DocumentInput{
		Title:   TitleFromPath(canonical),
		Content: content,
		Path:    canonical,
		ModTime: modTime,
		Length:  len(tokens),
	})
	if err != nil {
		return indexError(canonical, "store document", err)
	}

	if err := e.store.BumpTermCounts(ctx, terms); err != nil {
		e.compensate(ctx, canonical, nil)
		return indexError(canonical, "update term counts", err)
	}

	if err := e.store.ReplaceDocumentTerms(ctx, id, freqs); err != nil {
		e.compensate(ctx, canonical, terms)
		return indexError(canonical, "store associations", err)
	}

	e.logger.Debug("document_indexed",
		slog.String("path", canonical),
		slog.Int64("doc_id", id),
		slog.Int("length", len(tokens)),
		slog.Int("unique_terms", len(terms)),
		slog.Duration("took", time.Since(start)))
	return nil
}

// compensate undoes a partially indexed document. bumped lists the terms
// whose counts were incremented without matching associations.
func (e *Engine) compensate(ctx context.Context, path string, bumped []string) {
	// Rollback must run even when the caller's context is already done
	ctx = context.WithoutCancel(ctx)

	if len(bumped) > 0 {
		if err := e.store.ReleaseTermCounts(ctx, bumped); err != nil {
			e.logger.Error("index_compensation_failed",
				slog.String("path", path),
				slog.String("step", "release term counts"),
				slog.String("error", err.Error()))
		}
	}
	if _, err := e.store.DeleteDocument(ctx, path); err != nil {
		e.logger.Error("index_compensation_failed",
			slog.String("path", path),
			slog.String("step", "delete document"),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) readSource(path string) (string, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", time.Time{}, fileError(path, err)
	}
	if info.IsDir() {
		return "", time.Time{}, derrors.New(derrors.ErrCodeInvalidPath, "path is a directory", nil).
			WithDetail("path", path)
	}
	if e.config.MaxFileSize > 0 && info.Size() > e.config.MaxFileSize {
		return "", time.Time{}, derrors.New(derrors.ErrCodeFileTooLarge,
			fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), e.config.MaxFileSize), nil).
			WithDetail("path", path).
			WithSuggestion("Raise watch.max_file_size in .docindex.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, fileError(path, err)
	}

	content := string(data)
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "\uFFFD")
	}
	return content, info.ModTime(), nil
}

// RemoveDocument deletes the document stored for path. Removing a path
// that is not indexed succeeds.
func (e *Engine) RemoveDocument(ctx context.Context, path string) error {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return err
	}

	existed, err := e.store.DeleteDocument(ctx, canonical)
	if err != nil {
		return fmt.Errorf("remove %s: %w", canonical, err)
	}
	if existed {
		e.metrics.ObserveRemove()
		e.logger.Debug("document_removed", slog.String("path", canonical))
	}
	return nil
}

// IndexedPaths returns the canonical paths of every indexed document.
func (e *Engine) IndexedPaths(ctx context.Context) ([]string, error) {
	return e.store.DocumentPaths(ctx)
}

// Search ranks indexed documents against query. A query with no indexable
// terms returns no results. topK <= 0 uses the configured default.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	start := time.Now()
	results, terms, err := e.rank(ctx, query, topK)

	outcome := telemetry.OutcomeResults
	switch {
	case err != nil:
		outcome = telemetry.OutcomeError
	case len(results) == 0:
		outcome = telemetry.OutcomeEmpty
	}
	e.record(query, terms, outcome, len(results), time.Since(start))

	return results, err
}

// SearchWithFallback runs Search and, when nothing matches a non-blank
// query, asks the generator for an answer. It never returns an error:
// failures become a KindError response.
func (e *Engine) SearchWithFallback(ctx context.Context, query string, topK int) Response {
	start := time.Now()
	results, terms, err := e.rank(ctx, query, topK)
	if err != nil {
		e.logger.Error("search_failed",
			slog.String("query", query),
			slog.String("error", err.Error()))
		e.record(query, terms, telemetry.OutcomeError, 0, time.Since(start))
		return Response{Kind: KindError, Results: []Result{}, Error: err.Error()}
	}

	if len(results) > 0 || strings.TrimSpace(query) == "" {
		outcome := telemetry.OutcomeResults
		if len(results) == 0 {
			outcome = telemetry.OutcomeEmpty
		}
		e.record(query, terms, outcome, len(results), time.Since(start))
		return Response{Kind: KindResults, Results: results}
	}

	if e.generator == nil {
		e.record(query, terms, telemetry.OutcomeError, 0, time.Since(start))
		return Response{
			Kind:    KindError,
			Results: []Result{},
			Error:   "no documents matched and the fallback generator is disabled",
		}
	}

	answer, err := e.generator.Generate(ctx, query)
	e.metrics.ObserveFallback(err)
	if err != nil {
		e.logger.Warn("fallback_failed",
			slog.String("query", query),
			slog.String("code", derrors.GetCode(err)),
			slog.String("error", err.Error()))
		e.record(query, terms, telemetry.OutcomeError, 0, time.Since(start))
		return Response{
			Kind:         KindError,
			Results:      []Result{},
			UsedFallback: true,
			Error:        err.Error(),
		}
	}

	e.record(query, terms, telemetry.OutcomeGenerated, 0, time.Since(start))
	return Response{
		Kind: KindGenerated,
		Results: []Result{{
			DocID:     0,
			Title:     "Answer: " + query,
			Score:     1,
			Preview:   answer,
			Generated: true,
		}},
		UsedFallback: true,
	}
}

type scored struct {
	id    int64
	score float64
}

// rank performs the BM25 retrieval shared by Search and SearchWithFallback.
// It also returns the query terms for telemetry.
func (e *Engine) rank(ctx context.Context, query string, topK int) ([]Result, []string, error) {
	if topK <= 0 {
		topK = e.config.TopK
	}

	queryTerms := e.processor.Tokenize(query)
	if len(queryTerms) == 0 {
		return []Result{}, nil, nil
	}
	unique := text.UniqueTerms(queryTerms)

	total, err := e.store.DocumentCount(ctx)
	if err != nil {
		return nil, queryTerms, searchError("count documents", err)
	}
	if total == 0 {
		return []Result{}, queryTerms, nil
	}

	avgdl, err := e.store.AverageDocLength(ctx)
	if err != nil {
		return nil, queryTerms, searchError("average length", err)
	}
	docFreq, err := e.store.TermDocCounts(ctx, unique)
	if err != nil {
		return nil, queryTerms, searchError("term counts", err)
	}
	freqs, err := e.store.QueryTermFrequencies(ctx, unique)
	if err != nil {
		return nil, queryTerms, searchError("term frequencies", err)
	}
	if len(freqs) == 0 {
		return []Result{}, queryTerms, nil
	}

	// Retrieval order is ascending id; the stable sort keeps it for ties
	ids := make([]int64, 0, len(freqs))
	for id := range freqs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	lengths, err := e.store.DocumentLengths(ctx, ids)
	if err != nil {
		return nil, queryTerms, searchError("document lengths", err)
	}

	corpus := ranking.Corpus{TotalDocs: total, DocFreq: docFreq}
	candidates := make([]scored, 0, len(ids))
	for _, id := range ids {
		length, ok := lengths[id]
		if !ok {
			// Deleted since the frequencies were read
			continue
		}
		s := e.scorer.Score(freqs[id], queryTerms, length, avgdl, corpus)
		if s <= 0 {
			continue
		}
		candidates = append(candidates, scored{id: id, score: s})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		doc, err := e.store.DocumentByID(ctx, c.id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, queryTerms, searchError("load document", err)
		}
		results = append(results, Result{
			DocID:   doc.ID,
			Title:   doc.Title,
			Path:    doc.Path,
			Score:   c.score,
			Preview: Preview(doc.Content, e.config.PreviewLength),
		})
	}
	return results, queryTerms, nil
}

func (e *Engine) record(query string, terms []string, outcome telemetry.Outcome, n int, latency time.Duration) {
	e.metrics.ObserveSearch(string(outcome), n, latency)
	e.queryLog.Record(telemetry.QueryEvent{
		Query:       query,
		Terms:       terms,
		Outcome:     outcome,
		ResultCount: n,
		Latency:     latency,
	})
}

// Stats returns index statistics.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	n, err := e.store.DocumentCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	avg, err := e.store.AverageDocLength(ctx)
	if err != nil {
		return Stats{}, err
	}
	terms, err := e.store.Terms(ctx)
	if err != nil {
		return Stats{}, err
	}

	e.metrics.SetDocuments(n)
	return Stats{Documents: n, AverageLength: avg, VocabularySize: len(terms)}, nil
}

// Documents lists indexed documents in id order.
func (e *Engine) Documents(ctx context.Context) ([]DocumentInfo, error) {
	docs, err := e.store.Documents(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]DocumentInfo, len(docs))
	for i, d := range docs {
		infos[i] = DocumentInfo{
			ID:        d.ID,
			Title:     d.Title,
			Path:      d.Path,
			Length:    d.Length,
			ModTime:   d.ModTime,
			IndexedAt: d.IndexedAt,
		}
	}
	return infos, nil
}

// Document returns one document, content included.
func (e *Engine) Document(ctx context.Context, id int64) (*store.Document, error) {
	return e.store.DocumentByID(ctx, id)
}

// Evaluate judges the top results for query against the relevant paths,
// returning precision, recall and F1. Relevant paths are canonicalized the
// same way indexed paths are.
func (e *Engine) Evaluate(ctx context.Context, query string, relevant []string) (Evaluation, error) {
	results, err := e.Search(ctx, query, evaluationDepth)
	if err != nil {
		return Evaluation{}, err
	}

	retrieved := make(map[string]struct{}, len(results))
	retrievedList := make([]string, 0, len(results))
	for _, r := range results {
		if _, dup := retrieved[r.Path]; dup {
			continue
		}
		retrieved[r.Path] = struct{}{}
		retrievedList = append(retrievedList, r.Path)
	}

	relevantSet := make(map[string]struct{}, len(relevant))
	relevantList := make([]string, 0, len(relevant))
	for _, p := range relevant {
		canonical, err := CanonicalPath(p)
		if err != nil {
			return Evaluation{}, err
		}
		if _, dup := relevantSet[canonical]; dup {
			continue
		}
		relevantSet[canonical] = struct{}{}
		relevantList = append(relevantList, canonical)
	}

	tp := 0
	for p := range retrieved {
		if _, ok := relevantSet[p]; ok {
			tp++
		}
	}

	eval := Evaluation{
		Query:          query,
		Retrieved:      retrievedList,
		Relevant:       relevantList,
		TruePositives:  tp,
		RetrievedCount: len(retrieved),
		RelevantCount:  len(relevantSet),
	}
	if len(retrieved) > 0 {
		eval.Precision = float64(tp) / float64(len(retrieved))
	}
	if len(relevantSet) > 0 {
		eval.Recall = float64(tp) / float64(len(relevantSet))
	}
	if eval.Precision+eval.Recall > 0 {
		eval.F1 = 2 * eval.Precision * eval.Recall / (eval.Precision + eval.Recall)
	}
	return eval, nil
}

// CanonicalPath returns the document key for path: absolute, cleaned, and
// with symlinks resolved in its directory part. The base name is kept as
// given, so a file and the key it was indexed under still match after the
// file (or its directory) has been deleted.
func CanonicalPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", derrors.New(derrors.ErrCodeInvalidPath, "empty path", nil)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", derrors.New(derrors.ErrCodeInvalidPath, "cannot resolve path", err).
			WithDetail("path", path)
	}
	abs = filepath.Clean(abs)
	return filepath.Join(resolveDir(filepath.Dir(abs)), filepath.Base(abs)), nil
}

// resolveDir evaluates symlinks in dir. Missing trailing components are
// kept verbatim under their deepest existing ancestor.
func resolveDir(dir string) string {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return resolved
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return dir
	}
	return filepath.Join(resolveDir(parent), filepath.Base(dir))
}

// TitleFromPath derives a document title from its file name.
func TitleFromPath(path string) string {
	base := filepath.Base(path)
	if title := strings.TrimSuffix(base, filepath.Ext(base)); title != "" {
		return title
	}
	return base
}

// Preview returns the first n runes of content, with "..." appended only
// when content was truncated.
func Preview(content string, n int) string {
	if n <= 0 || utf8.RuneCountInString(content) <= n {
		return content
	}
	runes := []rune(content)
	return string(runes[:n]) + "..."
}

func fileError(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return derrors.New(derrors.ErrCodeFileNotFound, "file not found", err).WithDetail("path", path)
	case errors.Is(err, os.ErrPermission):
		return derrors.New(derrors.ErrCodeFilePermission, "permission denied", err).WithDetail("path", path)
	default:
		return derrors.New(derrors.ErrCodeFileUnreadable, "cannot read file", err).WithDetail("path", path)
	}
}

func indexError(path, step string, err error) error {
	if derrors.HasCode(err, derrors.ErrCodeRetriesExhausted) {
		return fmt.Errorf("index %s: %s: %w", path, step, err)
	}
	return derrors.New(derrors.ErrCodeIndexFailed, fmt.Sprintf("%s: %v", step, err), err).
		WithDetail("path", path)
}

func searchError(step string, err error) error {
	return derrors.New(derrors.ErrCodeSearchFailed, fmt.Sprintf("%s: %v", step, err), err)
}
