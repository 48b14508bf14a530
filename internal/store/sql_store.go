package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
)

// Options configures Open.
type Options struct {
	// Driver is DriverSQLite (default) or DriverPostgres.
	Driver string
	// Path is the SQLite database file. Empty opens an in-memory database.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// Retry bounds the retry loop around each mutation. The zero value
	// means derrors.DefaultRetryConfig().
	Retry derrors.RetryConfig
	// OnRetry, when set, is called before each retry of a transient failure.
	// An attempt that exhausts the budget is not reported.
	OnRetry func(op string, err error)
	// BusyTimeout is how long SQLite waits on a locked database before
	// failing an attempt. Zero means five seconds.
	BusyTimeout time.Duration
	// Now overrides the clock used for indexed_at.
	Now func() time.Time
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	dialect dialect
	retry   derrors.RetryConfig
	onRetry func(op string, err error)
	now     func() time.Time
	closed  bool
}

// Verify interface implementation at compile time
var _ Store = (*SQLStore)(nil)

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, derrors.ConfigError(err.Error(), err)
	}

	var db *sql.DB
	switch d.name {
	case DriverPostgres:
		db, err = openPostgres(ctx, opts.DSN)
	default:
		db, err = openSQLite(opts.Path, opts.BusyTimeout)
	}
	if err != nil {
		return nil, derrors.StoreError("open term store", err).
			WithDetail("driver", d.name)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		retry:   opts.Retry,
		onRetry: opts.OnRetry,
		now:     opts.Now,
	}
	if s.retry == (derrors.RetryConfig{}) {
		s.retry = derrors.DefaultRetryConfig()
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, derrors.StoreError("initialize schema", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Driver returns the dialect name in use.
func (s *SQLStore) Driver() string {
	return s.dialect.name
}

// Close releases the database. It is idempotent.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.dialect.name == DriverSQLite {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

// UpsertDocument implements Store.
func (s *SQLStore) UpsertDocument(ctx context.Context, doc DocumentInput) (int64, error) {
	var id int64
	err := s.mutate(ctx, "upsert document", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.dialect.rebind(`
			INSERT INTO documents (title, content, file_path, last_modified, doc_length, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (file_path) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				last_modified = excluded.last_modified,
				doc_length = excluded.doc_length,
				indexed_at = excluded.indexed_at
			RETURNING id`),
			doc.Title, doc.Content, doc.Path, toUnixNano(doc.ModTime), doc.Length, toUnixNano(s.now()))
		return row.Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// BumpTermCounts implements Store. Terms are updated in lexicographic order.
func (s *SQLStore) BumpTermCounts(ctx context.Context, terms []string) error {
	sorted := sortedUnique(terms)
	if len(sorted) == 0 {
		return nil
	}

	return s.mutate(ctx, "bump term counts", func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(`
			INSERT INTO terms (term, doc_count) VALUES (?, 1)
			ON CONFLICT (term) DO UPDATE SET doc_count = terms.doc_count + 1`))
		if err != nil {
			return fmt.Errorf("prepare bump statement: %w", err)
		}
		defer stmt.Close()

		for _, term := range sorted {
			if _, err := stmt.ExecContext(ctx, term); err != nil {
				return fmt.Errorf("bump %q: %w", term, err)
			}
		}
		return nil
	})
}

// ReplaceDocumentTerms implements Store.
func (s *SQLStore) ReplaceDocumentTerms(ctx context.Context, docID int64, freqs map[string]int) error {
	return s.mutate(ctx, "replace document terms", func(ctx context.Context, tx *sql.Tx) error {
		var locked int64
		err := tx.QueryRowContext(ctx,
			s.dialect.rebind(`SELECT id FROM documents WHERE id = ?`+s.dialect.lockRow), docID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock document: %w", err)
		}

		previous, err := s.associatedTerms(ctx, tx, docID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			s.dialect.rebind(`DELETE FROM document_terms WHERE doc_id = ?`), docID); err != nil {
			return fmt.Errorf("delete associations: %w", err)
		}
		if err := s.decrementTerms(ctx, tx, previous, false); err != nil {
			return err
		}

		if len(freqs) > 0 {
			stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(
				`INSERT INTO document_terms (doc_id, term, frequency) VALUES (?, ?, ?)`))
			if err != nil {
				return fmt.Errorf("prepare association statement: %w", err)
			}
			defer stmt.Close()

			for _, term := range sortedKeys(freqs) {
				if _, err := stmt.ExecContext(ctx, docID, term, freqs[term]); err != nil {
					return fmt.Errorf("insert association %q: %w", term, err)
				}
			}
		}

		// Only previous terms can have dropped to zero
		return s.purgeTerms(ctx, tx, previous)
	})
}

// ReleaseTermCounts implements Store.
func (s *SQLStore) ReleaseTermCounts(ctx context.Context, terms []string) error {
	sorted := sortedUnique(terms)
	if len(sorted) == 0 {
		return nil
	}

	return s.mutate(ctx, "release term counts", func(ctx context.Context, tx *sql.Tx) error {
		return s.decrementTerms(ctx, tx, sorted, true)
	})
}

// DeleteDocument implements Store.
func (s *SQLStore) DeleteDocument(ctx context.Context, path string) (bool, error) {
	var existed bool
	err := s.mutate(ctx, "delete document", func(ctx context.Context, tx *sql.Tx) error {
		existed = false

		var id int64
		err := tx.QueryRowContext(ctx,
			s.dialect.rebind(`SELECT id FROM documents WHERE file_path = ?`+s.dialect.lockRow), path).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock document: %w", err)
		}

		terms, err := s.associatedTerms(ctx, tx, id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			s.dialect.rebind(`DELETE FROM document_terms WHERE doc_id = ?`), id); err != nil {
			return fmt.Errorf("delete associations: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.dialect.rebind(`DELETE FROM documents WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if err := s.decrementTerms(ctx, tx, terms, true); err != nil {
			return err
		}

		existed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// DocumentCount implements Store.
func (s *SQLStore) DocumentCount(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, "count documents", `SELECT COUNT(*) FROM documents`, nil, &n)
	return n, err
}

// AverageDocLength implements Store. An empty corpus averages 0.
func (s *SQLStore) AverageDocLength(ctx context.Context) (float64, error) {
	var avg float64
	err := s.queryRow(ctx, "average document length",
		`SELECT COALESCE(AVG(CAST(doc_length AS DOUBLE PRECISION)), 0) FROM documents`, nil, &avg)
	return avg, err
}

// TermDocCount implements Store. Unknown terms count 0.
func (s *SQLStore) TermDocCount(ctx context.Context, term string) (int, error) {
	var n int
	err := s.queryRow(ctx, "term doc count",
		`SELECT doc_count FROM terms WHERE term = ?`, []any{term}, &n)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return n, err
}

// TermDocCounts implements Store. Unknown terms are absent from the result.
func (s *SQLStore) TermDocCounts(ctx context.Context, terms []string) (map[string]int, error) {
	counts := make(map[string]int, len(terms))
	unique := sortedUnique(terms)
	if len(unique) == 0 {
		return counts, nil
	}

	err := s.query(ctx, "term doc counts",
		`SELECT term, doc_count FROM terms WHERE term IN (`+placeholders(len(unique))+`)`,
		stringArgs(unique),
		func(rows *sql.Rows) error {
			var (
				term  string
				count int
			)
			if err := rows.Scan(&term, &count); err != nil {
				return err
			}
			counts[term] = count
			return nil
		})
	return counts, err
}

// DocumentTerms implements Store.
func (s *SQLStore) DocumentTerms(ctx context.Context, docID int64) (map[string]int, error) {
	freqs := make(map[string]int)
	err := s.query(ctx, "document terms",
		`SELECT term, frequency FROM document_terms WHERE doc_id = ?`, []any{docID},
		func(rows *sql.Rows) error {
			var (
				term string
				freq int
			)
			if err := rows.Scan(&term, &freq); err != nil {
				return err
			}
			freqs[term] = freq
			return nil
		})
	return freqs, err
}

// QueryTermFrequencies implements Store. Documents containing none of the
// terms are absent from the result.
func (s *SQLStore) QueryTermFrequencies(ctx context.Context, terms []string) (map[int64]map[string]int, error) {
	result := make(map[int64]map[string]int)
	unique := sortedUnique(terms)
	if len(unique) == 0 {
		return result, nil
	}

	err := s.query(ctx, "query term frequencies",
		`SELECT doc_id, term, frequency FROM document_terms WHERE term IN (`+placeholders(len(unique))+`)`,
		stringArgs(unique),
		func(rows *sql.Rows) error {
			var (
				docID int64
				term  string
				freq  int
			)
			if err := rows.Scan(&docID, &term, &freq); err != nil {
				return err
			}
			if result[docID] == nil {
				result[docID] = make(map[string]int)
			}
			result[docID][term] = freq
			return nil
		})
	return result, err
}

// DocumentLengths implements Store. Ids with no document are absent.
func (s *SQLStore) DocumentLengths(ctx context.Context, ids []int64) (map[int64]int, error) {
	lengths := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return lengths, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	err := s.query(ctx, "document lengths",
		`SELECT id, doc_length FROM documents WHERE id IN (`+placeholders(len(ids))+`)`, args,
		func(rows *sql.Rows) error {
			var (
				id     int64
				length int
			)
			if err := rows.Scan(&id, &length); err != nil {
				return err
			}
			lengths[id] = length
			return nil
		})
	return lengths, err
}

// DocumentPaths implements Store. Paths are returned in lexicographic order.
func (s *SQLStore) DocumentPaths(ctx context.Context) ([]string, error) {
	var paths []string
	err := s.query(ctx, "document paths",
		`SELECT file_path FROM documents ORDER BY file_path`, nil,
		func(rows *sql.Rows) error {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			paths = append(paths, p)
			return nil
		})
	return paths, err
}

const documentColumns = `id, title, content, file_path, last_modified, doc_length, indexed_at`

// Documents implements Store. Documents are returned in id order.
func (s *SQLStore) Documents(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := s.query(ctx, "list documents",
		`SELECT `+documentColumns+` FROM documents ORDER BY id`, nil,
		func(rows *sql.Rows) error {
			doc, err := scanDocument(rows)
			if err != nil {
				return err
			}
			docs = append(docs, *doc)
			return nil
		})
	return docs, err
}

// DocumentByPath implements Store.
func (s *SQLStore) DocumentByPath(ctx context.Context, path string) (*Document, error) {
	return s.document(ctx, `SELECT `+documentColumns+` FROM documents WHERE file_path = ?`, path)
}

// DocumentByID implements Store.
func (s *SQLStore) DocumentByID(ctx context.Context, id int64) (*Document, error) {
	return s.document(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
}

// Terms implements Store. Terms are returned in lexicographic order.
func (s *SQLStore) Terms(ctx context.Context) ([]Term, error) {
	var terms []Term
	err := s.query(ctx, "list terms",
		`SELECT term, doc_count FROM terms ORDER BY term`, nil,
		func(rows *sql.Rows) error {
			var t Term
			if err := rows.Scan(&t.Term, &t.DocCount); err != nil {
				return err
			}
			terms = append(terms, t)
			return nil
		})
	return terms, err
}

func (s *SQLStore) document(ctx context.Context, query string, arg any) (*Document, error) {
	var doc *Document
	found := false
	err := s.query(ctx, "get document", query, []any{arg}, func(rows *sql.Rows) error {
		d, err := scanDocument(rows)
		if err != nil {
			return err
		}
		doc, found = d, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return doc, nil
}

// mutate runs fn in a transaction, retrying transient failures.
func (s *SQLStore) mutate(ctx context.Context, op string, fn func(context.Context, *sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	var notify func(int, error)
	if s.onRetry != nil {
		notify = func(_ int, err error) { s.onRetry(op, err) }
	}

	err := derrors.RetryIfNotify(ctx, s.retry, isTransient, notify, func() error {
		return s.inTx(ctx, fn)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		derrors.HasCode(err, derrors.ErrCodeRetriesExhausted):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return derrors.New(derrors.ErrCodeStoreFailed, fmt.Sprintf("%s: %v", op, err), err)
	}
}

func (s *SQLStore) inTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.dialect.isolation})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) query(ctx context.Context, op, query string, args []any, scan func(*sql.Rows) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return derrors.New(derrors.ErrCodeStoreFailed, fmt.Sprintf("%s: %v", op, err), err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return derrors.New(derrors.ErrCodeStoreFailed, fmt.Sprintf("%s: %v", op, err), err)
		}
	}
	if err := rows.Err(); err != nil {
		return derrors.New(derrors.ErrCodeStoreFailed, fmt.Sprintf("%s: %v", op, err), err)
	}
	return nil
}

// queryRow scans a single row into dest, returning ErrNotFound when empty.
func (s *SQLStore) queryRow(ctx context.Context, op, query string, args []any, dest ...any) error {
	found := false
	err := s.query(ctx, op, query, args, func(rows *sql.Rows) error {
		found = true
		return rows.Scan(dest...)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// associatedTerms returns the document's terms in lexicographic order.
func (s *SQLStore) associatedTerms(ctx context.Context, tx *sql.Tx, docID int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		s.dialect.rebind(`SELECT term FROM document_terms WHERE doc_id = ? ORDER BY term`), docID)
	if err != nil {
		return nil, fmt.Errorf("read associations: %w", err)
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		terms = append(terms, term)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Byte order, matching every other term update
	sort.Strings(terms)
	return terms, nil
}

// decrementTerms lowers doc_count for sorted terms, purging them at zero
// when purge is set. Terms must already be in lexicographic order so that
// concurrent transactions lock shared term rows in the same sequence.
func (s *SQLStore) decrementTerms(ctx context.Context, tx *sql.Tx, sorted []string, purge bool) error {
	if len(sorted) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		s.dialect.rebind(`UPDATE terms SET doc_count = doc_count - 1 WHERE term = ?`))
	if err != nil {
		return fmt.Errorf("prepare decrement statement: %w", err)
	}
	defer stmt.Close()

	for _, term := range sorted {
		if _, err := stmt.ExecContext(ctx, term); err != nil {
			return fmt.Errorf("decrement %q: %w", term, err)
		}
	}

	if purge {
		return s.purgeTerms(ctx, tx, sorted)
	}
	return nil
}

// purgeTerms deletes any of the sorted terms whose count fell to zero or below.
func (s *SQLStore) purgeTerms(ctx context.Context, tx *sql.Tx, sorted []string) error {
	if len(sorted) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		s.dialect.rebind(`DELETE FROM terms WHERE term = ? AND doc_count <= 0`))
	if err != nil {
		return fmt.Errorf("prepare purge statement: %w", err)
	}
	defer stmt.Close()

	for _, term := range sorted {
		if _, err := stmt.ExecContext(ctx, term); err != nil {
			return fmt.Errorf("purge %q: %w", term, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var (
		doc                 Document
		modified, indexedAt int64
	)
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.Path, &modified, &doc.Length, &indexedAt); err != nil {
		return nil, err
	}
	doc.ModTime = fromUnixNano(modified)
	doc.IndexedAt = fromUnixNano(indexedAt)
	return &doc, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func sortedUnique(terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
