package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name string
	// schema is executed statement by statement at open.
	schema []string
	// isolation is the level every mutation transaction runs at.
	isolation sql.IsolationLevel
	// lockRow is appended to SELECTs that must lock the row they read.
	lockRow string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			title         TEXT    NOT NULL,
			content       TEXT    NOT NULL,
			file_path     TEXT    NOT NULL UNIQUE,
			last_modified INTEGER NOT NULL,
			doc_length    INTEGER NOT NULL,
			indexed_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS terms (
			term      TEXT    PRIMARY KEY,
			doc_count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_terms (
			doc_id    INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			term      TEXT    NOT NULL REFERENCES terms(term) ON DELETE CASCADE,
			frequency INTEGER NOT NULL,
			PRIMARY KEY (doc_id, term)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_terms_term ON document_terms(term)`,
		`INSERT OR IGNORE INTO schema_version (version) VALUES (1)`,
	},
	// SQLite has a single writer; its default is serializable
	isolation: sql.LevelDefault,
}

var postgresDialect = dialect{
	name: DriverPostgres,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id            BIGSERIAL PRIMARY KEY,
			title         TEXT      NOT NULL,
			content       TEXT      NOT NULL,
			file_path     TEXT      NOT NULL UNIQUE,
			last_modified BIGINT    NOT NULL,
			doc_length    INTEGER   NOT NULL,
			indexed_at    BIGINT    NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS terms (
			term      TEXT    PRIMARY KEY,
			doc_count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_terms (
			doc_id    BIGINT  NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			term      TEXT    NOT NULL REFERENCES terms(term) ON DELETE CASCADE,
			frequency INTEGER NOT NULL,
			PRIMARY KEY (doc_id, term)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_terms_term ON document_terms(term)`,
		`INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`,
	},
	isolation: sql.LevelReadCommitted,
	lockRow:   " FOR UPDATE",
	numbered:  true,
}

func dialectFor(driverName string) (dialect, error) {
	switch strings.ToLower(driverName) {
	case DriverSQLite, "":
		return sqliteDialect, nil
	case DriverPostgres:
		return postgresDialect, nil
	default:
		return dialect{}, errors.New("unsupported store driver: " + driverName)
	}
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isTransient reports whether err is a conflict worth retrying: SQLite
// busy or locked errors, PostgreSQL serialization failures, deadlocks,
// lock timeouts and dropped connections.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		// connection_exception
		return pqErr.Code.Class() == "08"
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
