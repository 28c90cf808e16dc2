// Package store holds the SQL plumbing shared by every persistent component:
// opening Postgres or SQLite (lite mode), placeholder rebinding, dialect-aware
// DDL and timestamp encoding.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect is the SQL flavour behind a DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// DB is a *sql.DB tagged with its dialect. Queries are written with `?`
// placeholders and rebound for Postgres.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap tags an existing handle (for example a sqlmock connection).
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

// Open connects to dsn. Postgres URLs ("postgres://", "postgresql://") use
// lib/pq; anything else is treated as a SQLite path, with "sqlite://" and
// "file:" prefixes accepted.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: empty dsn")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: ping postgres: %w", err)
		}
		return &DB{DB: db, Dialect: Postgres}, nil
	}

	path := strings.TrimPrefix(dsn, "sqlite://")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: configure sqlite: %w", err)
	}
	return &DB{DB: db, Dialect: SQLite}, nil
}

// OpenMemory opens a private in-memory SQLite database.
func OpenMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, ":memory:")
}

// Rebind rewrites `?` placeholders to `$n` for Postgres.
func (db *DB) Rebind(query string) string {
	return Rebind(db.Dialect, query)
}

// Rebind rewrites `?` placeholders for the given dialect.
func Rebind(d Dialect, query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exec runs a rebound statement.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, db.Rebind(query), args...)
}

// Query runs a rebound query.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRow runs a rebound single-row query.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.Rebind(query), args...)
}

// DDL expands the type placeholders {{ts}}, {{json}}, {{bool}} and {{real}}.
func (db *DB) DDL(schema string) string {
	ts, js, bl, real := "TEXT", "TEXT", "INTEGER", "REAL"
	if db.Dialect == Postgres {
		ts, js, bl, real = "TIMESTAMPTZ", "JSONB", "BOOLEAN", "DOUBLE PRECISION"
	}
	return strings.NewReplacer("{{ts}}", ts, "{{json}}", js, "{{bool}}", bl, "{{real}}", real).Replace(schema)
}

// Migrate executes each schema statement after DDL expansion.
func (db *DB) Migrate(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, db.DDL(stmt)); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// RowsAffected returns the affected count, treating driver errors as zero.
func RowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime encodes t as a fixed-width UTC string. Fixed width keeps string
// comparison in SQLite consistent with time order; Postgres casts it into
// TIMESTAMPTZ.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// NullTime encodes an optional time.
func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// ParseTime decodes a scanned timestamp. database/sql renders Postgres
// TIMESTAMPTZ values as RFC 3339 when scanned into a string.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// modernc renders DATETIME defaults in SQL format.
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// ParseNullTime decodes an optional timestamp.
func ParseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NullFloat converts an optional float for binding.
func NullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// FloatPtr converts a scanned optional float.
func FloatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// Tx runs fn inside a transaction, rolling back on error.
func (db *DB) Tx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	tx := &Tx{Tx: sqlTx, dialect: db.Dialect}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Tx is a transaction that rebinds like DB.
type Tx struct {
	*sql.Tx
	dialect Dialect
}

// Exec runs a rebound statement inside the transaction.
func (tx *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, Rebind(tx.dialect, query), args...)
}

// QueryRow runs a rebound single-row query inside the transaction.
func (tx *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.QueryRowContext(ctx, Rebind(tx.dialect, query), args...)
}
