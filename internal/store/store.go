// Package store provides the embedded SQLite record store shared by every
// connected client.
//
// The store owns a single database file (jemulator.db in the user-data
// directory by default) holding the users, projects and components tables.
// It exposes the four access shapes clients can request:
//
//   - Query: a write statement returning affected-row metadata
//   - Exec:  a raw (possibly multi-statement) execute with no result
//   - Get:   a single-row fetch
//   - All:   a multi-row fetch
//
// All statements are serialized through one connection guarded by a mutex,
// so the store behaves as a single writer no matter how many transports call
// into it concurrently.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultFileName is the name of the database file inside the user-data directory.
const DefaultFileName = "jemulator.db"

// Row is a single result row keyed by column name.
type Row map[string]any

// WriteResult is the affected-row metadata returned by Query.
type WriteResult struct {
	Changes         int64 `json:"changes"`
	LastInsertRowID int64 `json:"lastInsertRowid"`
}

// Counts holds the number of rows in each table.
type Counts struct {
	Users      int `json:"users"`
	Projects   int `json:"projects"`
	Components int `json:"components"`
}

// Store wraps the SQLite database file.
type Store struct {
	mu     sync.Mutex
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Open opens (creating if necessary) the database at path, applies the
// schema and seeds sample rows when the users table is empty.
//
// The caller MUST call Close() when done.
func Open(path string, logger *log.Logger) (*Store, error) {
	return OpenContext(context.Background(), path, logger)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: the mutex below is only meaningful if every
	// statement also lands on the same SQLite handle.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	seeded, err := s.seed(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if seeded {
		s.logger.Printf("Seeded sample data into %s", path)
	}

	s.logger.Printf("Database ready at %s", path)
	return s, nil
}

// dsn builds the connection URI for path. The path is escaped so names
// containing '?', '#' or '%' are not read as URI syntax. Pragmas travel in
// the DSN so they apply to every connection the pool opens.
func dsn(path string) string {
	u := url.URL{Scheme: "file", OmitHost: true, Path: path}
	return u.String() +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and releases the database file.
// Calling Close more than once is safe.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Query runs a single write statement and reports how many rows it changed.
func (s *Store) Query(ctx context.Context, query string, params ...any) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return WriteResult{}, ErrClosed
	}

	res, err := s.conn.ExecContext(ctx, query, params...)
	if err != nil {
		return WriteResult{}, newError("query", query, err)
	}

	var out WriteResult
	if out.Changes, err = res.RowsAffected(); err != nil {
		return WriteResult{}, newError("query", query, err)
	}
	if out.LastInsertRowID, err = res.LastInsertId(); err != nil {
		return WriteResult{}, newError("query", query, err)
	}
	return out, nil
}

// Exec runs raw SQL, which may contain several statements separated by
// semicolons. Nothing is returned on success.
func (s *Store) Exec(ctx context.Context, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrClosed
	}

	if _, err := s.conn.ExecContext(ctx, script); err != nil {
		return newError("exec", script, err)
	}
	return nil
}

// Get returns the first row produced by query, or nil when there is none.
func (s *Store) Get(ctx context.Context, query string, params ...any) (Row, error) {
	rows, err := s.fetch(ctx, "get", query, 1, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// All returns every row produced by query. The result is never nil.
func (s *Store) All(ctx context.Context, query string, params ...any) ([]Row, error) {
	return s.fetch(ctx, "all", query, 0, params)
}

// Counts returns the number of rows in each table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	row, err := s.Get(ctx, `
	SELECT
		(SELECT COUNT(*) FROM users)      AS users,
		(SELECT COUNT(*) FROM projects)   AS projects,
		(SELECT COUNT(*) FROM components) AS components
	`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return Counts{
		Users:      toInt(row["users"]),
		Projects:   toInt(row["projects"]),
		Components: toInt(row["components"]),
	}, nil
}

// DataVersion returns SQLite's data_version for the store connection. The
// value changes only when another connection commits to the file, so writes
// made through this Store never move it.
func (s *Store) DataVersion(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return 0, ErrClosed
	}

	var v int64
	if err := s.conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read data_version: %w", err)
	}
	return v, nil
}

// fetch runs a read statement and scans up to limit rows (0 = no limit).
func (s *Store) fetch(ctx context.Context, op, query string, limit int, params []any) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, ErrClosed
	}

	rows, err := s.conn.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, newError(op, query, err)
	}
	defer rows.Close()

	out, err := scanRows(rows, limit)
	if err != nil {
		return nil, newError(op, query, err)
	}
	return out, nil
}

// scanRows converts sql.Rows into column-keyed maps.
func scanRows(rows *sql.Rows, limit int) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(values[i])
		}
		out = append(out, row)

		if limit > 0 && len(out) >= limit {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize turns driver values into JSON-friendly ones. TEXT columns may
// come back as []byte depending on how the value was bound.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
