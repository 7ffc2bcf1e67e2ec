package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// SqliteStore keeps each collection in its own table of a SQLite database.
//
// Tables:
//
//	<collection>(id TEXT PRIMARY KEY, data TEXT NOT NULL)
//
// Indexes are expression indexes over json_extract of the data column. Find
// filters in Go, so they are kept for parity with postgres and do not serve
// searches.
type SqliteStore struct {
	mu          sync.Mutex
	db          *sql.DB
	collections map[string]*SqliteCollection
}

// NewSqliteStore opens (or creates) the database at path. Use ":memory:" for
// an ephemeral database.
func NewSqliteStore(path string) (*SqliteStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and avoids
	// SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	return &SqliteStore{
		db:          db,
		collections: make(map[string]*SqliteCollection),
	}, nil
}

// Collection returns the named collection, creating its table if needed
func (s *SqliteStore) Collection(ctx context.Context, name string) (Collection, error) {
	if _, err := SplitPath(name); err != nil || strings.Contains(name, ".") {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`, quoteIdent(name))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	c := &SqliteCollection{db: s.db, name: name}
	s.collections[name] = c
	return c, nil
}

// Ping verifies the database is reachable
func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// SqliteCollection is a collection stored in a SQLite table
type SqliteCollection struct {
	db   *sql.DB
	name string
}

// Name returns the collection name
func (c *SqliteCollection) Name() string {
	return c.name
}

// Insert stores a new document
func (c *SqliteCollection) Insert(ctx context.Context, id string, doc Document) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO %s (id, data) VALUES (?, ?)", quoteIdent(c.name))
	if _, err := c.db.ExecContext(ctx, query, id, string(raw)); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, c.name, id)
		}
		return err
	}
	return nil
}

// Get returns a document by id
func (c *SqliteCollection) Get(ctx context.Context, id string) (Document, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", quoteIdent(c.name))

	var raw string
	if err := c.db.QueryRowContext(ctx, query, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeDocument([]byte(raw))
}

// Replace overwrites an existing document
func (c *SqliteCollection) Replace(ctx context.Context, id string, doc Document) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET data = ? WHERE id = ?", quoteIdent(c.name))
	return execAffecting(ctx, c.db, query, string(raw), id)
}

// Delete removes a document
func (c *SqliteCollection) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdent(c.name))
	return execAffecting(ctx, c.db, query, id)
}

// Find loads the collection and filters it in memory; json_extract cannot
// traverse arrays the way search paths require.
func (c *SqliteCollection) Find(ctx context.Context, q Query) ([]Document, int, error) {
	for _, f := range q.Filters {
		for _, p := range f.Paths {
			if _, err := SplitPath(p); err != nil {
				return nil, 0, err
			}
		}
	}

	query := fmt.Sprintf("SELECT data FROM %s ORDER BY rowid", quoteIdent(c.name))
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, 0, err
	}

	page, total := Apply(docs, q)
	return page, total, nil
}

// EnsureIndex creates an expression index if it does not exist
func (c *SqliteCollection) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	cols, err := indexColumns(spec, func(segments []string) string {
		return "json_extract(data, " + pq.QuoteLiteral("$."+strings.Join(segments, ".")) + ")"
	})
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(spec.Name), quoteIdent(c.name), cols)
	_, err = c.db.ExecContext(ctx, ddl)
	return err
}

// DropIndex removes an index if it exists
func (c *SqliteCollection) DropIndex(ctx context.Context, spec IndexSpec) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", quoteIdent(spec.Name)))
	return err
}

// Indexes lists index names on the collection table
func (c *SqliteCollection) Indexes(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'index' AND tbl_name = ? AND name NOT LIKE 'sqlite_autoindex_%'
		 ORDER BY name`, c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
