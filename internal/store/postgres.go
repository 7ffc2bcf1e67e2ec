package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/lib/pq"
)

// PoolConfig holds database connection pool configuration
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns connection pool settings suited to an API server
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    100,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// PostgresStore keeps each collection in a table with a JSONB data column.
//
// Tables:
//
//	<collection>(id TEXT PRIMARY KEY, seq BIGSERIAL, data JSONB NOT NULL)
type PostgresStore struct {
	mu          sync.Mutex
	db          *sql.DB
	collections map[string]*PostgresCollection
}

// NewPostgresStore connects to the database at url using the pgx driver
func NewPostgresStore(ctx context.Context, url string, pool PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreWithDB(db), nil
}

// NewPostgresStoreWithDB wraps an existing connection pool
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:          db,
		collections: make(map[string]*PostgresCollection),
	}
}

// Collection returns the named collection, creating its table if needed
func (s *PostgresStore) Collection(ctx context.Context, name string) (Collection, error) {
	if _, err := SplitPath(name); err != nil || strings.Contains(name, ".") {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, seq BIGSERIAL, data JSONB NOT NULL)",
		quoteIdent(name))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", name, convertPgError(err))
	}

	c := &PostgresCollection{db: s.db, name: name}
	s.collections[name] = c
	return c, nil
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// PostgresCollection is a collection stored in a PostgreSQL table
type PostgresCollection struct {
	db   *sql.DB
	name string
}

// Name returns the collection name
func (c *PostgresCollection) Name() string {
	return c.name
}

// Insert stores a new document
func (c *PostgresCollection) Insert(ctx context.Context, id string, doc Document) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (id, data) VALUES ($1, $2)", quoteIdent(c.name))
	if _, err := c.db.ExecContext(ctx, query, id, raw); err != nil {
		err = convertPgError(err)
		if errors.Is(err, ErrDuplicate) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, c.name, id)
		}
		return err
	}
	return nil
}

// Get returns a document by id
func (c *PostgresCollection) Get(ctx context.Context, id string) (Document, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = $1", quoteIdent(c.name))

	var raw []byte
	if err := c.db.QueryRowContext(ctx, query, id).Scan(&raw); err != nil {
		return nil, convertPgError(err)
	}
	return decodeDocument(raw)
}

// Replace overwrites an existing document
func (c *PostgresCollection) Replace(ctx context.Context, id string, doc Document) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET data = $1 WHERE id = $2", quoteIdent(c.name))
	return convertPgError(execAffecting(ctx, c.db, query, raw, id))
}

// Delete removes a document
func (c *PostgresCollection) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdent(c.name))
	return convertPgError(execAffecting(ctx, c.db, query, id))
}

// Find evaluates filters with SQL/JSON path expressions, which unwrap arrays
// in lax mode.
func (c *PostgresCollection) Find(ctx context.Context, q Query) ([]Document, int, error) {
	where, args, err := pgWhere(q.Filters)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countQuery := fmt.Sprintf("SELECT count(*) FROM %s%s", quoteIdent(c.name), where)
	if err := c.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, convertPgError(err)
	}

	order, err := pgOrder(q.Sort)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT data FROM %s%s ORDER BY %s", quoteIdent(c.name), where, order)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, convertPgError(err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// EnsureIndex creates an expression index if it does not exist
func (c *PostgresCollection) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	cols, err := indexColumns(spec, pgTextPath)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(spec.Name), quoteIdent(c.name), cols)
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return convertPgError(err)
	}
	return nil
}

// DropIndex removes an index if it exists
func (c *PostgresCollection) DropIndex(ctx context.Context, spec IndexSpec) error {
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", quoteIdent(spec.Name))); err != nil {
		return convertPgError(err)
	}
	return nil
}

// Indexes lists the secondary indexes on the collection table
func (c *PostgresCollection) Indexes(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT indexname FROM pg_indexes WHERE tablename = $1 AND indexname NOT LIKE '%_pkey' ORDER BY indexname",
		c.name)
	if err != nil {
		return nil, convertPgError(err)
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

// pgTextPath renders data #>> '{a,b}'
func pgTextPath(segments []string) string {
	return "data #>> " + pq.QuoteLiteral("{"+strings.Join(segments, ",")+"}")
}

// pgWhere renders filters as jsonb_path_exists predicates
func pgWhere(filters []Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var (
		clauses []string
		args    []any
	)
	for _, f := range filters {
		vars, err := json.Marshal(map[string]string{"v": f.Value})
		if err != nil {
			return "", nil, err
		}

		var alts []string
		for _, p := range f.Paths {
			segments, err := SplitPath(p)
			if err != nil {
				return "", nil, err
			}
			cond := "@ == $v"
			if f.Op == OpPrefix {
				cond = "@ starts with $v"
			}
			args = append(args, "$."+strings.Join(segments, ".")+" ? ("+cond+")", string(vars))
			alts = append(alts, fmt.Sprintf("jsonb_path_exists(data, $%d::jsonpath, $%d::jsonb)", len(args)-1, len(args)))
		}
		if len(alts) > 0 {
			clauses = append(clauses, "("+strings.Join(alts, " OR ")+")")
		}
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// pgOrder renders sort keys, falling back to insertion order
func pgOrder(keys []SortKey) (string, error) {
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		segments, err := SplitPath(k.Path)
		if err != nil {
			return "", err
		}
		part := "(" + pgTextPath(segments) + ")"
		if k.Descending {
			part += " DESC"
		}
		parts = append(parts, part)
	}
	parts = append(parts, "seq")
	return strings.Join(parts, ", "), nil
}

// convertPgError maps driver errors onto store errors
func convertPgError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Detail)
		case "42P01": // undefined_table
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Message)
		}
	}

	return err
}
