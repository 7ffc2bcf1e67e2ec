package store

import (
	"context"
	"fmt"
)

// Connector establishes the persistence connection
type Connector interface {
	Connect(ctx context.Context) (Store, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context) (Store, error)

// Connect calls f
func (f ConnectorFunc) Connect(ctx context.Context) (Store, error) {
	return f(ctx)
}

// Descriptor names a backend and where to find it.
//
// Supported drivers:
//
//	"memory"   - in-memory (ephemeral)
//	"sqlite"   - SQLite database file at URL (":memory:" allowed)
//	"postgres" - PostgreSQL connection URL
type Descriptor struct {
	Driver string
	URL    string
	Pool   PoolConfig
}

// Connect opens the store described by d
func (d Descriptor) Connect(ctx context.Context) (Store, error) {
	switch d.Driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		if d.URL == "" {
			return nil, fmt.Errorf("sqlite driver requires a database path")
		}
		return NewSqliteStore(d.URL)
	case "postgres", "postgresql", "pgx":
		if d.URL == "" {
			return nil, fmt.Errorf("postgres driver requires a database url")
		}
		pool := d.Pool
		if pool == (PoolConfig{}) {
			pool = DefaultPoolConfig()
		}
		return NewPostgresStore(ctx, d.URL, pool)
	default:
		return nil, fmt.Errorf("unknown store driver: %q (supported: memory, sqlite, postgres)", d.Driver)
	}
}
