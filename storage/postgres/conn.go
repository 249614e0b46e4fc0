// Package postgres is kgrag's default storage backend: one *sql.DB backing
// all four capabilities (KV, vector, graph, doc-status), each namespaced by
// workspace. Ported from the teacher's database.*DBHandler +
// helper.Database + sql.Load*Sql pattern: a shared connection wrapper,
// per-capability handlers, idempotent embedded-SQL bootstrapping.
package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/siherrmann/kgrag/internal/kgerr"
)

// Conn is the shared *sql.DB handle every handler in this package embeds,
// mirroring the teacher's helper.Database{Instance, Logger}.
type Conn struct {
	Instance *sql.DB
	Logger   *slog.Logger
}

// Open connects to dsn, verifies it with a bounded ping, and returns a Conn.
func Open(dsn string, logger *slog.Logger) (*Conn, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, kgerr.New("postgres.Open", kgerr.StorageFatal, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, kgerr.New("postgres.Open.Ping", kgerr.StorageTransient, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Conn{Instance: db, Logger: logger}, nil
}

// Init creates the pgvector and pg_trgm extensions used across every
// namespace's tables. Safe to call every startup.
func (c *Conn) Init(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm;`,
	} {
		if _, err := c.Instance.ExecContext(ctx, stmt); err != nil {
			return kgerr.New("postgres.Init", kgerr.StorageFatal, err)
		}
	}
	return nil
}

func (c *Conn) Close() error {
	return c.Instance.Close()
}
