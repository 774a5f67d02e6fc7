// Package duckdb runs the SQL store on an embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/infrastructure/pool"
	"github.com/TFMV/planlens/pkg/repositories"
	"github.com/TFMV/planlens/pkg/repositories/sqlstore"
)

// conn adapts a connection pool to repositories.Conn.
type conn struct {
	pool pool.ConnectionPool
}

// NewConn wraps p as a repositories.Conn.
func NewConn(p pool.ConnectionPool) repositories.Conn {
	return &conn{pool: p}
}

// Open opens the DuckDB pool described by cfg and returns a store on it.
func Open(cfg pool.Config, logger zerolog.Logger) (*sqlstore.Store, error) {
	p, err := pool.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return sqlstore.New(NewConn(p), logger.With().Str("driver", "duckdb").Logger()), nil
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	db, err := c.pool.Get(ctx)
	if err != nil {
		return 0, err
	}
	return execResult(db.ExecContext(ctx, query, args...))
}

func (c *conn) Query(ctx context.Context, query string, args ...any) (repositories.Rows, error) {
	db, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	r, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows{r}, nil
}

func (c *conn) Begin(ctx context.Context) (repositories.Tx, error) {
	db, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	t, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "begin transaction")
	}
	return &tx{tx: t}, nil
}

func (c *conn) Ping(ctx context.Context) error {
	return c.pool.HealthCheck(ctx)
}

func (c *conn) Close() error {
	return c.pool.Close()
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execResult(t.tx.ExecContext(ctx, query, args...))
}

func (t *tx) Query(ctx context.Context, query string, args ...any) (repositories.Rows, error) {
	r, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows{r}, nil
}

func (t *tx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *tx) Rollback(context.Context) error { return t.tx.Rollback() }

// rows adapts *sql.Rows, whose Close returns an error nobody acts on.
type rows struct {
	*sql.Rows
}

func (r rows) Close() { _ = r.Rows.Close() }

func execResult(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
