// Package postgres runs the SQL store on PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/infrastructure/pool"
	"github.com/TFMV/planlens/pkg/repositories"
	"github.com/TFMV/planlens/pkg/repositories/sqlstore"
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Config configures the Postgres pool.
type Config struct {
	DSN               string        `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	MaxConns          int32         `mapstructure:"max_conns" yaml:"max_conns" json:"max_conns"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period" yaml:"health_check_period" json:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
}

// Open connects to Postgres and returns a store on the pool.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*sqlstore.Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidArgument, "parse postgres dsn")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "connect to postgres")
	}
	if err := p.Ping(connectCtx); err != nil {
		p.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "ping postgres")
	}

	logger.Info().
		Str("dsn", pool.MaskDSN(cfg.DSN)).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("Connected to Postgres")

	return sqlstore.New(NewConn(p), logger.With().Str("driver", "postgres").Logger()), nil
}

type conn struct {
	pool Pool
}

// NewConn wraps p as a repositories.Conn.
func NewConn(p Pool) repositories.Conn {
	return &conn{pool: p}
}

func (c *conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *conn) Query(ctx context.Context, sql string, args ...any) (repositories.Rows, error) {
	return c.pool.Query(ctx, sql, args...)
}

func (c *conn) Begin(ctx context.Context) (repositories.Tx, error) {
	t, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "begin transaction")
	}
	return &tx{tx: t}, nil
}

func (c *conn) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *conn) Close() error {
	c.pool.Close()
	return nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *tx) Query(ctx context.Context, sql string, args ...any) (repositories.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

func (t *tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
