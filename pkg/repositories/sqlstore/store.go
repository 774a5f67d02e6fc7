// Package sqlstore implements repositories.Store over any driver that
// satisfies repositories.Conn.
package sqlstore

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/repositories"
)

// Store is the SQL implementation of repositories.Store.
type Store struct {
	conn   repositories.Conn
	logger zerolog.Logger
	now    func() time.Time
}

var _ repositories.Store = (*Store)(nil)

// New creates a store on conn.
func New(conn repositories.Conn, logger zerolog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
}

// Migrate creates every table that does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range repositories.Schema {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return storeErr(err, "migrate schema")
		}
	}
	s.logger.Info().Int("tables", len(repositories.Schema)).Msg("Schema migrated")
	return nil
}

// Ping checks the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "store unreachable")
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error.
func (s *Store) withTx(ctx context.Context, fn func(tx repositories.Tx) error) (err error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "begin transaction")
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return storeErr(err, "commit transaction")
	}
	return nil
}

// query runs q and calls scan for every row.
func query(ctx context.Context, ex repositories.Executor, q string, args []any, scan func(repositories.Rows) error) error {
	rows, err := ex.Query(ctx, q, args...)
	if err != nil {
		return storeErr(err, "query")
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return storeErr(err, "scan row")
		}
	}
	if err := rows.Err(); err != nil {
		return storeErr(err, "iterate rows")
	}
	return nil
}

// exec runs a statement, wrapping driver errors.
func exec(ctx context.Context, ex repositories.Executor, q string, args ...any) error {
	if _, err := ex.Exec(ctx, q, args...); err != nil {
		return storeErr(err, "exec")
	}
	return nil
}

func storeErr(err error, msg string) error {
	if pkgerrors.GetCode(err) != pkgerrors.CodeInternal {
		return err
	}
	return pkgerrors.Wrap(err, pkgerrors.CodeStoreFailed, msg)
}

func (s *Store) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}
