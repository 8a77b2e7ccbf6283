// Package postgres implements the catalog repositories on PostgreSQL
// via pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/quay/zlog"
	"github.com/remind101/migrate"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/datastore"
	"github.com/panicfrog/rodepush/datastore/postgres/migrations"
)

// Store implements [datastore.Store] on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	// queryTimeout bounds each catalog method's queries.
	queryTimeout time.Duration
}

var _ datastore.Store = (*Store)(nil)

// Connect initializes a pool from the connection string. A positive
// maxConns caps the pool.
func Connect(ctx context.Context, connString, applicationName string, maxConns int32) (*pgxpool.Pool, error) {
	const op = `datastore/postgres/Connect`
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, &rodepush.Error{
			Op:      op,
			Kind:    rodepush.ErrValidation,
			Message: "failed to parse connection string",
			Inner: &rodepush.Error{
				Kind:  rodepush.ErrPermanent,
				Inner: err,
			},
		}
	}
	const appnameKey = `application_name`
	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params[appnameKey]; !ok {
		params[appnameKey] = applicationName
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &rodepush.Error{
			Op:      op,
			Kind:    rodepush.ErrCatalog,
			Message: "failed to create connection pool",
			Inner:   err,
		}
	}
	return pool, nil
}

// New wraps the pool and applies pending schema migrations.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/New")
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	migrator := migrate.NewPostgresMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		return nil, &rodepush.Error{
			Op:      `datastore/postgres/New`,
			Kind:    rodepush.ErrCatalog,
			Message: "running migrations",
			Inner:   err,
		}
	}
	zlog.Info(ctx).Msg("catalog schema up to date")
	return &Store{pool: pool, queryTimeout: 5 * time.Second}, nil
}

// SetQueryTimeout overrides the default 5 s per-method query timeout.
func (s *Store) SetQueryTimeout(d time.Duration) {
	if d > 0 {
		s.queryTimeout = d
	}
}

// qctx bounds one catalog method.
func (s *Store) qctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// catalogErr classifies a pgx error into the domain taxonomy.
func catalogErr(op, msg string, err error) error {
	var pgErr *pgconn.PgError
	kind := rodepush.ErrCatalog
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		kind = rodepush.ErrNotFound
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "23505": // unique_violation
			kind = rodepush.ErrConflict
		case "23503": // foreign_key_violation
			kind = rodepush.ErrValidation
		case "23514": // check_violation
			kind = rodepush.ErrValidation
		}
	case errors.Is(err, sql.ErrNoRows):
		kind = rodepush.ErrNotFound
	}
	return &rodepush.Error{Op: op, Kind: kind, Message: msg, Inner: err}
}

func notFound(op, what string, id fmt.Stringer) error {
	return &rodepush.Error{
		Op:      op,
		Kind:    rodepush.ErrNotFound,
		Message: fmt.Sprintf("no %s %s", what, id),
	}
}
