// Package postgres implements the repository registry on PostgreSQL through a pgx connection pool. Stock rows
// are locked with SELECT ... FOR UPDATE inside the caller's transaction.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storefront-labs/orders-api/internal/platform/config"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

//go:embed schema.sql
var schemaSQL string

const (
	uniqueViolation = "23505"

	orderNumberConstraint     = "orders_order_number_key"
	checkoutSessionConstraint = "checkout_sessions_pkey"
)

// Error implements repositories.RepositoryError for PostgreSQL failures.
type Error struct {
	Op  string
	Err error

	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error       { return e.Err }
func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }

// wrapError classifies pgx errors. Unique violations on the order number and checkout session constraints map
// to the repository sentinels.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Op: op, Err: err, notFound: true}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case orderNumberConstraint:
			return fmt.Errorf("%s: %w", op, repositories.ErrOrderNumberTaken)
		case checkoutSessionConstraint:
			return fmt.Errorf("%s: %w", op, repositories.ErrCheckoutSessionProcessed)
		}
		return &Error{Op: op, Err: err, conflict: true}
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Err: err, unavailable: true}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &Error{Op: op, Err: err, unavailable: true}
	}
	return &Error{Op: op, Err: err}
}

func notFound(op string, what string) error {
	return &Error{Op: op, Err: fmt.Errorf("%s not found", what), notFound: true}
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Store is the PostgreSQL registry.
type Store struct {
	pool *pgxpool.Pool
}

var _ repositories.Registry = (*Store)(nil)

// Open connects a pool using cfg and applies the schema when AutoMigrate is set.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	store := NewStore(pool)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapError("postgres.migrate", err)
	}
	return nil
}

// RunInTx begins a transaction and commits it when fn succeeds. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("postgres: transaction function is nil")
	}
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapError("postgres.begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapError("postgres.commit", err)
	}
	return nil
}

// atomic runs fn in its own transaction, or in a savepoint of the caller's transaction so a failed statement
// does not abort the outer unit of work.
func (s *Store) atomic(ctx context.Context, fn func(q querier) error) error {
	if outer := txFrom(ctx); outer != nil {
		sp, err := outer.Begin(ctx)
		if err != nil {
			return wrapError("postgres.savepoint", err)
		}
		if err := fn(sp); err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		return sp.Commit(ctx)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapError("postgres.begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// Ping checks pool connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return wrapError("postgres.ping", err)
	}
	return nil
}

// Close releases every pooled connection.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Store) Products() repositories.ProductRepository { return productRepository{store: s} }
func (s *Store) Users() repositories.UserRepository       { return userRepository{store: s} }
func (s *Store) Orders() repositories.OrderRepository     { return orderRepository{store: s} }
