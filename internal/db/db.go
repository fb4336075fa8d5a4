package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced by the store.
var (
	ErrOrderNotFound                = errors.New("order not found")
	ErrOrderNotOpen                 = errors.New("order is not pending")
	ErrStaleOrder                   = errors.New("order changed since it was read")
	ErrInsufficientAvailableBalance = errors.New("insufficient available balance")
	ErrInsufficientLockedBalance    = errors.New("insufficient locked balance")
)

// InsufficientBalanceError carries the shortfall details for the user-facing
// placement error.
type InsufficientBalanceError struct {
	Currency  string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s",
		e.Currency, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientAvailableBalance
}

// Shortfall returns how much of the currency the user is missing.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// wallet primitives can run standalone or inside a settlement transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}
