// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors for repository operations.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrGameNotFound = errors.New("game not found")

	// ErrItemsMissing means at least one requested instance ID was not in
	// the expected inventory. The debit is all-or-nothing, so the caller
	// must abort the surrounding transaction.
	ErrItemsMissing = errors.New("one or more items missing from inventory")

	// ErrGameConflict means the guarded game mutation matched no row: the
	// game was already joined, ended, or cancelled by a concurrent request.
	ErrGameConflict = errors.New("game state conflict")
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so repository methods can run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
