package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"coinflip-engine/internal/model"
)

// LedgerRepository records value-movement legs of settlements. The ledger
// is append-only; it exists for auditing, not for deriving ownership.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Append writes a ledger entry, usually inside a settlement transaction.
func (r *LedgerRepository) Append(ctx context.Context, q Querier, userID int64, amount int64, entryType string, gameID *string, description *string) error {
	const query = `
		INSERT INTO ledger (user_id, amount, type, game_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	if _, err := q.Exec(ctx, query, userID, amount, entryType, gameID, description); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// GetByUserID retrieves a user's ledger entries, newest first.
func (r *LedgerRepository) GetByUserID(ctx context.Context, userID int64, limit int) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT id, user_id, amount, type, game_id, description, created_at
		FROM ledger
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Amount,
			&e.Type,
			&e.GameID,
			&e.Description,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// GetByGameID retrieves all value movements recorded for one game.
func (r *LedgerRepository) GetByGameID(ctx context.Context, gameID string) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT id, user_id, amount, type, game_id, description, created_at
		FROM ledger
		WHERE game_id = $1
		ORDER BY id ASC
	`

	rows, err := r.pool.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to get game ledger: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Amount,
			&e.Type,
			&e.GameID,
			&e.Description,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}
