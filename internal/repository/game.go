package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinflip-engine/internal/model"
)

// GameRepository handles coinflip game persistence. Item lists are stored
// as JSONB snapshots on the game row: once staked they are no longer live
// inventory, and once the game ends the record is immutable history.
type GameRepository struct {
	pool *pgxpool.Pool
}

// NewGameRepository creates a new GameRepository instance.
func NewGameRepository(pool *pgxpool.Pool) *GameRepository {
	return &GameRepository{pool: pool}
}

const gameColumns = `
	id, pot_value, creator_id, creator_side, join_range_min, join_range_max,
	joiner_id, state, server_seed, server_seed_hash, client_seed,
	normalized_result, winner_id, total_tax_value, notified, created_at,
	ended_at, creator_items, joiner_items, taxed_items
`

// Create persists a freshly created ACTIVE game.
func (r *GameRepository) Create(ctx context.Context, q Querier, g *model.Game) error {
	const query = `
		INSERT INTO games (
			id, pot_value, creator_id, creator_side, join_range_min,
			join_range_max, state, server_seed, server_seed_hash,
			total_tax_value, notified, created_at, creator_items
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, FALSE, NOW(), $10)
	`

	creatorItems, err := json.Marshal(g.CreatorItems)
	if err != nil {
		return fmt.Errorf("failed to marshal creator items: %w", err)
	}

	_, err = q.Exec(ctx, query,
		g.ID,
		g.PotValue,
		g.CreatorID,
		g.CreatorSide,
		g.JoinRangeMin,
		g.JoinRangeMax,
		g.State,
		g.ServerSeed,
		g.ServerSeedHash,
		creatorItems,
	)
	if err != nil {
		return fmt.Errorf("failed to create game: %w", err)
	}
	return nil
}

// GetByID retrieves a game by ID. Returns ErrGameNotFound if absent.
func (r *GameRepository) GetByID(ctx context.Context, q Querier, id string) (*model.Game, error) {
	query := `SELECT ` + gameColumns + ` FROM games WHERE id = $1`
	return r.scanGame(q.QueryRow(ctx, query, id))
}

// GetByIDForUpdate retrieves a game inside a transaction with a row lock,
// closing the window between any advisory check and the authoritative
// mutation.
func (r *GameRepository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*model.Game, error) {
	query := `SELECT ` + gameColumns + ` FROM games WHERE id = $1 FOR UPDATE`
	return r.scanGame(tx.QueryRow(ctx, query, id))
}

// SettleParams carries the outcome of a resolved join.
type SettleParams struct {
	JoinerID         int64
	JoinerItems      []model.Item
	ClientSeed       string
	NormalizedResult float64
	WinnerID         int64
	TaxedItems       []model.Item
	TotalTaxValue    int64
}

// Settle transitions a game ACTIVE -> ENDED. The WHERE clause re-checks
// state and joiner so that of N racing joins only the first to commit can
// match; everyone else gets ErrGameConflict.
func (r *GameRepository) Settle(ctx context.Context, tx pgx.Tx, id string, p SettleParams) error {
	const query = `
		UPDATE games
		SET state = $2, joiner_id = $3, joiner_items = $4, client_seed = $5,
		    normalized_result = $6, winner_id = $7, taxed_items = $8,
		    total_tax_value = $9, ended_at = NOW()
		WHERE id = $1 AND state = $10 AND joiner_id IS NULL
	`

	joinerItems, err := json.Marshal(p.JoinerItems)
	if err != nil {
		return fmt.Errorf("failed to marshal joiner items: %w", err)
	}
	taxedItems, err := json.Marshal(p.TaxedItems)
	if err != nil {
		return fmt.Errorf("failed to marshal taxed items: %w", err)
	}

	tag, err := tx.Exec(ctx, query,
		id,
		model.GameEnded,
		p.JoinerID,
		joinerItems,
		p.ClientSeed,
		p.NormalizedResult,
		p.WinnerID,
		taxedItems,
		p.TotalTaxValue,
		model.GameActive,
	)
	if err != nil {
		return fmt.Errorf("failed to settle game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGameConflict
	}
	return nil
}

// Cancel transitions a game ACTIVE -> CANCELLED, guarded against a
// concurrent join the same way Settle is.
func (r *GameRepository) Cancel(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `
		UPDATE games
		SET state = $2, ended_at = NOW()
		WHERE id = $1 AND state = $3 AND joiner_id IS NULL
	`

	tag, err := tx.Exec(ctx, query, id, model.GameCancelled, model.GameActive)
	if err != nil {
		return fmt.Errorf("failed to cancel game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGameConflict
	}
	return nil
}

// ListActive returns games awaiting a joiner, newest first.
func (r *GameRepository) ListActive(ctx context.Context, limit int) ([]*model.Game, error) {
	query := `
		SELECT ` + gameColumns + `
		FROM games
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, model.GameActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active games: %w", err)
	}
	defer rows.Close()

	return r.scanGames(rows)
}

// ListUnnotified returns settled games whose notification was never
// emitted, for idempotent re-emission after a crash between commit and
// broadcast.
func (r *GameRepository) ListUnnotified(ctx context.Context, limit int) ([]*model.Game, error) {
	query := `
		SELECT ` + gameColumns + `
		FROM games
		WHERE notified = FALSE AND state <> $1
		ORDER BY ended_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, model.GameActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unnotified games: %w", err)
	}
	defer rows.Close()

	return r.scanGames(rows)
}

// MarkNotified records that the game's end notification went out. Runs
// outside the settlement transaction: losing this write only causes a
// duplicate notification on restart, never a duplicate settlement.
func (r *GameRepository) MarkNotified(ctx context.Context, id string) error {
	const query = `UPDATE games SET notified = TRUE WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark game notified: %w", err)
	}
	return nil
}

func (r *GameRepository) scanGame(row pgx.Row) (*model.Game, error) {
	var (
		g            model.Game
		endedAt      *time.Time
		creatorItems []byte
		joinerItems  []byte
		taxedItems   []byte
	)

	err := row.Scan(
		&g.ID,
		&g.PotValue,
		&g.CreatorID,
		&g.CreatorSide,
		&g.JoinRangeMin,
		&g.JoinRangeMax,
		&g.JoinerID,
		&g.State,
		&g.ServerSeed,
		&g.ServerSeedHash,
		&g.ClientSeed,
		&g.NormalizedResult,
		&g.WinnerID,
		&g.TotalTaxValue,
		&g.Notified,
		&g.CreatedAt,
		&endedAt,
		&creatorItems,
		&joinerItems,
		&taxedItems,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGameNotFound
		}
		return nil, fmt.Errorf("failed to scan game: %w", err)
	}

	g.EndedAt = endedAt
	if err := unmarshalItems(creatorItems, &g.CreatorItems); err != nil {
		return nil, err
	}
	if err := unmarshalItems(joinerItems, &g.JoinerItems); err != nil {
		return nil, err
	}
	if err := unmarshalItems(taxedItems, &g.TaxedItems); err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GameRepository) scanGames(rows pgx.Rows) ([]*model.Game, error) {
	var games []*model.Game
	for rows.Next() {
		g, err := r.scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating games: %w", err)
	}
	return games, nil
}

func unmarshalItems(raw []byte, into *[]model.Item) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to unmarshal item snapshot: %w", err)
	}
	return nil
}
