package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"coinflip-engine/internal/model"
)

// StatsRepository maintains the single aggregate statistics row: biggest
// single-pot win and the accumulated reward-pool value. Updated inside the
// settlement transaction, never as an afterthought.
type StatsRepository struct {
	pool *pgxpool.Pool
}

// NewStatsRepository creates a new StatsRepository instance.
func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

// Ensure creates the stats row if it does not exist yet.
func (r *StatsRepository) Ensure(ctx context.Context) error {
	const query = `
		INSERT INTO stats (id, biggest_win_value, reward_pool_value, updated_at)
		VALUES (1, 0, 0, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure stats row: %w", err)
	}
	return nil
}

// ApplySettlement folds one settled game into the aggregates: the win value
// replaces the record if larger, and the reward-pool counter grows by the
// earmarked cut.
func (r *StatsRepository) ApplySettlement(ctx context.Context, q Querier, gameID string, winValue, rewardPoolCut int64) error {
	const query = `
		UPDATE stats
		SET biggest_win_value = CASE WHEN $2 > biggest_win_value THEN $2 ELSE biggest_win_value END,
		    biggest_win_game_id = CASE WHEN $2 > biggest_win_value THEN $1 ELSE biggest_win_game_id END,
		    reward_pool_value = reward_pool_value + $3,
		    updated_at = NOW()
		WHERE id = 1
	`

	if _, err := q.Exec(ctx, query, gameID, winValue, rewardPoolCut); err != nil {
		return fmt.Errorf("failed to apply settlement stats: %w", err)
	}
	return nil
}

// Get retrieves the aggregate statistics.
func (r *StatsRepository) Get(ctx context.Context) (*model.Stats, error) {
	const query = `
		SELECT biggest_win_value, biggest_win_game_id, reward_pool_value, updated_at
		FROM stats
		WHERE id = 1
	`

	var s model.Stats
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.BiggestWinValue,
		&s.BiggestWinGameID,
		&s.RewardPoolValue,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return &s, nil
}
