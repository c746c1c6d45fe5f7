package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"coinflip-engine/internal/config"
	"coinflip-engine/internal/fair"
	"coinflip-engine/internal/model"
	"coinflip-engine/internal/pkg/lock"
	"coinflip-engine/internal/repository"
	"coinflip-engine/internal/tax"
)

// Broadcaster fans out real-time events. Best-effort and at-most-once: a
// failed publish is logged by the implementation, never retried by the
// engine, and can never roll back a committed settlement.
type Broadcaster interface {
	Publish(event string, payload any)
}

// Engine orchestrates the coinflip game lifecycle: creation, joinability
// checks, the join-and-settle path, and cancellation. All game and
// inventory mutations happen inside a single transaction per attempt; the
// distributed item locks and version counters only narrow the race window,
// while the authoritative exactly-once guarantee comes from re-validating
// the game row inside the committing transaction.
type Engine struct {
	pool      *pgxpool.Pool
	games     *repository.GameRepository
	inventory *repository.InventoryRepository
	users     *repository.UserRepository
	ledger    *repository.LedgerRepository
	stats     *repository.StatsRepository
	locks     *lock.Manager
	broadcast Broadcaster
	cfg       config.CoinflipConfig
	lockCfg   config.LockConfig
}

// NewEngine creates a settlement engine.
func NewEngine(
	pool *pgxpool.Pool,
	games *repository.GameRepository,
	inventory *repository.InventoryRepository,
	users *repository.UserRepository,
	ledger *repository.LedgerRepository,
	stats *repository.StatsRepository,
	locks *lock.Manager,
	broadcast Broadcaster,
	cfg config.CoinflipConfig,
	lockCfg config.LockConfig,
) *Engine {
	return &Engine{
		pool:      pool,
		games:     games,
		inventory: inventory,
		users:     users,
		ledger:    ledger,
		stats:     stats,
		locks:     locks,
		broadcast: broadcast,
		cfg:       cfg,
		lockCfg:   lockCfg,
	}
}

// Create opens a new pot: debits the creator's stake atomically, computes
// the join range, mints the provably-fair commitment and persists the game
// as ACTIVE. The server seed hash is part of the returned game, so the
// commitment is published before anyone contributes a counter-stake.
func (e *Engine) Create(ctx context.Context, creatorID int64, instanceIDs []string, side model.Side) (*model.Game, error) {
	if err := validateInstanceIDs(instanceIDs, e.cfg.MaxItemsPerSide); err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, ErrInvalidSide
	}

	exists, err := e.users.Exists(ctx, creatorID)
	if err != nil {
		return nil, infraError("failed to check creator", err)
	}
	if !exists {
		return nil, ErrUserNotFound
	}

	tokens, err := e.locks.AcquireAll(ctx, instanceIDs, e.lockCfg.TTL)
	if err != nil {
		return nil, lockError(err)
	}
	defer e.locks.ReleaseAll(ctx, tokens)

	versions, err := e.locks.ReadVersions(ctx, instanceIDs)
	if err != nil {
		return nil, infraError("failed to read item versions", err)
	}

	commitment, err := fair.NewCommitment()
	if err != nil {
		return nil, infraError("failed to generate commitment", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, infraError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	items, err := e.inventory.DebitItems(ctx, tx, creatorID, instanceIDs)
	if err != nil {
		if errors.Is(err, repository.ErrItemsMissing) {
			return nil, ErrItemsNotOwned
		}
		return nil, infraError("failed to debit creator items", err)
	}
	for _, it := range items {
		if it.Value <= 0 {
			return nil, ErrInvalidItems
		}
	}

	if err := e.checkVersions(ctx, instanceIDs, versions); err != nil {
		return nil, err
	}

	pot := model.ItemsValue(items)
	game := &model.Game{
		ID:             uuid.NewString(),
		PotValue:       pot,
		CreatorID:      creatorID,
		CreatorSide:    side,
		JoinRangeMin:   pot - int64(float64(pot)*e.cfg.JoinTolerance),
		JoinRangeMax:   pot + int64(float64(pot)*e.cfg.JoinTolerance),
		State:          model.GameActive,
		ServerSeed:     commitment.ServerSeed,
		ServerSeedHash: commitment.ServerSeedHash,
		CreatedAt:      time.Now(),
		CreatorItems:   items,
	}

	if err := e.games.Create(ctx, tx, game); err != nil {
		return nil, infraError("failed to persist game", err)
	}

	desc := fmt.Sprintf("staked %d items into pot", len(items))
	if err := e.ledger.Append(ctx, tx, creatorID, -pot, model.LedgerTypeStake, &game.ID, &desc); err != nil {
		return nil, infraError("failed to write ledger", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, infraError("failed to commit game creation", err)
	}

	e.bumpVersions(ctx, instanceIDs)

	snapshot := redacted(game)
	e.broadcast.Publish(model.EventGameCreated, snapshot)

	log.Info().
		Str("game_id", game.ID).
		Int64("creator_id", creatorID).
		Int64("pot_value", pot).
		Msg("Game created")

	return snapshot, nil
}

// CheckJoinable is a pure advisory read combining the persisted game state
// with the shared join-intent hint. A "joinable" answer does not guarantee
// the subsequent join will succeed; correctness is enforced inside Join.
func (e *Engine) CheckJoinable(ctx context.Context, gameID string) (model.JoinStatus, error) {
	game, err := e.games.GetByID(ctx, e.pool, gameID)
	if err != nil {
		if errors.Is(err, repository.ErrGameNotFound) {
			return model.JoinStatusNotFound, ErrGameNotFound
		}
		return model.JoinStatusNotFound, infraError("failed to load game", err)
	}

	if game.JoinerID != nil {
		return model.JoinStatusHasJoiner, nil
	}
	if game.State != model.GameActive {
		return model.JoinStatusUnavailable, nil
	}

	if _, busy, err := e.locks.GetJoinIntent(ctx, gameID); err != nil {
		// The hint has no correctness authority; a store hiccup here
		// must not fail the check.
		log.Warn().Err(err).Str("game_id", gameID).Msg("Failed to read join intent")
	} else if busy {
		return model.JoinStatusBeingJoined, nil
	}

	return model.JoinStatusJoinable, nil
}

// Join stakes the joiner's items against an ACTIVE game and settles it:
// outcome draw, tax extraction, winner and collector credits, aggregate
// stats, all inside one transaction. Of N concurrent joins on the same
// game, exactly one commit passes the in-transaction re-validation; the
// rest roll back with a conflict and no inventory mutation.
func (e *Engine) Join(ctx context.Context, gameID string, joinerID int64, instanceIDs []string) (*model.Game, error) {
	if err := validateInstanceIDs(instanceIDs, e.cfg.MaxItemsPerSide); err != nil {
		return nil, err
	}

	// Advisory pre-checks: fail doomed attempts before paying for locks.
	preview, err := e.games.GetByID(ctx, e.pool, gameID)
	if err != nil {
		if errors.Is(err, repository.ErrGameNotFound) {
			return nil, ErrGameNotFound
		}
		return nil, infraError("failed to load game", err)
	}
	if preview.CreatorID == joinerID {
		return nil, ErrOwnGame
	}
	if preview.JoinerID != nil {
		return nil, ErrAlreadyJoined
	}
	if preview.State != model.GameActive {
		return nil, ErrGameNotActive
	}

	exists, err := e.users.Exists(ctx, joinerID)
	if err != nil {
		return nil, infraError("failed to check joiner", err)
	}
	if !exists {
		return nil, ErrUserNotFound
	}

	tokens, err := e.locks.AcquireAll(ctx, instanceIDs, e.lockCfg.TTL)
	if err != nil {
		return nil, lockError(err)
	}
	defer e.locks.ReleaseAll(ctx, tokens)

	versions, err := e.locks.ReadVersions(ctx, instanceIDs)
	if err != nil {
		return nil, infraError("failed to read item versions", err)
	}

	if err := e.locks.SetJoinIntent(ctx, gameID, joinerID, e.lockCfg.IntentTTL); err != nil {
		// Advisory only: log and continue.
		log.Warn().Err(err).Str("game_id", gameID).Msg("Failed to set join intent")
	}
	defer func() {
		if err := e.locks.ClearJoinIntent(ctx, gameID); err != nil {
			log.Warn().Err(err).Str("game_id", gameID).Msg("Failed to clear join intent")
		}
	}()

	settled, err := e.settle(ctx, gameID, joinerID, instanceIDs, versions)
	if err != nil {
		return nil, err
	}

	e.bumpVersions(ctx, instanceIDs)

	e.broadcast.Publish(model.EventGameJoined, settled)
	e.broadcast.Publish(model.EventGameEnded, settled)
	if err := e.games.MarkNotified(ctx, settled.ID); err != nil {
		log.Warn().Err(err).Str("game_id", settled.ID).Msg("Failed to mark game notified")
	}

	log.Info().
		Str("game_id", settled.ID).
		Int64("joiner_id", joinerID).
		Int64("winner_id", *settled.WinnerID).
		Int64("total_tax", settled.TotalTaxValue).
		Float64("result", *settled.NormalizedResult).
		Msg("Game settled")

	return settled, nil
}

// settle runs the authoritative join transaction.
func (e *Engine) settle(ctx context.Context, gameID string, joinerID int64, instanceIDs []string, versions map[string]int64) (*model.Game, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, infraError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// Fresh read under a row lock: the only state that decides the race.
	game, err := e.games.GetByIDForUpdate(ctx, tx, gameID)
	if err != nil {
		if errors.Is(err, repository.ErrGameNotFound) {
			return nil, ErrGameNotFound
		}
		return nil, infraError("failed to load game for update", err)
	}
	if game.State != model.GameActive {
		return nil, ErrGameNotActive
	}
	if game.JoinerID != nil {
		return nil, ErrAlreadyJoined
	}
	if game.CreatorID == joinerID {
		return nil, ErrOwnGame
	}

	joinerItems, err := e.inventory.DebitItems(ctx, tx, joinerID, instanceIDs)
	if err != nil {
		if errors.Is(err, repository.ErrItemsMissing) {
			return nil, ErrItemsNotOwned
		}
		return nil, infraError("failed to debit joiner items", err)
	}
	for _, it := range joinerItems {
		if it.Value <= 0 {
			return nil, ErrInvalidItems
		}
	}

	joinValue := model.ItemsValue(joinerItems)
	if joinValue < game.JoinRangeMin || joinValue > game.JoinRangeMax {
		return nil, ErrValueOutOfRange
	}

	if err := e.checkVersions(ctx, instanceIDs, versions); err != nil {
		return nil, err
	}

	outcome, err := fair.Resolve(game.ServerSeed)
	if err != nil {
		return nil, infraError("failed to resolve outcome", err)
	}
	winnerID := fair.Winner(outcome.Side, game.CreatorSide, game.CreatorID, joinerID)

	combined := make([]model.Item, 0, len(game.CreatorItems)+len(joinerItems))
	combined = append(combined, game.CreatorItems...)
	combined = append(combined, joinerItems...)
	totalPot := game.PotValue + joinValue

	taxed := tax.Compute(combined, totalPot, e.cfg.TaxRate)
	winnerItems := excludeItems(combined, taxed.TaxedItems)
	winValue := model.ItemsValue(winnerItems)
	rewardCut := tax.RewardPoolCut(taxed.TotalTaxValue, e.cfg.RewardPoolShare)

	if _, err := e.inventory.CreditItems(ctx, tx, winnerID, winnerItems); err != nil {
		return nil, infraError("failed to credit winner", err)
	}
	if _, err := e.inventory.CreditItems(ctx, tx, e.cfg.CollectorID, taxed.TaxedItems); err != nil {
		return nil, infraError("failed to credit collector", err)
	}

	if err := e.stats.ApplySettlement(ctx, tx, gameID, winValue, rewardCut); err != nil {
		return nil, infraError("failed to update stats", err)
	}

	if err := e.appendSettleLedger(ctx, tx, game, joinerID, joinValue, winnerID, winValue, taxed.TotalTaxValue, rewardCut); err != nil {
		return nil, err
	}

	params := repository.SettleParams{
		JoinerID:         joinerID,
		JoinerItems:      joinerItems,
		ClientSeed:       outcome.ClientSeed,
		NormalizedResult: outcome.NormalizedResult,
		WinnerID:         winnerID,
		TaxedItems:       taxed.TaxedItems,
		TotalTaxValue:    taxed.TotalTaxValue,
	}
	if err := e.games.Settle(ctx, tx, gameID, params); err != nil {
		if errors.Is(err, repository.ErrGameConflict) {
			return nil, ErrAlreadyJoined
		}
		return nil, infraError("failed to settle game", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, infraError("failed to commit settlement", err)
	}

	now := time.Now()
	game.State = model.GameEnded
	game.JoinerID = &joinerID
	game.JoinerItems = joinerItems
	game.ClientSeed = &outcome.ClientSeed
	game.NormalizedResult = &outcome.NormalizedResult
	game.WinnerID = &winnerID
	game.TaxedItems = taxed.TaxedItems
	game.TotalTaxValue = taxed.TotalTaxValue
	game.EndedAt = &now
	return game, nil
}

// Cancel withdraws an ACTIVE game with no joiner and refunds the creator's
// stake under fresh instance IDs.
func (e *Engine) Cancel(ctx context.Context, gameID string, requesterID int64) (*model.Game, error) {
	preview, err := e.games.GetByID(ctx, e.pool, gameID)
	if err != nil {
		if errors.Is(err, repository.ErrGameNotFound) {
			return nil, ErrGameNotFound
		}
		return nil, infraError("failed to load game", err)
	}
	if preview.CreatorID != requesterID {
		return nil, ErrNotCreator
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, infraError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	game, err := e.games.GetByIDForUpdate(ctx, tx, gameID)
	if err != nil {
		if errors.Is(err, repository.ErrGameNotFound) {
			return nil, ErrGameNotFound
		}
		return nil, infraError("failed to load game for update", err)
	}
	if game.JoinerID != nil {
		return nil, ErrAlreadyJoined
	}
	if game.State != model.GameActive {
		return nil, ErrGameNotActive
	}

	if err := e.games.Cancel(ctx, tx, gameID); err != nil {
		if errors.Is(err, repository.ErrGameConflict) {
			return nil, ErrAlreadyJoined
		}
		return nil, infraError("failed to cancel game", err)
	}

	refunded, err := e.inventory.CreditItems(ctx, tx, game.CreatorID, game.CreatorItems)
	if err != nil {
		return nil, infraError("failed to refund creator", err)
	}

	desc := "pot cancelled by creator"
	if err := e.ledger.Append(ctx, tx, game.CreatorID, game.PotValue, model.LedgerTypeRefund, &game.ID, &desc); err != nil {
		return nil, infraError("failed to write ledger", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, infraError("failed to commit cancellation", err)
	}

	now := time.Now()
	game.State = model.GameCancelled
	game.EndedAt = &now
	game.CreatorItems = refunded

	snapshot := redacted(game)
	e.broadcast.Publish(model.EventJoinStateReset, snapshot)
	if err := e.games.MarkNotified(ctx, gameID); err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("Failed to mark game notified")
	}

	log.Info().
		Str("game_id", gameID).
		Int64("creator_id", game.CreatorID).
		Msg("Game cancelled")

	return snapshot, nil
}

// ReemitUnnotified re-broadcasts events for settled games whose
// notification never went out, typically after a crash between commit and
// publish. Emission is idempotent: consumers see the same post-mutation
// snapshot again.
func (e *Engine) ReemitUnnotified(ctx context.Context) error {
	games, err := e.games.ListUnnotified(ctx, 100)
	if err != nil {
		return infraError("failed to list unnotified games", err)
	}

	for _, g := range games {
		switch g.State {
		case model.GameEnded:
			e.broadcast.Publish(model.EventGameEnded, g)
		case model.GameCancelled:
			e.broadcast.Publish(model.EventJoinStateReset, redacted(g))
		}
		if err := e.games.MarkNotified(ctx, g.ID); err != nil {
			log.Warn().Err(err).Str("game_id", g.ID).Msg("Failed to mark game notified")
			continue
		}
		log.Info().Str("game_id", g.ID).Str("state", string(g.State)).Msg("Re-emitted settlement notification")
	}
	return nil
}

// ListActive returns open pots for display.
func (e *Engine) ListActive(ctx context.Context, limit int) ([]*model.Game, error) {
	games, err := e.games.ListActive(ctx, limit)
	if err != nil {
		return nil, infraError("failed to list active games", err)
	}
	for i, g := range games {
		games[i] = redacted(g)
	}
	return games, nil
}

// Stats returns the aggregate statistics record.
func (e *Engine) Stats(ctx context.Context) (*model.Stats, error) {
	s, err := e.stats.Get(ctx)
	if err != nil {
		return nil, infraError("failed to load stats", err)
	}
	return s, nil
}

// checkVersions re-reads the item version counters and compares them with
// the values observed right after lock acquisition. A mismatch means some
// other settlement attempt touched an item in between, e.g. after a
// previous holder's TTL expired mid-operation.
func (e *Engine) checkVersions(ctx context.Context, instanceIDs []string, expected map[string]int64) error {
	current, err := e.locks.ReadVersions(ctx, instanceIDs)
	if err != nil {
		return infraError("failed to re-read item versions", err)
	}
	for id, v := range expected {
		if current[id] != v {
			return ErrStaleItems
		}
	}
	return nil
}

// bumpVersions marks items as having participated in a settlement attempt.
// Runs after commit; failures only widen the staleness window for readers,
// so they are logged and swallowed.
func (e *Engine) bumpVersions(ctx context.Context, instanceIDs []string) {
	for _, id := range instanceIDs {
		if _, err := e.locks.BumpVersion(ctx, id); err != nil {
			log.Warn().Err(err).Str("instance_id", id).Msg("Failed to bump item version")
		}
	}
}

func (e *Engine) appendSettleLedger(ctx context.Context, tx pgx.Tx, game *model.Game, joinerID, joinValue, winnerID, winValue, taxValue, rewardCut int64) error {
	stakeDesc := fmt.Sprintf("joined pot %s", game.ID)
	if err := e.ledger.Append(ctx, tx, joinerID, -joinValue, model.LedgerTypeStake, &game.ID, &stakeDesc); err != nil {
		return infraError("failed to write ledger", err)
	}
	winDesc := "won pot"
	if err := e.ledger.Append(ctx, tx, winnerID, winValue, model.LedgerTypeWin, &game.ID, &winDesc); err != nil {
		return infraError("failed to write ledger", err)
	}
	taxDesc := "protocol tax"
	if err := e.ledger.Append(ctx, tx, e.cfg.CollectorID, taxValue-rewardCut, model.LedgerTypeTax, &game.ID, &taxDesc); err != nil {
		return infraError("failed to write ledger", err)
	}
	if rewardCut > 0 {
		poolDesc := "reward pool share"
		if err := e.ledger.Append(ctx, tx, e.cfg.CollectorID, rewardCut, model.LedgerTypeRewardPool, &game.ID, &poolDesc); err != nil {
			return infraError("failed to write ledger", err)
		}
	}
	return nil
}

// validateInstanceIDs rejects malformed item lists before any lock is
// taken.
func validateInstanceIDs(instanceIDs []string, maxItems int) error {
	if len(instanceIDs) == 0 {
		return ErrEmptyItems
	}
	if maxItems > 0 && len(instanceIDs) > maxItems {
		return ErrTooManyItems
	}
	seen := make(map[string]struct{}, len(instanceIDs))
	for _, id := range instanceIDs {
		if id == "" {
			return ErrInvalidItems
		}
		if _, dup := seen[id]; dup {
			return ErrDuplicateItems
		}
		seen[id] = struct{}{}
	}
	return nil
}

func lockError(err error) error {
	if errors.Is(err, lock.ErrLockBusy) {
		return ErrItemsLocked
	}
	return infraError("lock store failure", err)
}

// excludeItems returns the items of all that are not in taxed, matched by
// instance ID.
func excludeItems(all, taxed []model.Item) []model.Item {
	taxedIDs := make(map[string]struct{}, len(taxed))
	for _, it := range taxed {
		taxedIDs[it.InstanceID] = struct{}{}
	}
	kept := make([]model.Item, 0, len(all)-len(taxed))
	for _, it := range all {
		if _, ok := taxedIDs[it.InstanceID]; !ok {
			kept = append(kept, it)
		}
	}
	return kept
}

// redacted returns a copy of the game safe to expose while the commitment
// must stay secret. The server seed is only revealed once the game has
// ended.
func redacted(g *model.Game) *model.Game {
	if g.State == model.GameEnded {
		return g
	}
	cp := *g
	cp.ServerSeed = ""
	return &cp
}
