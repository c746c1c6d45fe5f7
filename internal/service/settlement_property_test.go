// Property-based tests for the settlement engine's decision logic. They
// mirror the validation and settlement sequence of Engine.Join and
// Engine.Cancel against an in-memory game record, without the database or
// the lock store.
package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"coinflip-engine/internal/fair"
	"coinflip-engine/internal/model"
	"coinflip-engine/internal/tax"
)

// memGame is the authoritative record a simulated transaction re-validates.
type memGame struct {
	mu sync.Mutex
	g  model.Game
}

type joinResult struct {
	WinnerID      int64
	WinnerItems   []model.Item
	TaxedItems    []model.Item
	TotalTaxValue int64
	Err           error
}

// simulateJoin runs the same checks, in the same order, as the settle
// transaction: fresh re-read under the game's lock, state and joiner
// re-validation, range check, outcome, tax, credits.
func simulateJoin(game *memGame, joinerID int64, joinerItems []model.Item, taxRate float64) joinResult {
	game.mu.Lock()
	defer game.mu.Unlock()

	g := &game.g
	if g.State != model.GameActive {
		return joinResult{Err: ErrGameNotActive}
	}
	if g.JoinerID != nil {
		return joinResult{Err: ErrAlreadyJoined}
	}
	if g.CreatorID == joinerID {
		return joinResult{Err: ErrOwnGame}
	}
	for _, it := range joinerItems {
		if it.Value <= 0 {
			return joinResult{Err: ErrInvalidItems}
		}
	}

	joinValue := model.ItemsValue(joinerItems)
	if joinValue < g.JoinRangeMin || joinValue > g.JoinRangeMax {
		return joinResult{Err: ErrValueOutOfRange}
	}

	outcome, err := fair.Resolve(g.ServerSeed)
	if err != nil {
		return joinResult{Err: err}
	}
	winnerID := fair.Winner(outcome.Side, g.CreatorSide, g.CreatorID, joinerID)

	combined := append(append([]model.Item{}, g.CreatorItems...), joinerItems...)
	taxed := tax.Compute(combined, g.PotValue+joinValue, taxRate)
	winnerItems := excludeItems(combined, taxed.TaxedItems)

	g.State = model.GameEnded
	g.JoinerID = &joinerID
	g.WinnerID = &winnerID
	return joinResult{
		WinnerID:      winnerID,
		WinnerItems:   winnerItems,
		TaxedItems:    taxed.TaxedItems,
		TotalTaxValue: taxed.TotalTaxValue,
	}
}

func simulateCancel(game *memGame, requesterID int64) error {
	game.mu.Lock()
	defer game.mu.Unlock()

	g := &game.g
	if g.CreatorID != requesterID {
		return ErrNotCreator
	}
	if g.JoinerID != nil {
		return ErrAlreadyJoined
	}
	if g.State != model.GameActive {
		return ErrGameNotActive
	}
	g.State = model.GameCancelled
	return nil
}

func newMemGame(creatorID int64, creatorItems []model.Item, tolerance float64) *memGame {
	pot := model.ItemsValue(creatorItems)
	c, err := fair.NewCommitment()
	if err != nil {
		panic(err)
	}
	return &memGame{g: model.Game{
		ID:             "game-1",
		PotValue:       pot,
		CreatorID:      creatorID,
		CreatorSide:    model.SideHeads,
		JoinRangeMin:   pot - int64(float64(pot)*tolerance),
		JoinRangeMax:   pot + int64(float64(pot)*tolerance),
		State:          model.GameActive,
		ServerSeed:     c.ServerSeed,
		ServerSeedHash: c.ServerSeedHash,
		CreatorItems:   creatorItems,
	}}
}

func genItems(t *rapid.T, label string, owner int64, n int, maxValue int64) []model.Item {
	items := make([]model.Item, n)
	for i := 0; i < n; i++ {
		items[i] = model.Item{
			InstanceID: fmt.Sprintf("%s-%d", label, i),
			OwnerID:    owner,
			Name:       "item",
			Value:      rapid.Int64Range(1, maxValue).Draw(t, label+"Value"),
			Quantity:   1,
		}
	}
	return items
}

// TestJoinValueConservationProperty checks that every settled pot conserves
// value exactly: winner credits plus taxed credits equal both stakes.
func TestJoinValueConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		creatorItems := genItems(t, "c", 1, rapid.IntRange(1, 10).Draw(t, "cn"), 100_000)
		pot := model.ItemsValue(creatorItems)

		game := newMemGame(1, creatorItems, 0.05)

		// A single joiner item of exactly pot value is always in range.
		joinerItems := []model.Item{{InstanceID: "j-0", OwnerID: 2, Name: "item", Value: pot, Quantity: 1}}
		taxRate := rapid.Float64Range(0, 0.3).Draw(t, "taxRate")

		res := simulateJoin(game, 2, joinerItems, taxRate)
		require.NoError(t, res.Err)

		total := pot + pot
		assert.Equal(t, total, model.ItemsValue(res.WinnerItems)+res.TotalTaxValue,
			"winner credits + tax must equal the combined pot")
		assert.Equal(t, res.TotalTaxValue, model.ItemsValue(res.TaxedItems))
		assert.LessOrEqual(t, res.TotalTaxValue, tax.Target(total, taxRate))
		assert.Contains(t, []int64{1, 2}, res.WinnerID)
	})
}

// TestJoinExactlyOnceProperty races N concurrent joins with disjoint item
// sets against one ACTIVE game: exactly one succeeds, every other attempt
// observes a conflict, and no item is consumed twice.
func TestJoinExactlyOnceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 16).Draw(t, "joiners")

		creatorItems := []model.Item{{InstanceID: "c-0", OwnerID: 1, Name: "item", Value: 1000, Quantity: 1}}
		game := newMemGame(1, creatorItems, 0.05)

		results := make([]joinResult, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			joinerID := int64(i + 2)
			items := []model.Item{{
				InstanceID: fmt.Sprintf("j%d-0", i),
				OwnerID:    joinerID,
				Name:       "item",
				Value:      1000,
				Quantity:   1,
			}}
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				results[slot] = simulateJoin(game, joinerID, items, 0.12)
			}(i)
		}
		wg.Wait()

		var successes, conflicts int
		seen := make(map[string]bool)
		for _, res := range results {
			if res.Err == nil {
				successes++
				for _, it := range res.WinnerItems {
					if seen[it.InstanceID] {
						t.Fatalf("item %s credited twice", it.InstanceID)
					}
					seen[it.InstanceID] = true
				}
				continue
			}
			if errors.Is(res.Err, ErrAlreadyJoined) || errors.Is(res.Err, ErrGameNotActive) {
				conflicts++
			} else {
				t.Fatalf("unexpected error: %v", res.Err)
			}
		}

		if successes != 1 {
			t.Fatalf("expected exactly 1 successful join, got %d", successes)
		}
		if conflicts != n-1 {
			t.Fatalf("expected %d conflicts, got %d", n-1, conflicts)
		}
		if game.g.State != model.GameEnded {
			t.Fatalf("game must end after the winning join")
		}
	})
}

// TestJoinRangeValidationProperty checks that stakes outside the ±tolerance
// window are rejected with a validation error and no state change.
func TestJoinRangeValidationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pot := rapid.Int64Range(1000, 10_000_000).Draw(t, "pot")
		creatorItems := []model.Item{{InstanceID: "c-0", OwnerID: 1, Name: "item", Value: pot, Quantity: 1}}
		game := newMemGame(1, creatorItems, 0.05)

		min, max := game.g.JoinRangeMin, game.g.JoinRangeMax
		below := rapid.Int64Range(1, min-1).Draw(t, "below")
		above := rapid.Int64Range(max+1, max+10_000_000).Draw(t, "above")

		for _, v := range []int64{below, above} {
			res := simulateJoin(game, 2, []model.Item{{InstanceID: "j-0", OwnerID: 2, Value: v, Quantity: 1}}, 0.12)
			if !errors.Is(res.Err, ErrValueOutOfRange) {
				t.Fatalf("value %d (range %d-%d) expected range error, got %v", v, min, max, res.Err)
			}
			if game.g.State != model.GameActive {
				t.Fatalf("failed join must not change game state")
			}
		}

		// Boundary values are accepted.
		res := simulateJoin(game, 2, []model.Item{{InstanceID: "j-0", OwnerID: 2, Value: min, Quantity: 1}}, 0.12)
		if res.Err != nil {
			t.Fatalf("join at range minimum should succeed, got %v", res.Err)
		}
	})
}

func TestJoinOwnGameRejected(t *testing.T) {
	creatorItems := []model.Item{{InstanceID: "c-0", OwnerID: 1, Value: 1000, Quantity: 1}}
	game := newMemGame(1, creatorItems, 0.05)

	res := simulateJoin(game, 1, []model.Item{{InstanceID: "j-0", OwnerID: 1, Value: 1000, Quantity: 1}}, 0.12)
	assert.ErrorIs(t, res.Err, ErrOwnGame)
	assert.Equal(t, model.GameActive, game.g.State)
}

func TestCancelRules(t *testing.T) {
	creatorItems := []model.Item{{InstanceID: "c-0", OwnerID: 1, Value: 1000, Quantity: 1}}

	t.Run("non-creator rejected", func(t *testing.T) {
		game := newMemGame(1, creatorItems, 0.05)
		assert.ErrorIs(t, simulateCancel(game, 2), ErrNotCreator)
		assert.Equal(t, model.GameActive, game.g.State)
	})

	t.Run("joined game cannot be cancelled", func(t *testing.T) {
		game := newMemGame(1, creatorItems, 0.05)
		res := simulateJoin(game, 2, []model.Item{{InstanceID: "j-0", OwnerID: 2, Value: 1000, Quantity: 1}}, 0.12)
		require.NoError(t, res.Err)

		assert.ErrorIs(t, simulateCancel(game, 1), ErrAlreadyJoined)
		assert.Equal(t, model.GameEnded, game.g.State)
	})

	t.Run("creator cancels open game", func(t *testing.T) {
		game := newMemGame(1, creatorItems, 0.05)
		require.NoError(t, simulateCancel(game, 1))
		assert.Equal(t, model.GameCancelled, game.g.State)

		// Cancelling twice conflicts.
		assert.ErrorIs(t, simulateCancel(game, 1), ErrGameNotActive)
	})
}

func TestValidateInstanceIDs(t *testing.T) {
	assert.ErrorIs(t, validateInstanceIDs(nil, 20), ErrEmptyItems)
	assert.ErrorIs(t, validateInstanceIDs([]string{"a", "a"}, 20), ErrDuplicateItems)
	assert.ErrorIs(t, validateInstanceIDs([]string{""}, 20), ErrInvalidItems)
	assert.ErrorIs(t, validateInstanceIDs([]string{"a", "b", "c"}, 2), ErrTooManyItems)
	assert.NoError(t, validateInstanceIDs([]string{"a", "b"}, 20))
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(ErrValueOutOfRange))
	assert.Equal(t, KindNotFound, KindOf(ErrGameNotFound))
	assert.Equal(t, KindConflict, KindOf(ErrAlreadyJoined))
	assert.Equal(t, KindAuthorization, KindOf(ErrNotCreator))
	assert.Equal(t, KindInfrastructure, KindOf(errors.New("boom")))
	assert.Equal(t, KindInfrastructure, KindOf(infraError("wrapped", errors.New("boom"))))
}
