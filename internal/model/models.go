// Package model defines the data models for the coinflip settlement engine.
package model

import "time"

// GameState describes the lifecycle of a coinflip game.
// Transitions are monotonic: ACTIVE -> ENDED or ACTIVE -> CANCELLED, never reversed.
type GameState string

const (
	GameActive    GameState = "ACTIVE"
	GameEnded     GameState = "ENDED"
	GameCancelled GameState = "CANCELLED"
)

// Side is one of the two coin faces a creator can pick.
type Side string

const (
	SideHeads Side = "heads"
	SideTails Side = "tails"
)

// Valid reports whether s is a known coin side.
func (s Side) Valid() bool {
	return s == SideHeads || s == SideTails
}

// Other returns the opposite coin side.
func (s Side) Other() Side {
	if s == SideHeads {
		return SideTails
	}
	return SideHeads
}

// User represents an account that can own items and play coinflips.
type User struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Item is a uniquely identified virtual item. Value is stored in integer
// minor units. An instance ID never survives an ownership transfer: every
// credit mints a fresh one, so no two ownership epochs share an ID.
type Item struct {
	InstanceID string `db:"instance_id" json:"instanceId"`
	OwnerID    int64  `db:"owner_id" json:"-"`
	Name       string `db:"name" json:"name"`
	Value      int64  `db:"value" json:"value"`
	Quantity   int    `db:"quantity" json:"quantity"`
	Category   string `db:"category" json:"category"`
	Image      string `db:"image" json:"image"`
}

// ItemsValue sums the value of a slice of items.
func ItemsValue(items []Item) int64 {
	var total int64
	for _, it := range items {
		total += it.Value
	}
	return total
}

// InstanceIDs extracts the instance IDs of a slice of items.
func InstanceIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.InstanceID
	}
	return ids
}

// Game represents a coinflip pot. Once state leaves ACTIVE the record is
// immutable.
type Game struct {
	ID               string     `db:"id" json:"id"`
	PotValue         int64      `db:"pot_value" json:"potValue"`
	CreatorID        int64      `db:"creator_id" json:"creatorId"`
	CreatorSide      Side       `db:"creator_side" json:"creatorSide"`
	JoinRangeMin     int64      `db:"join_range_min" json:"joinRangeMin"`
	JoinRangeMax     int64      `db:"join_range_max" json:"joinRangeMax"`
	JoinerID         *int64     `db:"joiner_id" json:"joinerId,omitempty"`
	State            GameState  `db:"state" json:"state"`
	ServerSeed       string     `db:"server_seed" json:"serverSeed,omitempty"`
	ServerSeedHash   string     `db:"server_seed_hash" json:"serverSeedHash"`
	ClientSeed       *string    `db:"client_seed" json:"clientSeed,omitempty"`
	NormalizedResult *float64   `db:"normalized_result" json:"normalizedResult,omitempty"`
	WinnerID         *int64     `db:"winner_id" json:"winnerId,omitempty"`
	TotalTaxValue    int64      `db:"total_tax_value" json:"totalTaxValue"`
	Notified         bool       `db:"notified" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	EndedAt          *time.Time `db:"ended_at" json:"endedAt,omitempty"`

	// Item lists are stored as JSONB snapshots on the game row; once
	// staked the items are no longer live inventory.
	CreatorItems []Item `db:"-" json:"creatorItems"`
	JoinerItems  []Item `db:"-" json:"joinerItems,omitempty"`
	TaxedItems   []Item `db:"-" json:"taxedItems,omitempty"`
}

// LedgerEntry records one value movement leg of a settlement.
type LedgerEntry struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	Amount      int64     `db:"amount"`
	Type        string    `db:"type"`
	GameID      *string   `db:"game_id"`
	Description *string   `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

// Ledger entry types for categorizing value movements.
const (
	LedgerTypeStake      = "stake"       // items debited into a pot
	LedgerTypeWin        = "win"         // pot remainder credited to winner
	LedgerTypeTax        = "tax"         // taxed items credited to collector
	LedgerTypeRewardPool = "reward_pool" // reward-pool share of the tax
	LedgerTypeRefund     = "refund"      // stake returned on cancel
)

// Stats is the aggregate statistics record, updated atomically as part of
// each successful settlement.
type Stats struct {
	BiggestWinValue  int64     `db:"biggest_win_value"`
	BiggestWinGameID *string   `db:"biggest_win_game_id"`
	RewardPoolValue  int64     `db:"reward_pool_value"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// JoinStatus is the advisory answer of a joinability check. A "joinable"
// answer does not guarantee the subsequent join will succeed.
type JoinStatus string

const (
	JoinStatusJoinable    JoinStatus = "joinable"
	JoinStatusBeingJoined JoinStatus = "being_joined"
	JoinStatusHasJoiner   JoinStatus = "has_joiner"
	JoinStatusUnavailable JoinStatus = "unavailable"
	JoinStatusNotFound    JoinStatus = "not_found"
)

// Event names for the real-time broadcaster.
const (
	EventGameCreated    = "game_created"
	EventGameJoined     = "game_joined"
	EventGameEnded      = "game_ended"
	EventJoinStateReset = "join_state_reset"
)
