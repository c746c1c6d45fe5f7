package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinflip-engine/internal/model"
)

// InventoryRepository handles item ownership persistence. Only live
// inventory rows live in the items table; staked and settled item lists
// are snapshots on the game record.
type InventoryRepository struct {
	pool *pgxpool.Pool
}

// NewInventoryRepository creates a new InventoryRepository instance.
func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

// GetItems loads the given instance IDs from ownerID's inventory. Returns
// ErrItemsMissing if any requested ID is absent or owned by someone else.
func (r *InventoryRepository) GetItems(ctx context.Context, q Querier, ownerID int64, instanceIDs []string) ([]model.Item, error) {
	const query = `
		SELECT instance_id, owner_id, name, value, quantity, category, image
		FROM items
		WHERE owner_id = $1 AND instance_id = ANY($2)
	`

	rows, err := q.Query(ctx, query, ownerID, instanceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		err := rows.Scan(
			&it.InstanceID,
			&it.OwnerID,
			&it.Name,
			&it.Value,
			&it.Quantity,
			&it.Category,
			&it.Image,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	if len(items) != len(instanceIDs) {
		return nil, ErrItemsMissing
	}
	return items, nil
}

// DebitItems removes the instance IDs from ownerID's inventory and returns
// the removed items. All-or-nothing: if any ID is missing the caller gets
// ErrItemsMissing and must roll back the transaction, leaving no partial
// debit.
func (r *InventoryRepository) DebitItems(ctx context.Context, q Querier, ownerID int64, instanceIDs []string) ([]model.Item, error) {
	const query = `
		DELETE FROM items
		WHERE owner_id = $1 AND instance_id = ANY($2)
		RETURNING instance_id, owner_id, name, value, quantity, category, image
	`

	rows, err := q.Query(ctx, query, ownerID, instanceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to debit items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		err := rows.Scan(
			&it.InstanceID,
			&it.OwnerID,
			&it.Name,
			&it.Value,
			&it.Quantity,
			&it.Category,
			&it.Image,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan debited item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating debited items: %w", err)
	}

	if len(items) != len(instanceIDs) {
		return nil, ErrItemsMissing
	}
	return items, nil
}

// CreditItems inserts copies of items into ownerID's inventory, minting a
// fresh instance ID for every row. The old IDs are destroyed with the
// debit, so no stale reference to a previous ownership epoch can be
// replayed.
func (r *InventoryRepository) CreditItems(ctx context.Context, q Querier, ownerID int64, items []model.Item) ([]model.Item, error) {
	const query = `
		INSERT INTO items (instance_id, owner_id, name, value, quantity, category, image)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	credited := make([]model.Item, 0, len(items))
	for _, it := range items {
		fresh := model.Item{
			InstanceID: uuid.NewString(),
			OwnerID:    ownerID,
			Name:       it.Name,
			Value:      it.Value,
			Quantity:   it.Quantity,
			Category:   it.Category,
			Image:      it.Image,
		}
		_, err := q.Exec(ctx, query,
			fresh.InstanceID,
			fresh.OwnerID,
			fresh.Name,
			fresh.Value,
			fresh.Quantity,
			fresh.Category,
			fresh.Image,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to credit item %s: %w", it.Name, err)
		}
		credited = append(credited, fresh)
	}

	return credited, nil
}

// GetInventory returns every item currently owned by ownerID.
func (r *InventoryRepository) GetInventory(ctx context.Context, ownerID int64) ([]model.Item, error) {
	const query = `
		SELECT instance_id, owner_id, name, value, quantity, category, image
		FROM items
		WHERE owner_id = $1
		ORDER BY value DESC
	`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		err := rows.Scan(
			&it.InstanceID,
			&it.OwnerID,
			&it.Name,
			&it.Value,
			&it.Quantity,
			&it.Category,
			&it.Image,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inventory: %w", err)
	}

	return items, nil
}
