// Package lock provides distributed item-level locking backed by Redis.
// A lock proves exclusivity now; the per-item version counters prove the
// caller's view of an item is not stale from an earlier read. The two are
// deliberately orthogonal.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Key prefixes in the shared store.
const (
	itemLockPrefix    = "lock:item:"
	itemVersionPrefix = "version:item:"
	joinIntentPrefix  = "joinintent:"
)

// releaseScript deletes a lock key only if it still holds the caller's
// token. Without the compare, a holder whose TTL expired mid-operation
// could release a lock a later holder has since acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Manager provides mutual exclusion over item instance IDs, plus the
// version counters and join-intent hints that share the same store.
type Manager struct {
	rdb        *redis.Client
	retries    int
	retryDelay time.Duration
}

// NewManager creates a Manager with bounded retry behaviour. retries is the
// number of additional attempts after the first; retryDelay is the fixed
// pause between attempts.
func NewManager(rdb *redis.Client, retries int, retryDelay time.Duration) *Manager {
	if retries < 0 {
		retries = 0
	}
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	return &Manager{
		rdb:        rdb,
		retries:    retries,
		retryDelay: retryDelay,
	}
}

// Acquire attempts a set-if-absent-with-expiry on the item's lock key and
// returns an opaque ownership token. Returns ErrLockBusy once all attempts
// are exhausted.
func (m *Manager) Acquire(ctx context.Context, instanceID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	key := itemLockPrefix + instanceID

	for attempt := 0; ; attempt++ {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("failed to acquire lock %s: %w", instanceID, err)
		}
		if ok {
			return token, nil
		}
		if attempt >= m.retries {
			return "", ErrLockBusy
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
}

// Release deletes the item's lock key only if it still holds token.
// Returns ErrNotHeld if the key was gone or reacquired by a later holder.
func (m *Manager) Release(ctx context.Context, instanceID, token string) error {
	deleted, err := releaseScript.Run(ctx, m.rdb, []string{itemLockPrefix + instanceID}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", instanceID, err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

// AcquireAll locks every instance ID or none of them. On any failure the
// locks already acquired in the batch are released before returning, so no
// partial lock-holding state persists across a failed request.
func (m *Manager) AcquireAll(ctx context.Context, instanceIDs []string, ttl time.Duration) (map[string]string, error) {
	tokens := make(map[string]string, len(instanceIDs))
	for _, id := range instanceIDs {
		token, err := m.Acquire(ctx, id, ttl)
		if err != nil {
			m.ReleaseAll(ctx, tokens)
			if errors.Is(err, ErrLockBusy) {
				return nil, fmt.Errorf("item %s: %w", id, ErrLockBusy)
			}
			return nil, err
		}
		tokens[id] = token
	}
	return tokens, nil
}

// ReleaseAll releases a batch of locks best-effort. An ErrNotHeld here only
// means the TTL already freed the key, which is the designed safety net.
func (m *Manager) ReleaseAll(ctx context.Context, tokens map[string]string) {
	for id, token := range tokens {
		if err := m.Release(ctx, id, token); err != nil && !errors.Is(err, ErrNotHeld) {
			log.Warn().Err(err).Str("instance_id", id).Msg("Failed to release item lock")
		}
	}
}

// BumpVersion increments the item's monotonic version counter and returns
// the new value. Versions are bumped whenever an item participates in a
// settlement attempt.
func (m *Manager) BumpVersion(ctx context.Context, instanceID string) (int64, error) {
	v, err := m.rdb.Incr(ctx, itemVersionPrefix+instanceID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump version %s: %w", instanceID, err)
	}
	return v, nil
}

// ReadVersion returns the item's current version counter. A counter that
// was never bumped reads as 0.
func (m *Manager) ReadVersion(ctx context.Context, instanceID string) (int64, error) {
	v, err := m.rdb.Get(ctx, itemVersionPrefix+instanceID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version %s: %w", instanceID, err)
	}
	return v, nil
}

// ReadVersions reads the version counters for a batch of instance IDs.
func (m *Manager) ReadVersions(ctx context.Context, instanceIDs []string) (map[string]int64, error) {
	if len(instanceIDs) == 0 {
		return map[string]int64{}, nil
	}

	keys := make([]string, len(instanceIDs))
	for i, id := range instanceIDs {
		keys[i] = itemVersionPrefix + id
	}

	vals, err := m.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read versions: %w", err)
	}

	versions := make(map[string]int64, len(instanceIDs))
	for i, id := range instanceIDs {
		versions[id] = 0
		if s, ok := vals[i].(string); ok {
			var v int64
			if _, err := fmt.Sscan(s, &v); err == nil {
				versions[id] = v
			}
		}
	}
	return versions, nil
}

// SetJoinIntent marks a game as being joined by userID. The marker is a
// shared, TTL-bearing hint with no correctness authority; it exists to
// short-circuit doomed join attempts before they pay for lock acquisition.
func (m *Manager) SetJoinIntent(ctx context.Context, gameID string, userID int64, ttl time.Duration) error {
	if err := m.rdb.Set(ctx, joinIntentPrefix+gameID, userID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set join intent %s: %w", gameID, err)
	}
	return nil
}

// GetJoinIntent returns the user currently attempting to join the game,
// if any.
func (m *Manager) GetJoinIntent(ctx context.Context, gameID string) (int64, bool, error) {
	userID, err := m.rdb.Get(ctx, joinIntentPrefix+gameID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get join intent %s: %w", gameID, err)
	}
	return userID, true, nil
}

// ClearJoinIntent removes the join marker. The TTL clears it anyway if the
// holder crashes first.
func (m *Manager) ClearJoinIntent(ctx context.Context, gameID string) error {
	if err := m.rdb.Del(ctx, joinIntentPrefix+gameID).Err(); err != nil {
		return fmt.Errorf("failed to clear join intent %s: %w", gameID, err)
	}
	return nil
}
