package lock

import "errors"

// Lock-related errors.
var (
	// ErrLockBusy is returned when a lock cannot be acquired within the
	// configured number of attempts. Callers must treat this as "resource
	// busy", not as a failure of the lock store.
	ErrLockBusy = errors.New("lock busy")

	// ErrNotHeld is returned when releasing a lock whose token no longer
	// matches, meaning the TTL expired and a later holder reacquired it.
	ErrNotHeld = errors.New("lock not held")
)
