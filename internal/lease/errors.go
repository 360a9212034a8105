package lease

import "errors"

var (
	errLeaseHeld = errors.New("lease currently held")
	errLeaseLost = errors.New("lease fenced or expired")
)

// IsHeld reports whether err indicates the lease is already held by
// another writer (a normal contention outcome, not a failure).
func IsHeld(err error) bool { return errors.Is(err, errLeaseHeld) }

// IsLost reports whether err indicates the caller's fencing token is stale.
// A holder that sees this must stop acting immediately — spec I7.
func IsLost(err error) bool { return errors.Is(err, errLeaseLost) }
