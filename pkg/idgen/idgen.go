// Package idgen produces time-ordered unique identifiers so that
// chronological sort of ids equals insertion order, as required for
// PositionId, OrderId and IntentId.
package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 string: a 128-bit id led by a 48-bit millisecond
// timestamp, so ids sort by creation time.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global RNG cannot be read; fall back
		// to a random v4 rather than propagating a clock/entropy failure
		// into every call site.
		return uuid.NewString()
	}
	return id.String()
}
