package core

import (
	"encoding/json"
	"time"
)

// IntentType enumerates the side-effecting actions the engine journals for
// idempotency. An intent never represents a user-facing decision (arm,
// disarm, panic are events on the Position directly) — it is purely the
// internal record that makes an order submission safe to retry.
type IntentType string

const (
	IntentEnterMarket IntentType = "ENTER_MARKET"
	IntentExitMarket  IntentType = "EXIT_MARKET"
	IntentPlaceStop   IntentType = "PLACE_INSURANCE_STOP"
	IntentCancelStop  IntentType = "CANCEL_INSURANCE_STOP"
	IntentSafetyExit  IntentType = "SAFETY_EXIT"
)

// IntentStatus is the lifecycle of a journaled intent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "PENDING"
	IntentProcessing IntentStatus = "PROCESSING"
	IntentCompleted  IntentStatus = "COMPLETED"
	IntentFailed     IntentStatus = "FAILED"
)

// Intent is the idempotent command record for an externally visible
// action. Its primary key is (Id, PositionId): an intent is never retried
// by minting a new Id, so replaying the same Id is always a no-op over an
// already-Completed intent (property P7).
type Intent struct {
	Id           IntentId
	PositionId   PositionId
	Type         IntentType
	Data         json.RawMessage
	Status       IntentStatus
	Result       json.RawMessage
	Error        string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// ClientOrderId derives this intent's exchange-facing idempotency key.
func (i Intent) ClientOrderId(namespace string) ClientOrderId {
	return NewClientOrderId(namespace, i.Id)
}
