package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// --- C5 Exchange adapter port --------------------------------------------

// OrderAck is the exchange's immediate acknowledgement of a submit call.
type OrderAck struct {
	ExchangeOrderId string
	AcceptedQty     decimal.Decimal
	Timestamp       time.Time
}

// OrderStatusView is the normalized shape of an order as reported by
// lookup_order or the fills stream.
type OrderStatusView struct {
	ExchangeOrderId string
	ClientOrderId   ClientOrderId
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
}

// FillEvent is one normalized fill notification from subscribe_fills.
type FillEvent struct {
	Symbol          Symbol
	ExchangeOrderId string
	ClientOrderId   ClientOrderId
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
	Timestamp       time.Time
}

// Tick is one normalized trade-price observation from subscribe_ticks.
type Tick struct {
	Symbol    Symbol
	Price     decimal.Decimal
	Timestamp time.Time
}

// ExchangePositionView is the exchange's account position for one symbol,
// as reported by IExchangeAdapter.Positions — used by the reconciler (C8)
// and the safety-net (C9) to find positions the engine does not own.
type ExchangePositionView struct {
	Symbol             Symbol
	Side               Side
	Qty                decimal.Decimal
	EntryPrice         decimal.Decimal
	ExchangePositionId string
}

// GapMarker is emitted on the tick/fill streams after a reconnect, telling
// the engine to trigger the reconciler (spec §4.5).
type GapMarker struct {
	Symbol Symbol
	Reason string
}

// IExchangeAdapter is the engine's only outbound dependency on the exchange.
// Implementations translate exchange-specific failures into the taxonomy
// of apperrors/DomainError (Network/RateLimited/Rejected/Unknown).
type IExchangeAdapter interface {
	PlaceMarketOrder(ctx context.Context, symbol Symbol, side OrderSide, qty decimal.Decimal, clientOrderId ClientOrderId) (OrderAck, error)
	PlaceStopLimit(ctx context.Context, symbol Symbol, side OrderSide, qty decimal.Decimal, stopPrice, limitPrice decimal.Decimal, clientOrderId ClientOrderId) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol Symbol, exchangeOrderId string) error
	LookupOrder(ctx context.Context, symbol Symbol, clientOrderId ClientOrderId) (*OrderStatusView, error)
	Positions(ctx context.Context, accountId string) ([]ExchangePositionView, error)
	SubscribeFills(ctx context.Context) (<-chan FillEvent, <-chan GapMarker, error)
	SubscribeTicks(ctx context.Context, symbol Symbol) (<-chan Tick, <-chan GapMarker, error)
	Ping(ctx context.Context) error
}

// --- C6 Signal port --------------------------------------------------------

// Signal is an opaque entry trigger from a pluggable detector.
type Signal struct {
	Symbol        Symbol
	Side          Side
	CorrelationId string
	Payload       []byte
}

// ISignalPort is the inbound port for entry signals. Seeing the same
// CorrelationId twice must never produce a second entry (spec §4.6, R3).
type ISignalPort interface {
	Stream(ctx context.Context) (<-chan Signal, error)
}

// --- C2 Event store port ---------------------------------------------------

// IEventStore is the append-only event log plus the mutable snapshot cache
// derived from it.
type IEventStore interface {
	Append(ctx context.Context, positionId PositionId, eventType EventType, payload []byte, snapshot Position) (seq int64, err error)
	LoadSnapshot(ctx context.Context, positionId PositionId) (*Position, error)
	LoadEvents(ctx context.Context, positionId PositionId) ([]Event, error)
	RebuildSnapshot(ctx context.Context, positionId PositionId) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	SaveOrder(ctx context.Context, order Order) error
	LoadOrder(ctx context.Context, id OrderId) (*Order, error)
	LoadOrderByClientId(ctx context.Context, clientOrderId ClientOrderId) (*Order, error)
	AppendIntent(ctx context.Context, intent Intent) error
	MarkIntent(ctx context.Context, id IntentId, positionId PositionId, status IntentStatus, result []byte, errMsg string) error
	LoadIntent(ctx context.Context, id IntentId, positionId PositionId) (*Intent, error)
	ListPendingIntents(ctx context.Context) ([]Intent, error)
}

// --- C3 Lease manager port --------------------------------------------------

// Lease is a time-bounded, fencing-token-bearing grant of exclusive write
// access for one (account, symbol) pair.
type Lease struct {
	Key          string
	FencingToken int64
	ExpiresAt    time.Time
}

// Expired reports whether the lease's TTL has elapsed as of now.
func (l Lease) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// ILeaseManager grants single-writer access per (account, symbol).
// Implementations must provide: mutual exclusion, bounded unavailability on
// holder crash (<= TTL), and a fencing token storage/adapter writes can
// check to reject stale writes after a partition (spec §4.3).
type ILeaseManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// --- C4 Intent journal port --------------------------------------------------

// Executor performs the side-effecting action a journaled intent wraps,
// returning a JSON-serializable result.
type Executor func(ctx context.Context) ([]byte, error)

// IIntentJournal makes every externally visible action idempotent and
// recoverable across restarts.
type IIntentJournal interface {
	Record(ctx context.Context, intent Intent) error
	Process(ctx context.Context, id IntentId, positionId PositionId, exec Executor) error
	ReplayPending(ctx context.Context, resolve func(ctx context.Context, intent Intent) error) error
}

// --- C8 Reconciler port ------------------------------------------------------

// IReconciler aligns in-memory state, the event store and exchange truth
// after any discontinuity.
type IReconciler interface {
	Reconcile(ctx context.Context) error
}

// --- C9 Safety-net port -------------------------------------------------------

// ISafetyNetMonitor guards exchange-visible positions the engine does not
// own.
type ISafetyNetMonitor interface {
	Poll(ctx context.Context) error
}

// --- C10 internal event bus ---------------------------------------------------

// BusEventType enumerates the internal bus's event catalogue (spec §6.4).
type BusEventType string

const (
	BusCorePositionOpened BusEventType = "CorePositionOpened"
	BusCorePositionClosed BusEventType = "CorePositionClosed"
	BusDetectorSignalFired BusEventType = "DetectorSignalFired"
)

// BusEvent is one message on the internal, best-effort event bus.
type BusEvent struct {
	Type       BusEventType
	PositionId PositionId
	Symbol     Symbol
	Side       Side
	ExchangeId string
	At         time.Time
}

// IEventBus is the in-process, best-effort pub/sub described in spec §6.4.
// Subscribers must tolerate missed events by consulting the event store;
// correctness never depends on the bus.
type IEventBus interface {
	Publish(ev BusEvent)
	Subscribe() (ch <-chan BusEvent, cancel func())
}

// --- Health -------------------------------------------------------------------

// IHealthMonitor aggregates health checks from registered components.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
