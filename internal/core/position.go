package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is one of the six states of the position lifecycle state machine.
type State string

const (
	StateArmed    State = "ARMED"
	StateEntering State = "ENTERING"
	StateActive   State = "ACTIVE"
	StateExiting  State = "EXITING"
	StateClosed   State = "CLOSED"
	StateError    State = "ERROR"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool { return s == StateClosed || s == StateError }

// IsOpen reports whether the state counts toward list_active() (spec §4.2).
func (s State) IsOpen() bool {
	switch s {
	case StateArmed, StateEntering, StateActive, StateExiting:
		return true
	default:
		return false
	}
}

// Position is the engine's mutable snapshot for one directional exposure in
// one symbol on one account. It is derivable in full from the position's
// event stream (invariant I6); Apply is the only way to mutate it.
type Position struct {
	Id                  PositionId
	AccountId           string
	Symbol              Symbol
	Side                Side
	State               State
	EntryPrice          *Price
	TechStopDistance    decimal.Decimal // I1: fixed at arm time, never changes
	TechStopDistancePct decimal.Decimal
	Quantity            decimal.Decimal
	TrailingStop        *Price // I4: set once Active, monotonic thereafter
	PeakPrice           *Price // best observed price since Active, drives TrailingStop
	RealizedPnL         decimal.Decimal
	FeesPaid            decimal.Decimal
	EntryOrderId        *OrderId
	ExitOrderId         *OrderId
	ExchangePositionId  *string
	InsuranceEnabled    bool
	InsuranceBuffer     decimal.Decimal
	// PendingIntentId/PendingClientOrderId identify the in-flight entry or
	// exit intent while State is Entering/Exiting, set by
	// EntryRequested/ExitRequested and cleared once the intent resolves. A
	// restart rehydrating this snapshot uses these to re-drive the
	// still-unresolved intent instead of leaving the position wedged.
	PendingIntentId      IntentId
	PendingClientOrderId ClientOrderId
	StateData            json.RawMessage
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ClosedAt             *time.Time
}

// ArmArgs is the input to ArmPosition / NewPosition.
type ArmArgs struct {
	Id                  PositionId
	AccountId           string
	Symbol              Symbol
	Side                Side
	TechStopDistance    decimal.Decimal
	TechStopDistancePct decimal.Decimal
	AccountRiskBudget   decimal.Decimal // capital available for this position
	RiskFraction        decimal.Decimal // defaults to 0.01 (1%), spec I2
	QtyStep             decimal.Decimal
	InsuranceEnabled    bool
	InsuranceBuffer     decimal.Decimal
	Now                 time.Time
}

// NewPosition validates I1-I3 and constructs a freshly Armed Position. This
// is the only constructor: invalid guards (non-positive stop distance, an
// invalid side, zero sized capital) are rejected here rather than being
// representable in memory. The symbol is not checked here; callers build it
// with NewSymbol.
func NewPosition(args ArmArgs) (*Position, error) {
	if !args.Side.Valid() {
		return nil, NewDomainError(KindInvalidNumeric, fmt.Sprintf("invalid side %q", args.Side), nil)
	}
	if args.TechStopDistance.Sign() <= 0 {
		return nil, NewDomainError(KindInvalidNumeric, "tech_stop_distance must be positive", nil)
	}
	if args.AccountRiskBudget.Sign() <= 0 {
		return nil, NewDomainError(KindInsufficientCapital, "account risk budget must be positive", nil)
	}

	riskFraction := args.RiskFraction
	if riskFraction.IsZero() {
		riskFraction = decimal.NewFromFloat(0.01)
	}

	// I2: quantity = floor_to_step((capital * risk_fraction) / tech_stop_distance)
	raw := args.AccountRiskBudget.Mul(riskFraction).Div(args.TechStopDistance)
	qty := FloorToStep(raw, args.QtyStep)
	if qty.Sign() <= 0 {
		return nil, NewDomainError(KindInsufficientCapital, "sized quantity rounds to zero; increase capital or widen tech_stop_distance", nil)
	}

	now := args.Now
	if now.IsZero() {
		return nil, NewDomainError(KindInvalidNumeric, "arm time must be supplied", nil)
	}

	return &Position{
		Id:                  args.Id,
		AccountId:           args.AccountId,
		Symbol:              args.Symbol,
		Side:                args.Side,
		State:               StateArmed,
		TechStopDistance:    args.TechStopDistance,
		TechStopDistancePct: args.TechStopDistancePct,
		Quantity:            qty,
		InsuranceEnabled:    args.InsuranceEnabled,
		InsuranceBuffer:     args.InsuranceBuffer,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// --- Event payloads -------------------------------------------------------

type PositionArmedData struct {
	AccountId           string          `json:"account_id"`
	Symbol              Symbol          `json:"symbol"`
	Side                Side            `json:"side"`
	TechStopDistance    decimal.Decimal `json:"tech_stop_distance"`
	TechStopDistancePct decimal.Decimal `json:"tech_stop_distance_pct"`
	Quantity            decimal.Decimal `json:"quantity"`
	InsuranceEnabled    bool            `json:"insurance_enabled"`
	InsuranceBuffer     decimal.Decimal `json:"insurance_buffer"`
}

type EntryRequestedData struct {
	IntentId      IntentId      `json:"intent_id"`
	ClientOrderId ClientOrderId `json:"client_order_id"`
}

type EntryFilledData struct {
	OrderId    OrderId         `json:"order_id"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
}

type EntryFailedData struct {
	Reason string `json:"reason"`
}

type TickObservedData struct {
	LastPrice    decimal.Decimal `json:"last_price"`
	TrailingStop decimal.Decimal `json:"trailing_stop"`
}

type ExitRequestedData struct {
	IntentId      IntentId      `json:"intent_id"`
	ClientOrderId ClientOrderId `json:"client_order_id"`
	Reason        string        `json:"reason"` // "trailing_stop" | "panic"
}

type PositionClosedData struct {
	OrderId     OrderId         `json:"order_id"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
}

type ExitFailedData struct {
	Reason string `json:"reason"`
}

type PositionDisarmedData struct{}

// Apply is the single pure transition function that folds one Event onto a
// Position snapshot. It is total over every event valid for the current
// state (the table in spec §4.1) and returns InvalidTransition otherwise:
// an InvalidTransition is always a programming bug, never user input.
func (p Position) Apply(ev Event) (Position, error) {
	next := p
	next.UpdatedAt = ev.CreatedAt

	invalid := func() (Position, error) {
		return p, NewDomainError(KindInvalidTransition,
			fmt.Sprintf("event %s invalid in state %s", ev.Type, p.State), nil)
	}

	switch ev.Type {
	case EventPositionArmed:
		if p.State != "" {
			return invalid()
		}
		var d PositionArmedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return p, err
		}
		next.AccountId = d.AccountId
		next.Symbol = d.Symbol
		next.Side = d.Side
		next.TechStopDistance = d.TechStopDistance
		next.TechStopDistancePct = d.TechStopDistancePct
		next.Quantity = d.Quantity
		next.InsuranceEnabled = d.InsuranceEnabled
		next.InsuranceBuffer = d.InsuranceBuffer
		next.State = StateArmed
		next.CreatedAt = ev.CreatedAt
		return next, nil

	case EventPositionDisarmed:
		if p.State != StateArmed {
			return invalid()
		}
		next.State = StateClosed
		closedAt := ev.CreatedAt
		next.ClosedAt = &closedAt
		return next, nil

	case EventEntryRequested:
		if p.State != StateArmed {
			return invalid()
		}
		var d EntryRequestedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return p, err
		}
		next.State = StateEntering
		next.PendingIntentId = d.IntentId
		next.PendingClientOrderId = d.ClientOrderId
		return next, nil

	case EventEntryFilled:
		if p.State != StateEntering {
			return invalid()
		}
		var d EntryFilledData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return p, err
		}
		entry := MustPrice(d.EntryPrice)
		next.EntryPrice = &entry
		next.Quantity = d.Quantity
		oid := d.OrderId
		next.EntryOrderId = &oid
		next.State = StateActive

		// Initialize trailing stop exactly tech_stop_distance away from
		// entry, per side (spec §4.1 Entering->Active side effect).
		var trailing Price
		var peak Price
		if p.Side == SideLong {
			trailing = entry.Sub(p.TechStopDistance)
			peak = entry
		} else {
			trailing = entry.Add(p.TechStopDistance)
			peak = entry
		}
		next.TrailingStop = &trailing
		next.PeakPrice = &peak
		next.PendingIntentId = ""
		next.PendingClientOrderId = ""
		return next, nil

	case EventEntryFailed:
		if p.State != StateEntering {
			return invalid()
		}
		next.State = StateError
		next.PendingIntentId = ""
		next.PendingClientOrderId = ""
		return next, nil

	case EventTickObserved:
		if p.State != StateActive {
			return invalid()
		}
		var d TickObservedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return p, err
		}
		ts := MustPrice(d.TrailingStop)
		peak := MustPrice(d.LastPrice)
		next.TrailingStop = &ts
		// PeakPrice tracks the best observed price (max for Long, min for
		// Short); ComputeTrailing (trailing.go) is the sole producer of
		// these values so this assignment is always monotone.
		next.PeakPrice = &peak
		return next, nil

	case EventExitRequested:
		if p.State != StateActive {
			return invalid()
		}
		var d ExitRequestedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return p, err
		}
		next.State = StateExiting
		next.PendingIntentId = d.IntentId
		next.PendingClientOrderId = d.ClientOrderId
		return next, nil

	case EventPositionClosed:
		if p.State != StateExiting {
			return invalid()
		}
		var d PositionClosedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return p, err
		}
		next.RealizedPnL = d.RealizedPnL
		next.FeesPaid = d.FeesPaid
		oid := d.OrderId
		next.ExitOrderId = &oid
		next.State = StateClosed
		closedAt := ev.CreatedAt
		next.ClosedAt = &closedAt
		next.PendingIntentId = ""
		next.PendingClientOrderId = ""
		return next, nil

	case EventExitFailed:
		if p.State != StateExiting {
			return invalid()
		}
		next.State = StateError
		next.PendingIntentId = ""
		next.PendingClientOrderId = ""
		return next, nil

	default:
		return p, NewDomainError(KindInvalidTransition, fmt.Sprintf("unknown event type %s", ev.Type), nil)
	}
}

// Fold replays a full event stream through Apply, starting from the zero
// Position. This is what the event store's rebuild_snapshot uses, and what
// property P3 checks against the stored snapshot.
func Fold(events []Event) (Position, error) {
	var p Position
	for _, ev := range events {
		var err error
		p, err = p.Apply(ev)
		if err != nil {
			return p, err
		}
	}
	return p, nil
}
