package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, positionId PositionId, evType EventType, payload interface{}) Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Event{PositionId: positionId, Type: evType, Data: data, CreatedAt: time.Now()}
}

func armedPosition(t *testing.T) Position {
	t.Helper()
	armed := mustEvent(t, "pos-1", EventPositionArmed, PositionArmedData{
		AccountId:           "acct-1",
		Symbol:              "BTC/USDT",
		Side:                SideLong,
		TechStopDistance:    decimal.NewFromInt(100),
		TechStopDistancePct: decimal.NewFromFloat(0.01),
		Quantity:            decimal.NewFromInt(1),
	})
	pos, err := Position{}.Apply(armed)
	require.NoError(t, err)
	require.Equal(t, StateArmed, pos.State)
	return pos
}

func TestApply_ArmedToEnteringSetsPendingIntent(t *testing.T) {
	pos := armedPosition(t)

	ev := mustEvent(t, pos.Id, EventEntryRequested, EntryRequestedData{
		IntentId: "intent-1", ClientOrderId: "core_intent-1",
	})
	next, err := pos.Apply(ev)
	require.NoError(t, err)

	assert.Equal(t, StateEntering, next.State)
	assert.Equal(t, IntentId("intent-1"), next.PendingIntentId)
	assert.Equal(t, ClientOrderId("core_intent-1"), next.PendingClientOrderId)
}

func TestApply_EntryFilledClearsPendingIntent(t *testing.T) {
	pos := armedPosition(t)
	pos, err := pos.Apply(mustEvent(t, pos.Id, EventEntryRequested, EntryRequestedData{
		IntentId: "intent-1", ClientOrderId: "core_intent-1",
	}))
	require.NoError(t, err)
	require.NotEmpty(t, pos.PendingIntentId)

	filled, err := pos.Apply(mustEvent(t, pos.Id, EventEntryFilled, EntryFilledData{
		OrderId: "order-1", EntryPrice: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1),
	}))
	require.NoError(t, err)

	assert.Equal(t, StateActive, filled.State)
	assert.Empty(t, filled.PendingIntentId, "a resolved entry must clear the pending intent so resume never re-drives a completed one")
	assert.Empty(t, filled.PendingClientOrderId)
	require.NotNil(t, filled.TrailingStop)
	assert.True(t, filled.TrailingStop.LessThan(*filled.EntryPrice), "long trailing stop starts below entry")
}

func TestApply_EntryFailedClearsPendingIntentAndGoesToError(t *testing.T) {
	pos := armedPosition(t)
	pos, err := pos.Apply(mustEvent(t, pos.Id, EventEntryRequested, EntryRequestedData{
		IntentId: "intent-1", ClientOrderId: "core_intent-1",
	}))
	require.NoError(t, err)

	failed, err := pos.Apply(mustEvent(t, pos.Id, EventEntryFailed, EntryFailedData{Reason: "exchange rejected"}))
	require.NoError(t, err)

	assert.Equal(t, StateError, failed.State)
	assert.Empty(t, failed.PendingIntentId)
	assert.Empty(t, failed.PendingClientOrderId)
}

func activePosition(t *testing.T) Position {
	t.Helper()
	pos := armedPosition(t)
	pos, err := pos.Apply(mustEvent(t, pos.Id, EventEntryRequested, EntryRequestedData{
		IntentId: "intent-1", ClientOrderId: "core_intent-1",
	}))
	require.NoError(t, err)
	pos, err = pos.Apply(mustEvent(t, pos.Id, EventEntryFilled, EntryFilledData{
		OrderId: "order-1", EntryPrice: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1),
	}))
	require.NoError(t, err)
	return pos
}

func TestApply_ActiveToExitingSetsPendingIntent(t *testing.T) {
	pos := activePosition(t)

	ev := mustEvent(t, pos.Id, EventExitRequested, ExitRequestedData{
		IntentId: "intent-2", ClientOrderId: "core_intent-2", Reason: "trailing_stop",
	})
	next, err := pos.Apply(ev)
	require.NoError(t, err)

	assert.Equal(t, StateExiting, next.State)
	assert.Equal(t, IntentId("intent-2"), next.PendingIntentId)
	assert.Equal(t, ClientOrderId("core_intent-2"), next.PendingClientOrderId)
}

func TestApply_PositionClosedClearsPendingIntent(t *testing.T) {
	pos := activePosition(t)
	pos, err := pos.Apply(mustEvent(t, pos.Id, EventExitRequested, ExitRequestedData{
		IntentId: "intent-2", ClientOrderId: "core_intent-2", Reason: "trailing_stop",
	}))
	require.NoError(t, err)
	require.NotEmpty(t, pos.PendingIntentId)

	closed, err := pos.Apply(mustEvent(t, pos.Id, EventPositionClosed, PositionClosedData{
		OrderId: "order-2", ExitPrice: decimal.NewFromInt(50500), RealizedPnL: decimal.NewFromInt(500),
	}))
	require.NoError(t, err)

	assert.Equal(t, StateClosed, closed.State)
	assert.Empty(t, closed.PendingIntentId)
	assert.Empty(t, closed.PendingClientOrderId)
	assert.NotNil(t, closed.ClosedAt)
}

func TestApply_ExitFailedClearsPendingIntent(t *testing.T) {
	pos := activePosition(t)
	pos, err := pos.Apply(mustEvent(t, pos.Id, EventExitRequested, ExitRequestedData{
		IntentId: "intent-2", ClientOrderId: "core_intent-2", Reason: "panic",
	}))
	require.NoError(t, err)

	failed, err := pos.Apply(mustEvent(t, pos.Id, EventExitFailed, ExitFailedData{Reason: "no fill within reconcile window"}))
	require.NoError(t, err)

	assert.Equal(t, StateError, failed.State)
	assert.Empty(t, failed.PendingIntentId)
	assert.Empty(t, failed.PendingClientOrderId)
}

func TestApply_RejectsEventInvalidForState(t *testing.T) {
	pos := armedPosition(t)

	// EntryFilled is only valid in Entering, not Armed.
	_, err := pos.Apply(mustEvent(t, pos.Id, EventEntryFilled, EntryFilledData{
		OrderId: "order-1", EntryPrice: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1),
	}))
	require.Error(t, err)

	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, KindInvalidTransition, domainErr.Kind)
}

func TestApply_DisarmClosesAnArmedPosition(t *testing.T) {
	pos := armedPosition(t)

	closed, err := pos.Apply(mustEvent(t, pos.Id, EventPositionDisarmed, PositionDisarmedData{}))
	require.NoError(t, err)

	assert.Equal(t, StateClosed, closed.State)
	assert.NotNil(t, closed.ClosedAt)
}

func TestFold_ReplaysFullEntryExitLifecycle(t *testing.T) {
	positionId := PositionId("pos-1")
	events := []Event{
		mustEvent(t, positionId, EventPositionArmed, PositionArmedData{
			AccountId: "acct-1", Symbol: "ETH/USDT", Side: SideLong,
			TechStopDistance: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(2),
		}),
		mustEvent(t, positionId, EventEntryRequested, EntryRequestedData{
			IntentId: "intent-1", ClientOrderId: "core_intent-1",
		}),
		mustEvent(t, positionId, EventEntryFilled, EntryFilledData{
			OrderId: "order-1", EntryPrice: decimal.NewFromInt(2000), Quantity: decimal.NewFromInt(2),
		}),
		mustEvent(t, positionId, EventTickObserved, TickObservedData{
			LastPrice: decimal.NewFromInt(2010), TrailingStop: decimal.NewFromInt(2000),
		}),
		mustEvent(t, positionId, EventExitRequested, ExitRequestedData{
			IntentId: "intent-2", ClientOrderId: "core_intent-2", Reason: "trailing_stop",
		}),
		mustEvent(t, positionId, EventPositionClosed, PositionClosedData{
			OrderId: "order-2", ExitPrice: decimal.NewFromInt(2005), RealizedPnL: decimal.NewFromInt(10),
		}),
	}

	final, err := Fold(events)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, final.State)
	assert.Empty(t, final.PendingIntentId, "a fully replayed closed position must carry no dangling pending intent")
	assert.True(t, decimal.NewFromInt(10).Equal(final.RealizedPnL))
}

func TestNewPosition_SizesQuantityByRiskFraction(t *testing.T) {
	now := time.Now()
	pos, err := NewPosition(ArmArgs{
		Id: "pos-1", AccountId: "acct-1", Symbol: "BTC/USDT", Side: SideLong,
		TechStopDistance:  decimal.NewFromInt(100),
		AccountRiskBudget: decimal.NewFromInt(100000),
		RiskFraction:      decimal.NewFromFloat(0.01),
		QtyStep:           decimal.NewFromFloat(0.001),
		Now:               now,
	})
	require.NoError(t, err)

	// quantity = floor_to_step((100000 * 0.01) / 100) = floor_to_step(10, 0.001) = 10
	assert.True(t, decimal.NewFromInt(10).Equal(pos.Quantity))
	assert.Equal(t, StateArmed, pos.State)
}

func TestNewPosition_RejectsZeroSizedQuantity(t *testing.T) {
	_, err := NewPosition(ArmArgs{
		Id: "pos-1", AccountId: "acct-1", Symbol: "BTC/USDT", Side: SideLong,
		TechStopDistance:  decimal.NewFromInt(1_000_000),
		AccountRiskBudget: decimal.NewFromInt(1),
		RiskFraction:      decimal.NewFromFloat(0.01),
		QtyStep:           decimal.NewFromInt(1),
		Now:               time.Now(),
	})
	require.Error(t, err)

	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, KindInsufficientCapital, domainErr.Kind)
}

func TestNewPosition_RejectsInvalidSide(t *testing.T) {
	_, err := NewPosition(ArmArgs{
		Id: "pos-1", AccountId: "acct-1", Symbol: "BTC/USDT", Side: "SIDEWAYS",
		TechStopDistance:  decimal.NewFromInt(100),
		AccountRiskBudget: decimal.NewFromInt(10000),
		QtyStep:           decimal.NewFromFloat(0.001),
		Now:               time.Now(),
	})
	require.Error(t, err)
}
