package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posedge/engine/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type fakeStore struct {
	active      []core.Position
	pending     []core.Intent
	appended    []core.Event
	rebuiltErr  error
}

func (f *fakeStore) Append(ctx context.Context, positionId core.PositionId, evType core.EventType, payload []byte, snap core.Position) (int64, error) {
	f.appended = append(f.appended, core.Event{PositionId: positionId, Type: evType, Data: payload})
	return int64(len(f.appended)), nil
}
func (f *fakeStore) LoadSnapshot(context.Context, core.PositionId) (*core.Position, error) { return nil, nil }
func (f *fakeStore) LoadEvents(context.Context, core.PositionId) ([]core.Event, error)      { return nil, nil }
func (f *fakeStore) RebuildSnapshot(ctx context.Context, id core.PositionId) (core.Position, error) {
	if f.rebuiltErr != nil {
		return core.Position{}, f.rebuiltErr
	}
	for _, p := range f.active {
		if p.Id == id {
			return p, nil
		}
	}
	return core.Position{}, nil
}
func (f *fakeStore) ListActive(context.Context) ([]core.Position, error) { return f.active, nil }
func (f *fakeStore) SaveOrder(context.Context, core.Order) error         { return nil }
func (f *fakeStore) LoadOrder(context.Context, core.OrderId) (*core.Order, error) { return nil, nil }
func (f *fakeStore) LoadOrderByClientId(context.Context, core.ClientOrderId) (*core.Order, error) {
	return nil, nil
}
func (f *fakeStore) AppendIntent(context.Context, core.Intent) error { return nil }
func (f *fakeStore) MarkIntent(context.Context, core.IntentId, core.PositionId, core.IntentStatus, []byte, string) error {
	return nil
}
func (f *fakeStore) LoadIntent(context.Context, core.IntentId, core.PositionId) (*core.Intent, error) {
	return nil, nil
}
func (f *fakeStore) ListPendingIntents(context.Context) ([]core.Intent, error) { return f.pending, nil }

type fakeExchange struct {
	positions []core.ExchangePositionView
	orders    map[core.ClientOrderId]*core.OrderStatusView
	lookupErr error
}

func (f *fakeExchange) PlaceMarketOrder(context.Context, core.Symbol, core.OrderSide, decimal.Decimal, core.ClientOrderId) (core.OrderAck, error) {
	return core.OrderAck{}, nil
}
func (f *fakeExchange) PlaceStopLimit(context.Context, core.Symbol, core.OrderSide, decimal.Decimal, decimal.Decimal, decimal.Decimal, core.ClientOrderId) (core.OrderAck, error) {
	return core.OrderAck{}, nil
}
func (f *fakeExchange) CancelOrder(context.Context, core.Symbol, string) error { return nil }
func (f *fakeExchange) LookupOrder(ctx context.Context, symbol core.Symbol, clientOrderId core.ClientOrderId) (*core.OrderStatusView, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.orders[clientOrderId], nil
}
func (f *fakeExchange) Positions(ctx context.Context, accountId string) ([]core.ExchangePositionView, error) {
	return f.positions, nil
}
func (f *fakeExchange) SubscribeFills(ctx context.Context) (<-chan core.FillEvent, <-chan core.GapMarker, error) {
	return make(chan core.FillEvent), make(chan core.GapMarker), nil
}
func (f *fakeExchange) SubscribeTicks(ctx context.Context, symbol core.Symbol) (<-chan core.Tick, <-chan core.GapMarker, error) {
	return make(chan core.Tick), make(chan core.GapMarker), nil
}
func (f *fakeExchange) Ping(context.Context) error { return nil }

func enteringPosition() core.Position {
	return core.Position{
		Id: "pos-1", AccountId: "acct-1", Symbol: "BTC/USDT", Side: core.SideLong,
		State: core.StateEntering, Quantity: decimal.NewFromInt(1),
		PendingIntentId: "intent-1", PendingClientOrderId: "core_intent-1",
		UpdatedAt: time.Now(),
	}
}

func TestReconcile_AlignedPositionsAreUntouched(t *testing.T) {
	store := &fakeStore{active: []core.Position{
		{Id: "pos-1", Symbol: "BTC/USDT", Side: core.SideLong, State: core.StateActive, UpdatedAt: time.Now()},
	}}
	exchange := &fakeExchange{}
	r := New(store, exchange, nopLogger{}, "acct-1")

	results, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAligned, results[0].Outcome)
}

func TestReconcile_InFlightWithNoJournaledIntentIsAmbiguous(t *testing.T) {
	pos := enteringPosition()
	store := &fakeStore{active: []core.Position{pos}} // no pending intents recorded
	exchange := &fakeExchange{}
	r := New(store, exchange, nopLogger{}, "acct-1")

	results, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAmbiguous, results[0].Outcome)
}

func TestReconcile_InFlightOrderNotYetVisibleIsNoAction(t *testing.T) {
	pos := enteringPosition()
	store := &fakeStore{
		active:  []core.Position{pos},
		pending: []core.Intent{{Id: "intent-1", PositionId: "pos-1", Type: core.IntentEnterMarket}},
	}
	exchange := &fakeExchange{orders: map[core.ClientOrderId]*core.OrderStatusView{}}
	r := New(store, exchange, nopLogger{}, "acct-1")

	results, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNoAction, results[0].Outcome, "an order not yet visible on the exchange defers to Resume re-driving the intent, not to an in-flight task")
}

func TestReconcile_InFlightFilledOrderReplaysTheMissingFill(t *testing.T) {
	pos := enteringPosition()
	store := &fakeStore{
		active:  []core.Position{pos},
		pending: []core.Intent{{Id: "intent-1", PositionId: "pos-1", Type: core.IntentEnterMarket}},
	}
	exchange := &fakeExchange{orders: map[core.ClientOrderId]*core.OrderStatusView{
		"core_intent-1": {
			ExchangeOrderId: "ex-1", ClientOrderId: "core_intent-1", Status: core.OrderStatusFilled,
			FilledQty: decimal.NewFromInt(1), AvgFillPrice: decimal.NewFromInt(50000),
		},
	}}
	r := New(store, exchange, nopLogger{}, "acct-1")

	results, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeMissingFill, results[0].Outcome)
	require.Len(t, store.appended, 1)
	assert.Equal(t, core.EventEntryFilled, store.appended[0].Type)
}

func TestReconcile_InFlightRejectedOrderIsMarkedAmbiguous(t *testing.T) {
	pos := enteringPosition()
	store := &fakeStore{
		active:  []core.Position{pos},
		pending: []core.Intent{{Id: "intent-1", PositionId: "pos-1", Type: core.IntentEnterMarket}},
	}
	exchange := &fakeExchange{orders: map[core.ClientOrderId]*core.OrderStatusView{
		"core_intent-1": {ClientOrderId: "core_intent-1", Status: core.OrderStatusRejected},
	}}
	r := New(store, exchange, nopLogger{}, "acct-1")

	results, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAmbiguous, results[0].Outcome)
	require.Len(t, store.appended, 1)
	assert.Equal(t, core.EventEntryFailed, store.appended[0].Type)
}

func TestReconcile_OrphanExchangePositionIsLoggedNotActed(t *testing.T) {
	store := &fakeStore{}
	exchange := &fakeExchange{positions: []core.ExchangePositionView{
		{Symbol: "ETH/USDT", Side: core.SideLong, Qty: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(2000)},
	}}
	r := New(store, exchange, nopLogger{}, "acct-1")

	results, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results, "an orphan exchange position with no matching active row produces no reconcile Result of its own")
}
