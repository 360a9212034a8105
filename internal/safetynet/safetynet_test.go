package safetynet

import (
	"context"
	"sync"
	"sync/atomic"
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
	active []core.Position
}

func (f *fakeStore) Append(context.Context, core.PositionId, core.EventType, []byte, core.Position) (int64, error) {
	return 0, nil
}
func (f *fakeStore) LoadSnapshot(context.Context, core.PositionId) (*core.Position, error) { return nil, nil }
func (f *fakeStore) LoadEvents(context.Context, core.PositionId) ([]core.Event, error)      { return nil, nil }
func (f *fakeStore) RebuildSnapshot(context.Context, core.PositionId) (core.Position, error) {
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
func (f *fakeStore) ListPendingIntents(context.Context) ([]core.Intent, error) { return nil, nil }

type fakeJournal struct{}

func (fakeJournal) Record(context.Context, core.Intent) error { return nil }
func (fakeJournal) Process(ctx context.Context, id core.IntentId, posId core.PositionId, exec core.Executor) error {
	_, err := exec(ctx)
	return err
}
func (fakeJournal) ReplayPending(context.Context, func(context.Context, core.Intent) error) error {
	return nil
}

type fakeLeases struct{ mu sync.Mutex }

func (f *fakeLeases) Acquire(ctx context.Context, key string, ttl time.Duration) (core.Lease, error) {
	return core.Lease{Key: key, ExpiresAt: time.Now().Add(ttl)}, nil
}
func (f *fakeLeases) Renew(ctx context.Context, l core.Lease, ttl time.Duration) (core.Lease, error) {
	l.ExpiresAt = time.Now().Add(ttl)
	return l, nil
}
func (f *fakeLeases) Release(context.Context, core.Lease) error { return nil }

type fakeBus struct{}

func (fakeBus) Publish(core.BusEvent) {}
func (fakeBus) Subscribe() (<-chan core.BusEvent, func()) {
	ch := make(chan core.BusEvent)
	return ch, func() {}
}

type fakeExchange struct {
	positions     []core.ExchangePositionView
	placedOrders  int32
	lastPlacedQty decimal.Decimal
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, qty decimal.Decimal, clientOrderId core.ClientOrderId) (core.OrderAck, error) {
	atomic.AddInt32(&f.placedOrders, 1)
	f.lastPlacedQty = qty
	return core.OrderAck{ExchangeOrderId: "ex-1", AcceptedQty: qty, Timestamp: time.Now()}, nil
}
func (f *fakeExchange) PlaceStopLimit(context.Context, core.Symbol, core.OrderSide, decimal.Decimal, decimal.Decimal, decimal.Decimal, core.ClientOrderId) (core.OrderAck, error) {
	return core.OrderAck{}, nil
}
func (f *fakeExchange) CancelOrder(context.Context, core.Symbol, string) error { return nil }
func (f *fakeExchange) LookupOrder(context.Context, core.Symbol, core.ClientOrderId) (*core.OrderStatusView, error) {
	return nil, nil
}
func (f *fakeExchange) Positions(ctx context.Context, accountId string) ([]core.ExchangePositionView, error) {
	return f.positions, nil
}
func (f *fakeExchange) SubscribeFills(ctx context.Context) (<-chan core.FillEvent, <-chan core.GapMarker, error) {
	return make(chan core.FillEvent), make(chan core.GapMarker), nil
}
func (f *fakeExchange) SubscribeTicks(ctx context.Context, symbol core.Symbol) (<-chan core.Tick, <-chan core.GapMarker, error) {
	ticks := make(chan core.Tick, 1)
	return ticks, make(chan core.GapMarker), nil
}
func (f *fakeExchange) Ping(context.Context) error { return nil }

func newTestMonitor(store *fakeStore, exchange *fakeExchange) *Monitor {
	return New(store, exchange, fakeJournal{}, &fakeLeases{}, fakeBus{}, nopLogger{}, Config{
		AccountId:     "acct-1",
		PollInterval:  time.Hour,
		SafetyPercent: decimal.NewFromFloat(0.02),
		LeaseTTL:      time.Second,
	})
}

func TestMonitor_PollExcludesEngineOwnedPositions(t *testing.T) {
	store := &fakeStore{active: []core.Position{
		{Symbol: "BTCUSDT", Side: core.SideLong, State: core.StateActive},
	}}
	exchange := &fakeExchange{positions: []core.ExchangePositionView{
		{Symbol: "BTCUSDT", Side: core.SideLong, Qty: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)},
	}}
	m := newTestMonitor(store, exchange)

	require.NoError(t, m.Poll(context.Background()))
	assert.Empty(t, m.DetectedPositions(), "engine-owned positions must never be tracked by the safety-net")
}

func TestMonitor_PollTracksUnmanagedPosition(t *testing.T) {
	store := &fakeStore{}
	exchange := &fakeExchange{positions: []core.ExchangePositionView{
		{Symbol: "ETHUSDT", Side: core.SideLong, Qty: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(1000), ExchangePositionId: "pos-1"},
	}}
	m := newTestMonitor(store, exchange)

	require.NoError(t, m.Poll(context.Background()))

	detected := m.DetectedPositions()
	require.Len(t, detected, 1)
	assert.Equal(t, core.Symbol("ETHUSDT"), detected[0].Symbol)
	assert.True(t, detected[0].SafetyStopPrice.LessThan(detected[0].EntryPrice), "long safety stop must sit below entry")
}

func TestMonitor_PollExitsOnBreach(t *testing.T) {
	store := &fakeStore{}
	exchange := &fakeExchange{positions: []core.ExchangePositionView{
		{Symbol: "ETHUSDT", Side: core.SideLong, Qty: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(1000), ExchangePositionId: "pos-1"},
	}}
	m := newTestMonitor(store, exchange)

	// First poll tracks the position and subscribes to ticks.
	require.NoError(t, m.Poll(context.Background()))
	// Feed a price below the safety stop directly (bypassing the tick stream).
	m.priceMu.Lock()
	m.prices["ETHUSDT"] = decimal.NewFromInt(900)
	m.priceMu.Unlock()

	require.NoError(t, m.Poll(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&exchange.placedOrders), "a breached safety stop must submit exactly one market close")
}

func TestMonitor_PrunePositionsNoLongerOnExchange(t *testing.T) {
	store := &fakeStore{}
	exchange := &fakeExchange{positions: []core.ExchangePositionView{
		{Symbol: "ETHUSDT", Side: core.SideLong, Qty: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(1000), ExchangePositionId: "pos-1"},
	}}
	m := newTestMonitor(store, exchange)
	require.NoError(t, m.Poll(context.Background()))
	require.Len(t, m.DetectedPositions(), 1)

	exchange.positions = nil
	require.NoError(t, m.Poll(context.Background()))
	assert.Empty(t, m.DetectedPositions())
}
