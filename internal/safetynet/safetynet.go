// Package safetynet implements the guard described in spec §4.9: every
// exchange-visible position carries a bounded loss, including ones the
// engine never opened (manual intervention on the exchange UI). It polls
// exchange.Positions, excludes anything the engine already owns, and
// arms a coarse fixed-percentage stop on the rest.
package safetynet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/lease"
	"github.com/posedge/engine/internal/metrics"
	"github.com/posedge/engine/pkg/apperrors"
	"github.com/posedge/engine/pkg/concurrency"
	"github.com/posedge/engine/pkg/idgen"
)

// DetectedPosition is a position the safety-net has found and armed a stop
// for but the engine does not own.
type DetectedPosition struct {
	Symbol             core.Symbol
	Side               core.Side
	EntryPrice         decimal.Decimal
	Qty                decimal.Decimal
	SafetyStopPrice    decimal.Decimal
	ExchangePositionId string
}

// Config carries the monitor's tunables.
type Config struct {
	AccountId     string
	PollInterval  time.Duration
	SafetyPercent decimal.Decimal // fixed distance from entry, default 0.02
	LeaseTTL      time.Duration
}

// Monitor polls exchange positions and guards anything outside the
// engine's own bookkeeping.
type Monitor struct {
	store    core.IEventStore
	exchange core.IExchangeAdapter
	journal  core.IIntentJournal
	leases   core.ILeaseManager
	bus      core.IEventBus
	logger   core.ILogger
	cfg      Config
	pool     *concurrency.WorkerPool

	mu        sync.Mutex
	exclusion map[string]bool
	detected  map[string]*DetectedPosition

	priceMu    sync.RWMutex
	prices     map[core.Symbol]decimal.Decimal
	subscribed map[core.Symbol]bool

	streamCancel context.CancelFunc
	subWg        sync.WaitGroup

	busCancel func()
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New builds a Monitor. Call Start to begin polling and consuming the bus.
func New(store core.IEventStore, exchange core.IExchangeAdapter, journal core.IIntentJournal, leases core.ILeaseManager, bus core.IEventBus, logger core.ILogger, cfg Config) *Monitor {
	if cfg.SafetyPercent.IsZero() {
		cfg.SafetyPercent = decimal.NewFromFloat(0.02)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Second
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	l := logger.WithField("component", "safety_net")
	return &Monitor{
		store:      store,
		exchange:   exchange,
		journal:    journal,
		leases:     leases,
		bus:        bus,
		logger:     l,
		cfg:        cfg,
		pool:       concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "safety_net_poll", MaxWorkers: 4, MaxCapacity: 256}, l),
		exclusion:  make(map[string]bool),
		detected:   make(map[string]*DetectedPosition),
		prices:     make(map[core.Symbol]decimal.Decimal),
		subscribed: make(map[core.Symbol]bool),
	}
}

// Start subscribes to the internal bus and begins the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	streamCtx, cancel := context.WithCancel(ctx)
	m.streamCancel = cancel

	ch, busCancel := m.bus.Subscribe()
	m.busCancel = busCancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				m.onBusEvent(ev)
			}
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Poll(streamCtx); err != nil {
					m.logger.Error("safety-net poll failed", "error", err)
				}
			}
		}
	}()
}

// Stop unwinds the bus subscription and tick-stream subscriptions.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.busCancel != nil {
			m.busCancel()
		}
		if m.streamCancel != nil {
			m.streamCancel()
		}
		m.wg.Wait()
		m.subWg.Wait()
		m.pool.StopAndWait()
	})
}

func (m *Monitor) onBusEvent(ev core.BusEvent) {
	k := key(ev.Symbol, ev.Side)
	switch ev.Type {
	case core.BusCorePositionOpened:
		m.mu.Lock()
		m.exclusion[k] = true
		delete(m.detected, k)
		m.mu.Unlock()
		m.logger.Info("excluding engine-owned position from safety-net", "symbol", ev.Symbol, "side", ev.Side)
	case core.BusCorePositionClosed:
		m.mu.Lock()
		delete(m.exclusion, k)
		m.mu.Unlock()
	}
}

// Poll runs one pass: fetch exchange positions, skip engine-owned ones,
// arm/advance a safety stop on the rest, and exit any that breach it. Each
// view's ownership check, stop tracking and potential exit runs as an
// independent unit of work on the shared worker pool, bounding how many
// positions are processed concurrently rather than fanning out unbounded
// goroutines per poll.
func (m *Monitor) Poll(ctx context.Context) error {
	positions, err := m.exchange.Positions(ctx, m.cfg.AccountId)
	if err != nil {
		return fmt.Errorf("failed to fetch exchange positions: %w", err)
	}

	var seenMu sync.Mutex
	seen := make(map[string]bool, len(positions))
	var wg sync.WaitGroup

	for _, view := range positions {
		if view.Qty.IsZero() {
			continue
		}
		view := view
		side := sideFromView(view)
		k := key(view.Symbol, side)

		seenMu.Lock()
		seen[k] = true
		seenMu.Unlock()

		wg.Add(1)
		if err := m.pool.Submit(func() {
			defer wg.Done()
			m.processView(ctx, view, side, k)
		}); err != nil {
			wg.Done()
			m.logger.Error("safety-net poll pool rejected view, processing inline", "symbol", view.Symbol, "error", err)
			m.processView(ctx, view, side, k)
		}
	}
	wg.Wait()

	m.prune(seen)

	m.mu.Lock()
	metrics.SafetyNetDetectedPositions.Set(float64(len(m.detected)))
	m.mu.Unlock()
	return nil
}

// processView carries one exchange position view through ownership
// checking, safety-stop tracking and (if breached) exit submission.
func (m *Monitor) processView(ctx context.Context, view core.ExchangePositionView, side core.Side, k string) {
	if m.isExcluded(k) {
		return
	}
	owned, err := m.isEngineOwned(ctx, view.Symbol, side)
	if err != nil {
		m.logger.Error("failed to check engine ownership", "symbol", view.Symbol, "error", err)
		return
	}
	if owned {
		return
	}

	det := m.track(view, side)
	m.ensurePriceStream(ctx, view.Symbol)

	price, ok := m.latestPrice(view.Symbol)
	if !ok {
		return
	}
	if breached(side, price, det.SafetyStopPrice) {
		if err := m.executeSafetyExit(ctx, det); err != nil {
			m.logger.Error("safety exit failed", "symbol", det.Symbol, "side", det.Side, "error", err)
		}
	}
}

// DetectedPositions returns a snapshot of every currently tracked,
// engine-unowned position the monitor is guarding.
func (m *Monitor) DetectedPositions() []DetectedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DetectedPosition, 0, len(m.detected))
	for _, det := range m.detected {
		out = append(out, *det)
	}
	return out
}

func (m *Monitor) isExcluded(k string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exclusion[k]
}

// isEngineOwned double-checks the exclusion cache against the event store,
// tolerating a missed bus event (spec §4.9 guarantee #1).
func (m *Monitor) isEngineOwned(ctx context.Context, symbol core.Symbol, side core.Side) (bool, error) {
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range active {
		if p.Symbol == symbol && p.Side == side && p.State.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Monitor) track(view core.ExchangePositionView, side core.Side) *DetectedPosition {
	k := key(view.Symbol, side)
	m.mu.Lock()
	defer m.mu.Unlock()

	det, ok := m.detected[k]
	if ok {
		det.Qty = view.Qty
		return det
	}

	stop := computeSafetyStop(side, view.EntryPrice, m.cfg.SafetyPercent)
	det = &DetectedPosition{
		Symbol:             view.Symbol,
		Side:               side,
		EntryPrice:         view.EntryPrice,
		Qty:                view.Qty,
		SafetyStopPrice:    stop,
		ExchangePositionId: view.ExchangePositionId,
	}
	m.detected[k] = det
	m.logger.Warn("detected unmanaged exchange position, arming safety stop",
		"symbol", view.Symbol, "side", side, "entry_price", view.EntryPrice, "safety_stop", stop)
	return det
}

// prune drops tracked positions no longer present on the exchange (they
// closed, or were exited by a prior safety intent).
func (m *Monitor) prune(seen map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.detected {
		if !seen[k] {
			delete(m.detected, k)
		}
	}
}

// executeSafetyExit journals and submits a market close for a breached
// safety-net position, serialized by the same (account, symbol) lease the
// core engine uses (spec §4.3: "serializes core and safety-net writes").
func (m *Monitor) executeSafetyExit(ctx context.Context, det *DetectedPosition) error {
	intentId := core.IntentId(idgen.New())
	exchangeSide := core.ExitSideFor(det.Side)

	leaseKey := fmt.Sprintf("%s:%s", m.cfg.AccountId, det.Symbol)
	return lease.WithLease(ctx, m.leases, leaseKey, m.cfg.LeaseTTL, func(leaseCtx context.Context, _ core.Lease) error {
		intent := core.Intent{
			Id:        intentId,
			Type:      core.IntentSafetyExit,
			CreatedAt: time.Now(),
		}
		if err := m.journal.Record(leaseCtx, intent); err != nil {
			return err
		}

		clientOrderId := core.NewClientOrderId(core.NamespaceSafety, intentId)
		return m.journal.Process(leaseCtx, intentId, core.PositionId(""), func(execCtx context.Context) ([]byte, error) {
			ack, err := m.exchange.PlaceMarketOrder(execCtx, det.Symbol, exchangeSide, det.Qty, clientOrderId)
			if err != nil && !errors.Is(err, apperrors.ErrDuplicateClientOrder) {
				return nil, err
			}
			m.logger.Warn("safety-net closed unmanaged position", "symbol", det.Symbol, "side", det.Side, "exchange_order_id", ack.ExchangeOrderId)
			metrics.SafetyNetExitsTotal.WithLabelValues(string(det.Symbol)).Inc()
			return nil, nil
		})
	})
}

func key(symbol core.Symbol, side core.Side) string {
	return fmt.Sprintf("%s:%s", symbol, side)
}

func sideFromView(view core.ExchangePositionView) core.Side {
	if view.Side != "" {
		return view.Side
	}
	if view.Qty.Sign() < 0 {
		return core.SideShort
	}
	return core.SideLong
}

// computeSafetyStop is the safety-net's own, intentionally coarser rule —
// a fixed percentage distance from entry, unlike the core engine's
// technical trailing stop.
func computeSafetyStop(side core.Side, entryPrice decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	distance := entryPrice.Mul(pct)
	if side == core.SideLong {
		return entryPrice.Sub(distance)
	}
	return entryPrice.Add(distance)
}

func breached(side core.Side, price, stop decimal.Decimal) bool {
	if side == core.SideLong {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

// ensurePriceStream lazily subscribes to a symbol's tick stream the first
// time the safety-net needs a live price for it.
func (m *Monitor) ensurePriceStream(ctx context.Context, symbol core.Symbol) {
	m.priceMu.Lock()
	if m.subscribed[symbol] {
		m.priceMu.Unlock()
		return
	}
	m.subscribed[symbol] = true
	m.priceMu.Unlock()

	ticks, _, err := m.exchange.SubscribeTicks(ctx, symbol)
	if err != nil {
		m.logger.Error("failed to subscribe ticks for detected position", "symbol", symbol, "error", err)
		m.priceMu.Lock()
		delete(m.subscribed, symbol)
		m.priceMu.Unlock()
		return
	}

	m.subWg.Add(1)
	go func() {
		defer m.subWg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-ticks:
				if !ok {
					return
				}
				m.priceMu.Lock()
				m.prices[symbol] = tick.Price
				m.priceMu.Unlock()
			}
		}
	}()
}

func (m *Monitor) latestPrice(symbol core.Symbol) (decimal.Decimal, bool) {
	m.priceMu.RLock()
	defer m.priceMu.RUnlock()
	p, ok := m.prices[symbol]
	return p, ok
}

var _ core.ISafetyNetMonitor = (*Monitor)(nil)
