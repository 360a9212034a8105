// Package host is the runtime host (spec §4.10): it owns the process
// lifecycle around the engine supervisor, the reconciler, and the
// safety-net monitor, and answers the liveness/readiness questions the
// operator surface and any orchestrator probe it with.
package host

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/engine"
	"github.com/posedge/engine/internal/health"
	"github.com/posedge/engine/internal/reconciler"
	"github.com/posedge/engine/internal/safetynet"
)

// marketDataRouter subscribes to the exchange's fill and (lazily, per
// symbol) tick streams and fans them into the supervisor's mailboxes,
// triggering a reconciliation pass whenever either stream reports a gap
// (spec §4.5: "reconciler runs ... whenever the exchange adapter reports a
// gap").
type marketDataRouter struct {
	exchange core.IExchangeAdapter
	sup      *engine.Supervisor
	bus      core.IEventBus
	recon    *reconciler.Reconciler
	logger   core.ILogger

	mu         sync.Mutex
	subscribed map[core.Symbol]bool

	busCancel func()
	wg        errgroup.Group
}

func newMarketDataRouter(exchange core.IExchangeAdapter, sup *engine.Supervisor, bus core.IEventBus, recon *reconciler.Reconciler, logger core.ILogger) *marketDataRouter {
	return &marketDataRouter{
		exchange:   exchange,
		sup:        sup,
		bus:        bus,
		recon:      recon,
		logger:     logger.WithField("component", "market_data_router"),
		subscribed: make(map[core.Symbol]bool),
	}
}

// Start subscribes to fills globally and ticks for every currently active
// symbol, then keeps ensuring a tick subscription exists for any symbol a
// position opens into afterward.
func (r *marketDataRouter) Start(ctx context.Context) error {
	fills, fillGaps, err := r.exchange.SubscribeFills(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe fills: %w", err)
	}
	r.wg.Go(func() error {
		r.runFills(ctx, fills, fillGaps)
		return nil
	})

	for _, pos := range r.sup.List() {
		if pos.State == core.StateActive || pos.State == core.StateExiting {
			r.ensureTickStream(ctx, pos.Symbol)
		}
	}

	ch, cancel := r.bus.Subscribe()
	r.busCancel = cancel
	r.wg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				if ev.Type == core.BusCorePositionOpened {
					r.ensureTickStream(ctx, ev.Symbol)
				}
			}
		}
	})

	return nil
}

func (r *marketDataRouter) Stop() {
	if r.busCancel != nil {
		r.busCancel()
	}
	// errgroup.Group.Wait's returned error is always nil here: none of this
	// router's goroutines ever return one, they only signal completion.
	_ = r.wg.Wait()
}

func (r *marketDataRouter) runFills(ctx context.Context, fills <-chan core.FillEvent, gaps <-chan core.GapMarker) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-fills:
			if !ok {
				return
			}
			r.sup.DispatchFill(ctx, fill)
		case gap, ok := <-gaps:
			if !ok {
				return
			}
			r.logger.Warn("fill stream gap reported, triggering reconciliation", "symbol", gap.Symbol, "reason", gap.Reason)
			if _, err := r.recon.Reconcile(ctx); err != nil {
				r.logger.Error("gap-triggered reconciliation failed", "error", err)
			}
		}
	}
}

func (r *marketDataRouter) ensureTickStream(ctx context.Context, symbol core.Symbol) {
	r.mu.Lock()
	if r.subscribed[symbol] {
		r.mu.Unlock()
		return
	}
	r.subscribed[symbol] = true
	r.mu.Unlock()

	ticks, gaps, err := r.exchange.SubscribeTicks(ctx, symbol)
	if err != nil {
		r.logger.Error("failed to subscribe ticks", "symbol", symbol, "error", err)
		r.mu.Lock()
		delete(r.subscribed, symbol)
		r.mu.Unlock()
		return
	}

	r.wg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case tick, ok := <-ticks:
				if !ok {
					return nil
				}
				r.sup.DispatchTick(ctx, tick)
			case gap, ok := <-gaps:
				if !ok {
					return nil
				}
				r.logger.Warn("tick stream gap reported, triggering reconciliation", "symbol", gap.Symbol, "reason", gap.Reason)
				if _, err := r.recon.Reconcile(ctx); err != nil {
					r.logger.Error("gap-triggered reconciliation failed", "error", err)
				}
			}
		}
	})
}

// Config carries the host's own tunables, distinct from the supervisor's
// and safety-net's (which are configured directly).
type Config struct {
	ReconcileInterval time.Duration
	AccountId         string
	// ShutdownDrain bounds how long Stop waits for in-flight intents
	// before returning anyway (spec §4.10: "bounded wait").
	ShutdownDrain     time.Duration
	SafetyNetDisabled bool
}

// Host wires the engine supervisor, reconciler and safety-net monitor
// into one process and exposes their combined health to /healthz and
// /readyz.
type Host struct {
	sup        *engine.Supervisor
	recon      *reconciler.Reconciler
	safetyNet  *safetynet.Monitor
	journal    core.IIntentJournal
	leases     core.ILeaseManager
	db         *sql.DB
	exchange   core.IExchangeAdapter
	bus        core.IEventBus
	health     *health.Manager
	logger     core.ILogger
	cfg        Config

	router      *marketDataRouter
	reconCancel context.CancelFunc
	wg          errgroup.Group
	stopOnce    sync.Once
}

// Dependencies groups the already-constructed adapters and engine pieces
// the host wires together. Every field is built and owned by cmd/engine's
// main, which also owns their Close/shutdown order after Stop returns.
type Dependencies struct {
	Supervisor *engine.Supervisor
	Reconciler *reconciler.Reconciler
	SafetyNet  *safetynet.Monitor
	Journal    core.IIntentJournal
	Leases     core.ILeaseManager
	DB         *sql.DB
	Exchange   core.IExchangeAdapter
	Bus        core.IEventBus
	Logger     core.ILogger
}

// New builds a Host and registers its standard health checks.
func New(deps Dependencies, cfg Config) *Host {
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.ShutdownDrain == 0 {
		cfg.ShutdownDrain = 30 * time.Second
	}

	h := &Host{
		sup:       deps.Supervisor,
		recon:     deps.Reconciler,
		safetyNet: deps.SafetyNet,
		journal:   deps.Journal,
		leases:    deps.Leases,
		db:        deps.DB,
		exchange:  deps.Exchange,
		bus:       deps.Bus,
		health:    health.New(deps.Logger),
		logger:    deps.Logger.WithField("component", "runtime_host"),
		cfg:       cfg,
	}
	h.router = newMarketDataRouter(deps.Exchange, deps.Supervisor, deps.Bus, deps.Reconciler, deps.Logger)

	h.health.Register("database", func() error {
		return h.db.Ping()
	})
	h.health.Register("exchange", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.exchange.Ping(ctx)
	})

	return h
}

// Health exposes the underlying monitor for components (e.g. httpapi) that
// need to read status without depending on the rest of Host.
func (h *Host) Health() *health.Manager { return h.health }

// Start replays any intents left mid-flight by a prior crash, runs one
// reconciliation pass before accepting anything new, resumes every
// still-open position's task, starts the safety-net monitor and the
// market-data router, and then begins the periodic reconciliation loop.
func (h *Host) Start(ctx context.Context) error {
	if err := h.journal.ReplayPending(ctx, h.resolvePendingIntent); err != nil {
		return fmt.Errorf("failed to replay pending intents: %w", err)
	}

	if _, err := h.recon.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	if err := h.sup.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume active positions: %w", err)
	}

	if h.cfg.SafetyNetDisabled {
		h.logger.Warn("safety-net disabled by config; exchange-visible positions the engine does not own will not be guarded")
	} else {
		h.safetyNet.Start(ctx)
	}

	if err := h.router.Start(ctx); err != nil {
		return fmt.Errorf("failed to start market data router: %w", err)
	}

	reconCtx, cancel := context.WithCancel(ctx)
	h.reconCancel = cancel
	h.wg.Go(func() error {
		h.reconcileLoop(reconCtx)
		return nil
	})

	h.logger.Info("runtime host started")
	return nil
}

// resolvePendingIntent decides, for one intent left Pending/Processing by
// a prior crash, whether there's anything left for the host to do. For a
// position-owned intent (entry/exit), Supervisor.Resume's
// resumePendingIntent re-drives journal.Process through the same client
// order id once the position's task restarts a few lines below in Start
// (the journal's idempotence means a duplicate Process call is always
// safe); a safety-exit intent with no owning task is resolved on the next
// safety-net poll instead. Either way this callback itself only observes.
func (h *Host) resolvePendingIntent(ctx context.Context, intent core.Intent) error {
	h.logger.Warn("pending intent found at startup, deferring to owning task or next poll",
		"intent_id", intent.Id, "position_id", intent.PositionId, "type", intent.Type)
	return nil
}

func (h *Host) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.recon.Reconcile(ctx); err != nil {
				h.logger.Error("periodic reconciliation failed", "error", err)
			}
		}
	}
}

// Stop drains: stops accepting new reconciliation passes, stops the
// safety-net monitor, waits (bounded) for per-position tasks to notice
// shutdown and exit, and returns. The caller (cmd/engine) releases leases
// implicitly (each task releases its own lease on exit) and closes the DB
// handle afterward.
func (h *Host) Stop(ctx context.Context) {
	h.stopOnce.Do(func() {
		h.logger.Info("runtime host stopping")
		if h.reconCancel != nil {
			h.reconCancel()
		}
		if !h.cfg.SafetyNetDisabled {
			h.safetyNet.Stop()
		}
		h.router.Stop()
		_ = h.wg.Wait() // reconcileLoop never returns a non-nil error

		done := make(chan struct{})
		go func() {
			h.sup.Shutdown()
			close(done)
		}()

		drain := h.cfg.ShutdownDrain
		select {
		case <-done:
		case <-time.After(drain):
			h.logger.Warn("shutdown drain deadline exceeded, returning anyway", "drain", drain)
		case <-ctx.Done():
		}
		h.logger.Info("runtime host stopped")
	})
}
