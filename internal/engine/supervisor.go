// Package engine hosts the per-position lifecycle: a task goroutine per
// Position that arms, sizes and enters on a signal, monitors the trailing
// and optional insurance stops while Active, and exits idempotently
// through the intent journal (spec §4.7, §5).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/pkg/apperrors"
	"github.com/posedge/engine/pkg/idgen"
)

// Config carries the tunables the supervisor and each position task need.
type Config struct {
	LeaseTTL           time.Duration
	EntrySubmitTimeout time.Duration
	EntryLookupRetries int
	ExitMaxBackoff     time.Duration
	QtyStep            decimal.Decimal
	PriceTick          decimal.Decimal
	FeeRate            decimal.Decimal
}

// Supervisor owns the set of live position tasks. Each task is an
// unpooled goroutine (spec §5: per-position independence — a slow or stuck
// position must never starve another), communicating with the supervisor
// only through the event store and the exchange/bus.
type Supervisor struct {
	store    core.IEventStore
	journal  core.IIntentJournal
	leases   core.ILeaseManager
	exchange core.IExchangeAdapter
	bus      core.IEventBus
	logger   core.ILogger
	cfg      Config

	mu    sync.Mutex
	tasks map[core.PositionId]*positionTask
	wg    sync.WaitGroup
}

// New builds a Supervisor. ReplayPending on the intent journal must be
// called before accepting new signals; Resume then rehydrates every
// still-open position from the event store and restarts its task.
func New(store core.IEventStore, journal core.IIntentJournal, leases core.ILeaseManager, exchange core.IExchangeAdapter, bus core.IEventBus, logger core.ILogger, cfg Config) *Supervisor {
	return &Supervisor{
		store:    store,
		journal:  journal,
		leases:   leases,
		exchange: exchange,
		bus:      bus,
		logger:   logger.WithField("component", "engine_supervisor"),
		cfg:      cfg,
		tasks:    make(map[core.PositionId]*positionTask),
	}
}

// Resume restarts a task for every position whose state is still open,
// rebuilding each one's in-memory snapshot from its event stream rather
// than trusting the cached snapshot row alone (invariant I6).
func (s *Supervisor) Resume(ctx context.Context) error {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active positions: %w", err)
	}
	for _, p := range active {
		rebuilt, err := s.store.RebuildSnapshot(ctx, p.Id)
		if err != nil {
			s.logger.Error("failed to rebuild snapshot on resume", "position_id", p.Id, "error", err)
			continue
		}
		s.startTask(ctx, rebuilt)
	}
	return nil
}

// Arm constructs and persists a new Armed position, then starts its task.
func (s *Supervisor) Arm(ctx context.Context, args core.ArmArgs) (*core.Position, error) {
	pos, err := core.NewPosition(args)
	if err != nil {
		return nil, err
	}

	data, err := eventDataArmed(*pos)
	if err != nil {
		return nil, err
	}
	ev := core.Event{PositionId: pos.Id, Type: core.EventPositionArmed, Data: data, CreatedAt: args.Now}
	if _, err := s.store.Append(ctx, pos.Id, ev.Type, ev.Data, *pos); err != nil {
		return nil, fmt.Errorf("failed to persist arm event: %w", err)
	}

	s.startTask(ctx, *pos)
	return pos, nil
}

func (s *Supervisor) startTask(ctx context.Context, pos core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[pos.Id]; exists {
		return
	}

	t := newPositionTask(s, pos)
	s.tasks[pos.Id] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeTask(pos.Id)
		t.run(ctx)
	}()
}

func (s *Supervisor) removeTask(id core.PositionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Dispatch routes an inbound signal to the matching Armed position's
// mailbox. A symbol+side with no matching armed position silently drops
// the signal (there is nothing "armed" to enter).
func (s *Supervisor) Dispatch(ctx context.Context, sig core.Signal) {
	s.mu.Lock()
	var target *positionTask
	for _, t := range s.tasks {
		snap := t.snapshot()
		if snap.State == core.StateArmed && snap.Symbol == sig.Symbol && snap.Side == sig.Side {
			target = t
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		s.logger.Debug("no armed position for signal", "symbol", sig.Symbol, "side", sig.Side, "correlation_id", sig.CorrelationId)
		return
	}
	target.mailbox <- mailboxMsg{signal: &sig}
}

// DispatchTick fans a tick out to the task for that symbol's Active
// position, if any.
func (s *Supervisor) DispatchTick(ctx context.Context, tick core.Tick) {
	s.mu.Lock()
	var targets []*positionTask
	for _, t := range s.tasks {
		snap := t.snapshot()
		if snap.Symbol == tick.Symbol && (snap.State == core.StateActive) {
			targets = append(targets, t)
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		select {
		case t.mailbox <- mailboxMsg{tick: &tick}:
		default:
			s.logger.Warn("position mailbox full, dropping tick", "position_id", t.id)
		}
	}
}

// DispatchFill routes a fill notification to the task awaiting that
// client order id.
func (s *Supervisor) DispatchFill(ctx context.Context, fill core.FillEvent) {
	s.mu.Lock()
	var target *positionTask
	for _, t := range s.tasks {
		if t.awaitsClientOrderId(fill.ClientOrderId) {
			target = t
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		s.logger.Debug("fill matched no active position task", "client_order_id", fill.ClientOrderId)
		return
	}
	target.mailbox <- mailboxMsg{fill: &fill}
}

// Disarm requests cancellation of an Armed position that never entered.
func (s *Supervisor) Disarm(ctx context.Context, id core.PositionId) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}
	t.mailbox <- mailboxMsg{disarm: true}
	return nil
}

// Panic requests an immediate exit of an Active position regardless of
// trailing-stop state (a manual override, spec §4.7.4).
func (s *Supervisor) Panic(ctx context.Context, id core.PositionId) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}
	t.mailbox <- mailboxMsg{panic: true}
	return nil
}

// Shutdown waits for every position task to notice context cancellation
// and exit cleanly.
func (s *Supervisor) Shutdown() {
	s.wg.Wait()
}

// Snapshot returns the in-memory snapshot of a running task, or nil if no
// task is running for that id.
func (s *Supervisor) Snapshot(id core.PositionId) *core.Position {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	snap := t.snapshot()
	return &snap
}

// List returns a snapshot of every currently running task's position.
func (s *Supervisor) List() []core.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Position, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

func newIntentId() core.IntentId { return core.IntentId(idgen.New()) }

// leaseKey derives the (account, symbol) key that serializes core and
// safety-net writes for the same exposure (spec §4.3, I7).
func leaseKey(accountId string, symbol core.Symbol) string {
	return fmt.Sprintf("%s:%s", accountId, symbol)
}
