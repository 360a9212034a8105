package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/lease"
	"github.com/posedge/engine/internal/metrics"
	"github.com/posedge/engine/pkg/apperrors"
	"github.com/posedge/engine/pkg/retry"
)

type mailboxMsg struct {
	signal *core.Signal
	tick   *core.Tick
	fill   *core.FillEvent
	disarm bool
	panic  bool
}

// positionTask is the single goroutine that owns one Position's lifecycle
// end to end. It is the only writer of its Position's in-memory snapshot;
// every other component only ever reads it through Supervisor.Snapshot.
type positionTask struct {
	sup *Supervisor
	id  core.PositionId

	mailbox chan mailboxMsg

	mu                   sync.Mutex
	pos                  core.Position
	awaitingClientOrder  core.ClientOrderId
	insuranceOrderId     string
}

func newPositionTask(sup *Supervisor, pos core.Position) *positionTask {
	return &positionTask{
		sup:                 sup,
		id:                  pos.Id,
		mailbox:             make(chan mailboxMsg, 64),
		pos:                 pos,
		awaitingClientOrder: pos.PendingClientOrderId,
	}
}

func (t *positionTask) snapshot() core.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

func (t *positionTask) setSnapshot(p core.Position) {
	t.mu.Lock()
	t.pos = p
	t.mu.Unlock()
}

func (t *positionTask) awaitsClientOrderId(id core.ClientOrderId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.awaitingClientOrder != "" && t.awaitingClientOrder == id
}

func (t *positionTask) logger() core.ILogger {
	return t.sup.logger.WithFields(map[string]interface{}{
		"position_id": t.id,
		"symbol":      t.snapshot().Symbol,
	})
}

// run is the task's event loop. It never returns except on context
// cancellation or reaching a terminal state (Closed/Error), at which point
// the supervisor drops it from the live task set; the position's history
// remains fully recoverable from the event store regardless.
func (t *positionTask) run(ctx context.Context) {
	log := t.logger()
	log.Info("position task started", "state", t.snapshot().State)

	t.resumePendingIntent(ctx)

	for {
		if t.snapshot().State.IsTerminal() {
			log.Info("position task exiting, terminal state reached", "state", t.snapshot().State)
			return
		}

		select {
		case <-ctx.Done():
			log.Info("position task stopping, context cancelled")
			return

		case msg := <-t.mailbox:
			t.handle(ctx, msg)
		}
	}
}

func (t *positionTask) handle(ctx context.Context, msg mailboxMsg) {
	log := t.logger()
	switch {
	case msg.signal != nil:
		t.onSignal(ctx, *msg.signal)
	case msg.tick != nil:
		t.onTick(ctx, *msg.tick)
	case msg.fill != nil:
		t.onFill(ctx, *msg.fill)
	case msg.disarm:
		t.onDisarm(ctx)
	case msg.panic:
		t.onPanic(ctx)
	default:
		log.Warn("received empty mailbox message")
	}
}

// onSignal drives Armed -> Entering -> Active (spec §4.7.2).
func (t *positionTask) onSignal(ctx context.Context, sig core.Signal) {
	log := t.logger()
	pos := t.snapshot()
	if pos.State != core.StateArmed {
		log.Debug("ignoring signal, position not armed", "state", pos.State, "correlation_id", sig.CorrelationId)
		return
	}

	intentId := newIntentId()
	clientOrderId := core.NewClientOrderId(core.NamespaceCore, intentId)

	if err := t.appendEvent(ctx, core.EventEntryRequested, core.EntryRequestedData{
		IntentId: intentId, ClientOrderId: clientOrderId,
	}); err != nil {
		log.Error("failed to record entry requested", "error", err)
		return
	}

	entryIntent := core.Intent{Id: intentId, PositionId: t.id, Type: core.IntentEnterMarket, CreatedAt: time.Now()}
	if data, err := json.Marshal(map[string]interface{}{"symbol": pos.Symbol, "side": pos.Side, "qty": pos.Quantity}); err == nil {
		entryIntent.Data = data
	}
	if err := t.sup.journal.Record(ctx, entryIntent); err != nil {
		log.Error("failed to record entry intent", "error", err)
		return
	}

	t.mu.Lock()
	t.awaitingClientOrder = clientOrderId
	t.mu.Unlock()

	t.runEntryIntent(ctx, pos, intentId, clientOrderId)
}

// runEntryIntent drives the entry intent through the lease + journal
// discipline to completion. It is called both from onSignal (the first
// attempt) and from resumePendingIntent (re-driving an intent left
// in-flight by a crash), since journal.Process is idempotent on IntentId.
func (t *positionTask) runEntryIntent(ctx context.Context, pos core.Position, intentId core.IntentId, clientOrderId core.ClientOrderId) {
	log := t.logger()
	key := leaseKey(pos.AccountId, pos.Symbol)
	err := lease.WithLease(ctx, t.sup.leases, key, t.sup.cfg.LeaseTTL, func(leaseCtx context.Context, _ core.Lease) error {
		return t.sup.journal.Process(leaseCtx, intentId, t.id, func(execCtx context.Context) ([]byte, error) {
			return t.executeEntry(execCtx, pos, clientOrderId)
		})
	})

	if err != nil {
		log.Error("entry execution failed", "error", err)
		if appendErr := t.appendEvent(ctx, core.EventEntryFailed, core.EntryFailedData{Reason: err.Error()}); appendErr != nil {
			log.Error("failed to record entry failure", "error", appendErr)
		}
	}
}

// executeEntry places the entry order (or discovers it already exists via
// LookupOrder, property P4) and polls until filled or the submit timeout
// elapses. Its JSON result feeds EventEntryFilled once committed.
func (t *positionTask) executeEntry(ctx context.Context, pos core.Position, clientOrderId core.ClientOrderId) ([]byte, error) {
	log := t.logger()
	orderSide := core.EntrySideFor(pos.Side)

	existing, err := t.sup.exchange.LookupOrder(ctx, pos.Symbol, clientOrderId)
	if err != nil && !isTransient(err) {
		log.Warn("lookup before entry submit failed non-transiently, proceeding to submit", "error", err)
	}

	var ack core.OrderAck
	if existing == nil {
		err := retry.Do(ctx, retry.DefaultPolicy, isTransient, func() error {
			a, err := t.sup.exchange.PlaceMarketOrder(ctx, pos.Symbol, orderSide, pos.Quantity, clientOrderId)
			if err != nil {
				return err
			}
			ack = a
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to place entry order: %w", err)
		}
	}

	view, err := t.pollUntilFilled(ctx, pos.Symbol, clientOrderId, t.sup.cfg.EntryLookupRetries, t.sup.cfg.EntrySubmitTimeout)
	if err != nil {
		return nil, err
	}

	result := core.EntryFilledData{
		OrderId:    core.OrderId(clientOrderId),
		EntryPrice: view.AvgFillPrice,
		Quantity:   view.FilledQty,
	}
	order := core.Order{
		Id: core.OrderId(clientOrderId), PositionId: t.id, ExchangeOrderId: view.ExchangeOrderId,
		ClientOrderId: clientOrderId, Symbol: pos.Symbol, Side: orderSide, OrderType: core.OrderTypeMarket,
		Status: core.OrderStatusFilled, FilledQty: view.FilledQty, CreatedAt: time.Now(),
	}
	if p, perr := core.NewPrice(view.AvgFillPrice); perr == nil {
		order.FillPrice = &p
	}
	if qv, qerr := core.NewQuantity(pos.Quantity); qerr == nil {
		order.Qty = qv
	}
	now := time.Now()
	order.FilledAt = &now
	if err := t.sup.store.SaveOrder(ctx, order); err != nil {
		log.Error("failed to persist entry order", "error", err)
	}

	if err := t.appendEvent(ctx, core.EventEntryFilled, result); err != nil {
		return nil, fmt.Errorf("failed to record entry filled: %w", err)
	}

	if t.snapshot().InsuranceEnabled {
		t.placeInsuranceStop(ctx)
	}

	if t.sup.bus != nil {
		t.sup.bus.Publish(core.BusEvent{Type: core.BusCorePositionOpened, PositionId: t.id, Symbol: pos.Symbol, Side: pos.Side, At: time.Now()})
	}

	return json.Marshal(result)
}

// pollUntilFilled waits for the order to reach a terminal filled status,
// resolved by whichever of LookupOrder or the fill stream observes it first
// (spec §4: "rely on lookup_order driven by the fill subscription or a
// bounded retry"). Mailbox messages that arrive during the wait and are not
// the awaited fill (ticks, late signals, disarm/panic) are dispatched
// in-line via handle rather than dropped, since this loop is itself running
// inside onSignal/requestExit/resumePendingIntent on the task's own
// goroutine and nothing else drains the mailbox while it blocks here.
func (t *positionTask) pollUntilFilled(ctx context.Context, symbol core.Symbol, clientOrderId core.ClientOrderId, attempts int, timeout time.Duration) (*core.OrderStatusView, error) {
	deadline := time.Now().Add(timeout)
	interval := timeout / time.Duration(attempts)

	for i := 0; i < attempts; i++ {
		view, err := t.sup.exchange.LookupOrder(ctx, symbol, clientOrderId)
		if err != nil {
			if !isTransient(err) {
				return nil, err
			}
		} else if view != nil && view.Status == core.OrderStatusFilled {
			return view, nil
		}

		if time.Now().After(deadline) {
			break
		}

		waitDeadline := time.Now().Add(interval)
		for {
			remaining := time.Until(waitDeadline)
			if remaining <= 0 {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case msg := <-t.mailbox:
				if msg.fill != nil && msg.fill.ClientOrderId == clientOrderId && msg.fill.Status == core.OrderStatusFilled {
					return &core.OrderStatusView{
						ExchangeOrderId: msg.fill.ExchangeOrderId,
						ClientOrderId:   msg.fill.ClientOrderId,
						Status:          msg.fill.Status,
						FilledQty:       msg.fill.FilledQty,
						AvgFillPrice:    msg.fill.AvgFillPrice,
						Fee:             msg.fill.Fee,
					}, nil
				}
				t.handle(ctx, msg)
			case <-time.After(remaining):
			}
		}
	}
	return nil, fmt.Errorf("%w: order %s did not reach filled status within budget", apperrors.ErrUnknown, clientOrderId)
}

// onTick implements the dual-stop monitor while Active (spec §4.7.3): the
// local trailing stop is recomputed every tick and, once breached, drives
// an immediate exit — the exchange-side insurance stop is a backstop that
// should never need to fire under normal operation (I8).
func (t *positionTask) onTick(ctx context.Context, tick core.Tick) {
	pos := t.snapshot()
	if pos.State != core.StateActive || pos.TrailingStop == nil || pos.PeakPrice == nil {
		return
	}

	newTrailing, newPeak := core.ComputeTrailing(pos.Side, *pos.TrailingStop, *pos.PeakPrice, pos.TechStopDistance, tick.Price)

	// TickObservedData.LastPrice doubles as the new peak: Position.Apply
	// writes it straight into PeakPrice, and ComputeTrailing is the only
	// producer of that value (see core/trailing.go).
	if err := t.appendEvent(ctx, core.EventTickObserved, core.TickObservedData{
		LastPrice: newPeak.Decimal(), TrailingStop: newTrailing.Decimal(),
	}); err != nil {
		t.logger().Error("failed to record tick observation", "error", err)
		return
	}

	if core.TrailingTriggered(pos.Side, newTrailing, tick.Price) {
		t.requestExit(ctx, "trailing_stop")
		return
	}

	if pos.InsuranceEnabled && !newTrailing.Decimal().Equal(pos.TrailingStop.Decimal()) {
		t.maybeMoveInsuranceStop(ctx, newTrailing)
	}
}

// onFill handles a fill notification that arrives while the task is NOT
// blocked inside pollUntilFilled waiting on it — the common path (fill
// matches the order currently awaited during entry/exit execution) is
// resolved directly by pollUntilFilled reading from the same mailbox, since
// that is where the DispatchFill routing in Supervisor delivers it. By the
// time a fill reaches here the position has usually already moved on (e.g.
// a duplicate delivery, or one that arrived after a retry already saw the
// order filled via LookupOrder), so there is nothing left to do but log it.
func (t *positionTask) onFill(ctx context.Context, fill core.FillEvent) {
	t.logger().Debug("fill delivered outside an active poll window", "client_order_id", fill.ClientOrderId, "status", fill.Status)
}

// onPanic forces an immediate exit of an Active position, bypassing the
// trailing-stop trigger condition (a manual operator override).
func (t *positionTask) onPanic(ctx context.Context) {
	pos := t.snapshot()
	if pos.State != core.StateActive {
		t.logger().Warn("panic requested on non-active position", "state", pos.State)
		return
	}
	t.requestExit(ctx, "panic")
}

// onDisarm cancels an Armed position that never received an entry signal.
func (t *positionTask) onDisarm(ctx context.Context) {
	pos := t.snapshot()
	if pos.State != core.StateArmed {
		t.logger().Warn("disarm requested on non-armed position", "state", pos.State)
		return
	}
	if err := t.appendEvent(ctx, core.EventPositionDisarmed, core.PositionDisarmedData{}); err != nil {
		t.logger().Error("failed to record disarm", "error", err)
	}
}

// resumePendingIntent re-drives a position's in-flight entry or exit intent
// after a restart. A task rebuilt into Entering/Exiting means the previous
// process crashed after recording the intent but before it ever resolved
// (no EntryFilled/EntryFailed/PositionClosed event was appended) — journal.Process is
// idempotent on IntentId, so re-invoking the same exec here either finds the
// order already on the exchange (via LookupOrder in executeEntry/executeExit)
// or submits it for the first time; either way the position stops being
// permanently wedged.
func (t *positionTask) resumePendingIntent(ctx context.Context) {
	pos := t.snapshot()
	if pos.PendingIntentId == "" || pos.PendingClientOrderId == "" {
		return
	}

	log := t.logger()
	switch pos.State {
	case core.StateEntering:
		log.Warn("resuming in-flight entry intent after restart", "intent_id", pos.PendingIntentId)
		t.runEntryIntent(ctx, pos, pos.PendingIntentId, pos.PendingClientOrderId)
	case core.StateExiting:
		log.Warn("resuming in-flight exit intent after restart", "intent_id", pos.PendingIntentId)
		t.runExitIntent(ctx, pos, pos.PendingIntentId, pos.PendingClientOrderId, "resume")
	}
}

// requestExit drives Active -> Exiting -> Closed (spec §4.7.4), executing
// the exit order through the same intent-journal + lease discipline as
// entry so a crash mid-exit resumes safely on restart.
func (t *positionTask) requestExit(ctx context.Context, reason string) {
	log := t.logger()
	pos := t.snapshot()

	intentId := newIntentId()
	clientOrderId := core.NewClientOrderId(core.NamespaceCore, intentId)

	if err := t.appendEvent(ctx, core.EventExitRequested, core.ExitRequestedData{
		IntentId: intentId, ClientOrderId: clientOrderId, Reason: reason,
	}); err != nil {
		log.Error("failed to record exit requested", "error", err)
		return
	}

	t.cancelInsuranceStop(ctx)

	exitIntent := core.Intent{Id: intentId, PositionId: t.id, Type: core.IntentExitMarket, CreatedAt: time.Now()}
	if data, err := json.Marshal(map[string]interface{}{"reason": reason}); err == nil {
		exitIntent.Data = data
	}
	if err := t.sup.journal.Record(ctx, exitIntent); err != nil {
		log.Error("failed to record exit intent", "error", err)
		return
	}

	t.mu.Lock()
	t.awaitingClientOrder = clientOrderId
	t.mu.Unlock()

	t.runExitIntent(ctx, pos, intentId, clientOrderId, reason)
}

// runExitIntent drives the exit intent to completion, retrying indefinitely
// rather than ever giving up and leaving an Active position with no resting
// exposure protection (spec §4.7.5) — unlike entry, which has a bounded
// retry budget. Called from requestExit and, on a crash recovery, from
// resumePendingIntent; journal.Process's idempotence makes both callers safe.
func (t *positionTask) runExitIntent(ctx context.Context, pos core.Position, intentId core.IntentId, clientOrderId core.ClientOrderId, reason string) {
	log := t.logger()
	key := leaseKey(pos.AccountId, pos.Symbol)
	backoff := time.Second
	for {
		execErr := lease.WithLease(ctx, t.sup.leases, key, t.sup.cfg.LeaseTTL, func(leaseCtx context.Context, _ core.Lease) error {
			return t.sup.journal.Process(leaseCtx, intentId, t.id, func(execCtx context.Context) ([]byte, error) {
				return t.executeExit(execCtx, pos, clientOrderId, reason)
			})
		})
		if execErr == nil {
			return
		}
		if ctx.Err() != nil {
			log.Warn("exit retry loop stopping, context cancelled", "error", ctx.Err())
			return
		}

		log.Warn("exit attempt failed, retrying", "error", execErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < t.sup.cfg.ExitMaxBackoff {
			backoff *= 2
			if backoff > t.sup.cfg.ExitMaxBackoff {
				backoff = t.sup.cfg.ExitMaxBackoff
			}
		}
	}
}

func (t *positionTask) executeExit(ctx context.Context, pos core.Position, clientOrderId core.ClientOrderId, reason string) ([]byte, error) {
	log := t.logger()
	orderSide := core.ExitSideFor(pos.Side)

	existing, err := t.sup.exchange.LookupOrder(ctx, pos.Symbol, clientOrderId)
	if err != nil && !isTransient(err) {
		log.Warn("lookup before exit submit failed non-transiently, proceeding to submit", "error", err)
	}

	if existing == nil {
		if _, err := t.sup.exchange.PlaceMarketOrder(ctx, pos.Symbol, orderSide, pos.Quantity, clientOrderId); err != nil {
			return nil, fmt.Errorf("failed to place exit order: %w", err)
		}
	}

	view, err := t.pollUntilFilled(ctx, pos.Symbol, clientOrderId, t.sup.cfg.EntryLookupRetries, t.sup.cfg.EntrySubmitTimeout)
	if err != nil {
		return nil, err
	}

	fees := t.sup.cfg.FeeRate.Mul(view.FilledQty).Mul(view.AvgFillPrice)
	exitPrice, err := core.NewPrice(view.AvgFillPrice)
	if err != nil {
		return nil, fmt.Errorf("exchange reported a non-positive exit fill price: %w", err)
	}
	realized := core.RealizedPnL(pos.Side, mustPriceOrZero(pos.EntryPrice), exitPrice, view.FilledQty, fees)

	result := core.PositionClosedData{
		OrderId:     core.OrderId(clientOrderId),
		ExitPrice:   view.AvgFillPrice,
		RealizedPnL: realized,
		FeesPaid:    fees,
	}

	order := core.Order{
		Id: core.OrderId(clientOrderId), PositionId: t.id, ExchangeOrderId: view.ExchangeOrderId,
		ClientOrderId: clientOrderId, Symbol: pos.Symbol, Side: orderSide, OrderType: core.OrderTypeMarket,
		Status: core.OrderStatusFilled, FilledQty: view.FilledQty, FeePaid: fees, CreatedAt: time.Now(),
	}
	if p, perr := core.NewPrice(view.AvgFillPrice); perr == nil {
		order.FillPrice = &p
	}
	if qv, qerr := core.NewQuantity(pos.Quantity); qerr == nil {
		order.Qty = qv
	}
	now := time.Now()
	order.FilledAt = &now
	if err := t.sup.store.SaveOrder(ctx, order); err != nil {
		log.Error("failed to persist exit order", "error", err)
	}

	if err := t.appendEvent(ctx, core.EventPositionClosed, result); err != nil {
		return nil, fmt.Errorf("failed to record position closed: %w", err)
	}

	if t.sup.bus != nil {
		t.sup.bus.Publish(core.BusEvent{Type: core.BusCorePositionClosed, PositionId: t.id, Symbol: pos.Symbol, Side: pos.Side, At: time.Now()})
	}

	return json.Marshal(result)
}

func (t *positionTask) placeInsuranceStop(ctx context.Context) {
	pos := t.snapshot()
	if pos.TrailingStop == nil {
		return
	}
	stopPrice := core.InsurancePrice(pos.Side, *pos.TrailingStop, pos.InsuranceBuffer)
	intentId := newIntentId()
	clientOrderId := core.NewClientOrderId(core.NamespaceCore, intentId)
	exitSide := core.ExitSideFor(pos.Side)

	ack, err := t.sup.exchange.PlaceStopLimit(ctx, pos.Symbol, exitSide, pos.Quantity, stopPrice.Decimal(), stopPrice.Decimal(), clientOrderId)
	if err != nil {
		t.logger().Warn("failed to place insurance stop", "error", err)
		return
	}
	t.mu.Lock()
	t.insuranceOrderId = ack.ExchangeOrderId
	t.mu.Unlock()
}

// maybeMoveInsuranceStop re-rests the insurance stop as the trailing stop
// advances, keeping it InsuranceBuffer wider than the local stop at all
// times (I8) — cancel-then-replace, since Binance futures has no native
// stop-amend.
func (t *positionTask) maybeMoveInsuranceStop(ctx context.Context, newTrailing core.Price) {
	t.mu.Lock()
	hasStop := t.insuranceOrderId != ""
	t.mu.Unlock()
	if !hasStop {
		return
	}
	t.cancelInsuranceStop(ctx)
	t.placeInsuranceStop(ctx)
}

func (t *positionTask) cancelInsuranceStop(ctx context.Context) {
	t.mu.Lock()
	orderId := t.insuranceOrderId
	t.insuranceOrderId = ""
	t.mu.Unlock()
	if orderId == "" {
		return
	}
	pos := t.snapshot()
	if err := t.sup.exchange.CancelOrder(ctx, pos.Symbol, orderId); err != nil {
		t.logger().Warn("failed to cancel insurance stop", "error", err)
	}
}

// appendEvent applies ev to the in-memory snapshot via core.Apply, persists
// both the event and the resulting snapshot atomically, and only then
// updates the task's in-memory view — so a crash between compute and
// persist never leaves memory and store disagreeing (invariant I6).
func (t *positionTask) appendEvent(ctx context.Context, evType core.EventType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	pos := t.snapshot()
	ev := core.Event{PositionId: t.id, Type: evType, Data: data, CreatedAt: time.Now()}
	next, err := pos.Apply(ev)
	if err != nil {
		return fmt.Errorf("failed to apply event: %w", err)
	}

	if _, err := t.sup.store.Append(ctx, t.id, evType, data, next); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	if next.State != pos.State {
		metrics.PositionStateTransitionsTotal.WithLabelValues(string(pos.State), string(next.State)).Inc()
	}
	t.setSnapshot(next)
	return nil
}

func isTransient(err error) bool {
	return err != nil && (errors.Is(err, apperrors.ErrNetwork) || errors.Is(err, apperrors.ErrRateLimited))
}
