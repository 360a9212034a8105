// Package reconciler implements the startup/gap-triggered alignment pass
// described in spec §4.8: compare the event store's view of every open
// position against exchange truth and heal (or flag) any divergence before
// the engine resumes normal operation.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/metrics"
	"github.com/posedge/engine/pkg/apperrors"
)

// Outcome classifies one reconciled position, mirroring the five outcomes
// the reconciliation procedure distinguishes.
type Outcome string

const (
	OutcomeAligned        Outcome = "aligned"
	OutcomeOrphanOrder    Outcome = "orphan_order"
	OutcomeMissingFill    Outcome = "missing_fill"
	OutcomeAmbiguous      Outcome = "ambiguous"
	OutcomeNoAction       Outcome = "no_action"
)

// Result records what happened to one active position during a pass.
type Result struct {
	PositionId core.PositionId
	Outcome    Outcome
	Detail     string
}

// Reconciler aligns in-memory/event-store state with exchange truth. It
// never itself drives a position's task; it heals the event log so that
// Supervisor.Resume (or the already-running task) observes a consistent
// snapshot.
type Reconciler struct {
	store    core.IEventStore
	exchange core.IExchangeAdapter
	logger   core.ILogger
	accountId string
}

// New builds a Reconciler for one account.
func New(store core.IEventStore, exchange core.IExchangeAdapter, logger core.ILogger, accountId string) *Reconciler {
	return &Reconciler{
		store:     store,
		exchange:  exchange,
		logger:    logger.WithField("component", "reconciler"),
		accountId: accountId,
	}
}

// Reconcile runs one full pass: load every open position, reconcile its
// in-flight intent (if any) against exchange truth, rebuild and compare its
// snapshot, then check for exchange positions the engine does not own.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Result, error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active positions: %w", err)
	}

	exchangePositions, err := r.exchange.Positions(ctx, r.accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange positions: %w", err)
	}
	owned := make(map[string]bool, len(active))

	results := make([]Result, 0, len(active))
	for _, p := range active {
		owned[ownershipKey(p.Symbol, p.Side)] = true

		rebuilt, err := r.store.RebuildSnapshot(ctx, p.Id)
		if err != nil {
			r.logger.Error("failed to rebuild snapshot during reconciliation", "position_id", p.Id, "error", err)
			continue
		}
		if rebuilt.State != p.State || rebuilt.UpdatedAt != p.UpdatedAt {
			r.logger.Warn("snapshot divergence detected, event log wins", "position_id", p.Id, "cached_state", p.State, "rebuilt_state", rebuilt.State)
		}

		var res Result
		switch rebuilt.State {
		case core.StateEntering, core.StateExiting:
			res = r.reconcileInFlight(ctx, rebuilt)
		default:
			res = Result{PositionId: p.Id, Outcome: OutcomeAligned}
		}
		metrics.ReconciliationsTotal.WithLabelValues(string(res.Outcome)).Inc()
		results = append(results, res)
	}

	for _, view := range exchangePositions {
		if view.Qty.IsZero() {
			continue
		}
		key := ownershipKey(view.Symbol, sideFromView(view))
		if owned[key] {
			continue
		}
		r.logger.Warn("orphan exchange position detected, handing off to safety-net",
			"symbol", view.Symbol, "qty", view.Qty, "entry_price", view.EntryPrice)
	}

	return results, nil
}

// reconcileInFlight resolves a position stuck in Entering or Exiting by
// looking up the exchange status of its in-flight intent's order.
func (r *Reconciler) reconcileInFlight(ctx context.Context, pos core.Position) Result {
	pending, err := r.store.ListPendingIntents(ctx)
	if err != nil {
		r.logger.Error("failed to list pending intents", "position_id", pos.Id, "error", err)
		return Result{PositionId: pos.Id, Outcome: OutcomeAmbiguous, Detail: "pending intent lookup failed"}
	}

	var intent *core.Intent
	for i := range pending {
		if pending[i].PositionId == pos.Id {
			intent = &pending[i]
			break
		}
	}
	if intent == nil {
		// No journaled intent for a position sitting in Entering/Exiting is
		// itself a bug, but it is not actionable within this pass: surface
		// it, the operator decides.
		r.logger.Error("no pending intent for in-flight position", "position_id", pos.Id, "state", pos.State)
		return Result{PositionId: pos.Id, Outcome: OutcomeAmbiguous, Detail: "no journaled intent found"}
	}

	clientOrderId := intent.ClientOrderId(core.NamespaceCore)
	view, err := r.exchange.LookupOrder(ctx, pos.Symbol, clientOrderId)
	if err != nil {
		if errors.Is(err, apperrors.ErrNetwork) || errors.Is(err, apperrors.ErrRateLimited) {
			// Transient: leave the position as-is, a later reconcile pass
			// (or the task once Resume re-drives it) will retry.
			r.logger.Warn("transient error resolving in-flight intent, deferring", "position_id", pos.Id, "error", err)
			return Result{PositionId: pos.Id, Outcome: OutcomeNoAction, Detail: "transient lookup error"}
		}
		r.logger.Error("could not resolve in-flight intent within reconcile window", "position_id", pos.Id, "error", err)
		return r.markAmbiguous(ctx, pos, "lookup_order failed")
	}
	if view == nil {
		// Order never reached the exchange. Reconcile runs before
		// Supervisor.Resume restarts position tasks (Host.Start), so no
		// task is alive yet to resubmit here; leaving this as no-action is
		// safe only because Resume's resumePendingIntent re-drives the same
		// client_order_id through journal.Process right after this pass
		// completes, which submits (or discovers) the order idempotently.
		return Result{PositionId: pos.Id, Outcome: OutcomeNoAction, Detail: "order not yet visible on exchange, deferred to resume"}
	}

	switch view.Status {
	case core.OrderStatusFilled:
		return r.replayFill(ctx, pos, intent, *view)
	case core.OrderStatusSubmitted, core.OrderStatusPartial, core.OrderStatusPending:
		return Result{PositionId: pos.Id, Outcome: OutcomeNoAction, Detail: "order still open on exchange"}
	case core.OrderStatusRejected, core.OrderStatusCancelled:
		return r.markAmbiguous(ctx, pos, fmt.Sprintf("order settled %s with no local record of the cause", view.Status))
	default:
		return r.markAmbiguous(ctx, pos, fmt.Sprintf("unrecognized order status %q", view.Status))
	}
}

// replayFill heals a missing-fill divergence: exchange confirms the order
// filled but the position's snapshot never advanced past Entering/Exiting.
func (r *Reconciler) replayFill(ctx context.Context, pos core.Position, intent *core.Intent, view core.OrderStatusView) Result {
	switch pos.State {
	case core.StateEntering:
		price, err := core.NewPrice(view.AvgFillPrice)
		if err != nil {
			return r.markAmbiguous(ctx, pos, "exchange reported an invalid fill price")
		}
		data, err := json.Marshal(core.EntryFilledData{
			OrderId:    core.OrderId(intent.Id),
			EntryPrice: price.Decimal(),
			Quantity:   view.FilledQty,
		})
		if err != nil {
			return r.markAmbiguous(ctx, pos, "failed to encode recovered entry fill")
		}
		if err := r.appendAndLog(ctx, pos, core.EventEntryFilled, data); err != nil {
			return r.markAmbiguous(ctx, pos, "failed to persist recovered entry fill")
		}
		r.logger.Info("replayed missing entry fill", "position_id", pos.Id)
		return Result{PositionId: pos.Id, Outcome: OutcomeMissingFill, Detail: "entry fill replayed"}

	case core.StateExiting:
		price, err := core.NewPrice(view.AvgFillPrice)
		if err != nil {
			return r.markAmbiguous(ctx, pos, "exchange reported an invalid fill price")
		}
		entry := core.Price{}
		if pos.EntryPrice != nil {
			entry = *pos.EntryPrice
		}
		pnl := core.RealizedPnL(pos.Side, entry, price, pos.Quantity, view.Fee)
		data, err := json.Marshal(core.PositionClosedData{
			OrderId:     core.OrderId(intent.Id),
			ExitPrice:   price.Decimal(),
			RealizedPnL: pnl,
			FeesPaid:    view.Fee,
		})
		if err != nil {
			return r.markAmbiguous(ctx, pos, "failed to encode recovered exit fill")
		}
		if err := r.appendAndLog(ctx, pos, core.EventPositionClosed, data); err != nil {
			return r.markAmbiguous(ctx, pos, "failed to persist recovered exit fill")
		}
		r.logger.Info("replayed missing exit fill", "position_id", pos.Id, "realized_pnl", pnl)
		return Result{PositionId: pos.Id, Outcome: OutcomeMissingFill, Detail: "exit fill replayed"}
	}

	return Result{PositionId: pos.Id, Outcome: OutcomeAmbiguous, Detail: "fill observed in an unexpected state"}
}

// markAmbiguous drives an Entering/Exiting position to Error: the
// reconcile window closed without enough information to decide, so a human
// must look.
func (r *Reconciler) markAmbiguous(ctx context.Context, pos core.Position, reason string) Result {
	var evType core.EventType
	var data []byte
	var err error

	switch pos.State {
	case core.StateEntering:
		evType = core.EventEntryFailed
		data, err = json.Marshal(core.EntryFailedData{Reason: reason})
	case core.StateExiting:
		evType = core.EventExitFailed
		data, err = json.Marshal(core.ExitFailedData{Reason: reason})
	default:
		r.logger.Error("cannot mark ambiguous from state", "position_id", pos.Id, "state", pos.State)
		return Result{PositionId: pos.Id, Outcome: OutcomeAmbiguous, Detail: reason}
	}
	if err != nil {
		r.logger.Error("failed to encode ambiguous-resolution event", "position_id", pos.Id, "error", err)
		return Result{PositionId: pos.Id, Outcome: OutcomeAmbiguous, Detail: reason}
	}

	if err := r.appendAndLog(ctx, pos, evType, data); err != nil {
		r.logger.Error("failed to persist ambiguous-resolution event", "position_id", pos.Id, "error", err)
	} else {
		r.logger.Error("position requires human review", "position_id", pos.Id, "reason", reason)
	}
	return Result{PositionId: pos.Id, Outcome: OutcomeAmbiguous, Detail: reason}
}

func (r *Reconciler) appendAndLog(ctx context.Context, pos core.Position, evType core.EventType, data []byte) error {
	ev := core.Event{PositionId: pos.Id, Type: evType, Data: data, CreatedAt: time.Now()}
	next, err := pos.Apply(ev)
	if err != nil {
		return err
	}
	_, err = r.store.Append(ctx, pos.Id, ev.Type, ev.Data, next)
	return err
}

func ownershipKey(symbol core.Symbol, side core.Side) string {
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

var _ core.IReconciler = (*adapter)(nil)

// adapter satisfies core.IReconciler's single-error-return shape for
// callers (the runtime host) that only need a pass/fail signal.
type adapter struct {
	r *Reconciler
}

// AsPort wraps Reconciler to satisfy core.IReconciler.
func (r *Reconciler) AsPort() core.IReconciler { return &adapter{r: r} }

func (a *adapter) Reconcile(ctx context.Context) error {
	_, err := a.r.Reconcile(ctx)
	return err
}
