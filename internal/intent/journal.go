// Package intent implements the idempotent execution journal every
// externally visible action (order submission, cancellation, safety exit)
// passes through, so that re-processing after a crash or duplicate signal
// never produces a duplicate exchange side effect (spec §4.4, invariant I5,
// property P7).
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/metrics"
)

// Journal implements core.IIntentJournal on top of an event store.
type Journal struct {
	store  core.IEventStore
	logger core.ILogger
}

// New builds a Journal backed by store.
func New(store core.IEventStore, logger core.ILogger) *Journal {
	return &Journal{store: store, logger: logger.WithField("component", "intent_journal")}
}

// Record durably writes a new intent in Pending status before any attempt
// to execute it, so a crash between recording and executing always leaves
// a trace ReplayPending can resolve.
func (j *Journal) Record(ctx context.Context, intent core.Intent) error {
	if intent.Status == "" {
		intent.Status = core.IntentPending
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	return j.store.AppendIntent(ctx, intent)
}

// Process runs exec exactly once per intent id: if the intent is already
// Completed, exec is never called and Process returns nil immediately
// (property P7). If it is Pending or Processing (e.g. left over from a
// crash mid-execution), exec runs and its result is journaled.
//
// exec must itself be safe to call when the underlying side effect may
// already have happened (e.g. by looking up the order via client_order_id
// before resubmitting) — the journal guarantees Process is invoked once
// per logical attempt, not that exec's network call never duplicates.
func (j *Journal) Process(ctx context.Context, id core.IntentId, positionId core.PositionId, exec core.Executor) error {
	existing, err := j.store.LoadIntent(ctx, id, positionId)
	if err != nil {
		return fmt.Errorf("failed to load intent %s: %w", id, err)
	}
	if existing == nil {
		return fmt.Errorf("intent %s for position %s was never recorded", id, positionId)
	}
	if existing.Status == core.IntentCompleted {
		j.logger.Debug("intent already completed, skipping", "intent_id", id)
		return nil
	}

	if err := j.store.MarkIntent(ctx, id, positionId, core.IntentProcessing, nil, ""); err != nil {
		return fmt.Errorf("failed to mark intent processing: %w", err)
	}

	result, execErr := exec(ctx)
	if execErr != nil {
		if markErr := j.store.MarkIntent(ctx, id, positionId, core.IntentFailed, nil, execErr.Error()); markErr != nil {
			j.logger.Error("failed to mark intent failed", "intent_id", id, "error", markErr)
		}
		metrics.IntentsTotal.WithLabelValues(string(existing.Type), string(core.IntentFailed)).Inc()
		return execErr
	}

	if err := j.store.MarkIntent(ctx, id, positionId, core.IntentCompleted, result, ""); err != nil {
		return fmt.Errorf("failed to mark intent completed: %w", err)
	}
	metrics.IntentsTotal.WithLabelValues(string(existing.Type), string(core.IntentCompleted)).Inc()
	return nil
}

// ReplayPending is invoked once at startup, before any new signal is
// accepted, to resolve every intent left Pending or Processing by a prior
// crash. resolve is given the chance to decide the right executor per
// intent type (the journal itself is intent-type agnostic).
func (j *Journal) ReplayPending(ctx context.Context, resolve func(ctx context.Context, intent core.Intent) error) error {
	pending, err := j.store.ListPendingIntents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending intents: %w", err)
	}

	j.logger.Info("replaying pending intents", "count", len(pending))
	for _, intent := range pending {
		if err := resolve(ctx, intent); err != nil {
			j.logger.Error("failed to resolve pending intent", "intent_id", intent.Id, "position_id", intent.PositionId, "error", err)
			return fmt.Errorf("failed to resolve intent %s: %w", intent.Id, err)
		}
	}
	return nil
}

// DecodeResult is a convenience helper for callers unmarshalling an
// intent's JSON result payload into a typed struct.
func DecodeResult[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

var _ core.IIntentJournal = (*Journal)(nil)
