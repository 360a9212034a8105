// Package metrics registers the Prometheus series the runtime host exposes
// over /metrics (spec §4.13). Every component reports through these
// package-level vectors rather than threading a registry handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IntentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_total",
		Help: "Intents processed by the journal, by type and terminal status.",
	}, []string{"type", "status"})

	LeaseRenewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_renewals_total",
		Help: "Lease renewal attempts, by outcome.",
	}, []string{"outcome"})

	LeaseConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_conflicts_total",
		Help: "Lease acquisitions rejected because the key was already held.",
	}, []string{"key"})

	ReconciliationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliations_total",
		Help: "Reconciliation passes, by per-position outcome.",
	}, []string{"outcome"})

	SafetyNetDetectedPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safety_net_detected_positions",
		Help: "Exchange positions currently tracked by the safety-net that the engine does not own.",
	})

	SafetyNetExitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_net_exits_total",
		Help: "Safety-net initiated market exits, by symbol.",
	}, []string{"symbol"})

	PositionStateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "position_state_transitions_total",
		Help: "Position state machine transitions, by from/to state pair.",
	}, []string{"from", "to"})
)

func init() {
	prometheus.MustRegister(
		IntentsTotal,
		LeaseRenewalsTotal,
		LeaseConflictsTotal,
		ReconciliationsTotal,
		SafetyNetDetectedPositions,
		SafetyNetExitsTotal,
		PositionStateTransitionsTotal,
	)
}
