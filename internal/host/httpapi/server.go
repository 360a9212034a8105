// Package httpapi exposes the operator surface (spec §6.3/§4.15) as a
// local HTTP+JSON API: arm/disarm/panic positions, inspect status, and
// drive the safety-net, with health/readiness and Prometheus metrics
// alongside it — the same `net/http` + promhttp.Handler shape the teacher
// uses for its own health/status server.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/engine"
	"github.com/posedge/engine/internal/health"
	"github.com/posedge/engine/internal/safetynet"
	"github.com/posedge/engine/internal/signal"
	"github.com/posedge/engine/pkg/apperrors"
	"github.com/posedge/engine/pkg/idgen"
)

// ErrorEnvelope is the stable JSON shape every non-2xx response carries
// (spec §7: "a stable discriminator (kind, retryable, message)").
type ErrorEnvelope struct {
	Kind      core.ErrorKind `json:"kind"`
	Retryable bool           `json:"retryable"`
	Message   string         `json:"message"`
}

// Server is the operator-facing HTTP+JSON API plus health/readiness/metrics.
type Server struct {
	sup       *engine.Supervisor
	safetyNet *safetynet.Monitor
	health    *health.Manager
	accountId string
	logger    core.ILogger
	signals   *signal.WebhookPort

	srv *http.Server
}

// Deps groups the components the operator surface reads from or drives.
type Deps struct {
	Supervisor *engine.Supervisor
	SafetyNet  *safetynet.Monitor
	Health     *health.Manager
	AccountId  string
	Logger     core.ILogger
	// Signals is optional: when set, POST /signals accepts externally
	// produced entry signals (spec §4.6's pluggable detector).
	Signals *signal.WebhookPort
}

// New builds a Server bound to addr (e.g. ":8090"); call Start to listen.
func New(addr string, deps Deps) *Server {
	s := &Server{
		sup:       deps.Supervisor,
		safetyNet: deps.SafetyNet,
		health:    deps.Health,
		accountId: deps.AccountId,
		logger:    deps.Logger.WithField("component", "operator_http"),
		signals:   deps.Signals,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/positions/arm", s.handleArm)
	mux.HandleFunc("/positions/", s.handlePositionAction)
	mux.HandleFunc("/panic", s.handlePanic)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/safety/status", s.handleSafetyStatus)
	mux.HandleFunc("/safety/test", s.handleSafetyTest)
	if deps.Signals != nil {
		mux.HandleFunc("/signals", s.handleSignal)
	}

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background. Errors other than a graceful
// shutdown are logged, matching the teacher's fire-and-forget ListenAndServe.
func (s *Server) Start() {
	go func() {
		s.logger.Info("operator http api starting", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("operator http api failed", "error", err)
		}
	}()
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz answers spec §4.10's readiness question: DB reachable,
// exchange reachable, and (if any position is active) its lease held.
// Both reachability checks are registered health checks; lease-holding is
// implied by the position task loop itself (a task that lost its lease
// drives its position to Error rather than continuing silently), so
// readiness here reduces to the registered component checks.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := s.health.GetStatus()
	if !s.health.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":      false,
			"components": status,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":      true,
		"components": status,
	})
}

// armRequest is the JSON body for POST /positions/arm.
type armRequest struct {
	Symbol              string          `json:"symbol"`
	Side                string          `json:"side"`
	Capital             decimal.Decimal `json:"capital"`
	TechStopDistance    decimal.Decimal `json:"tech_stop_distance"`
	TechStopDistancePct decimal.Decimal `json:"tech_stop_distance_pct"`
	RiskFraction        decimal.Decimal `json:"risk_fraction"`
	QtyStep             decimal.Decimal `json:"qty_step"`
	InsuranceEnabled    bool            `json:"insurance_enabled"`
	InsuranceBuffer     decimal.Decimal `json:"insurance_buffer"`
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, core.NewDomainError(core.KindInvalidNumeric, "method not allowed", nil))
		return
	}
	var req armRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewDomainError(core.KindInvalidNumeric, "malformed request body", err))
		return
	}

	symbol, err := core.NewSymbol(req.Symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	side := core.Side(strings.ToUpper(req.Side))
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, core.NewDomainError(core.KindInvalidNumeric, "side must be LONG or SHORT", nil))
		return
	}

	pos, err := s.sup.Arm(r.Context(), core.ArmArgs{
		Id:                  core.PositionId(idgen.New()),
		AccountId:           s.accountId,
		Symbol:              symbol,
		Side:                side,
		TechStopDistance:    req.TechStopDistance,
		TechStopDistancePct: req.TechStopDistancePct,
		AccountRiskBudget:   req.Capital,
		RiskFraction:        req.RiskFraction,
		QtyStep:             req.QtyStep,
		InsuranceEnabled:    req.InsuranceEnabled,
		InsuranceBuffer:     req.InsuranceBuffer,
		Now:                 time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// handlePositionAction routes POST /positions/{id}/disarm.
func (s *Server) handlePositionAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/positions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "disarm" {
		writeError(w, http.StatusNotFound, core.NewDomainError(core.KindNotFound, "unknown route", nil))
		return
	}
	id := core.PositionId(parts[0])

	if err := s.sup.Disarm(r.Context(), id); err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position_id": string(id), "status": "disarm_requested"})
}

type panicRequest struct {
	Symbol  string `json:"symbol"`
	Confirm bool   `json:"confirm"`
}

// handlePanic forces immediate exit of one symbol's positions, or all
// active positions, per spec §6.3's `panic [--symbol S] [--confirm]`.
func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	var req panicRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if !req.Confirm {
		writeError(w, http.StatusBadRequest, core.NewDomainError(core.KindInvalidNumeric, "panic requires confirm=true", nil))
		return
	}

	var targeted []string
	for _, pos := range s.sup.List() {
		if req.Symbol != "" && string(pos.Symbol) != req.Symbol {
			continue
		}
		if !pos.State.IsOpen() {
			continue
		}
		if err := s.sup.Panic(r.Context(), pos.Id); err != nil {
			s.logger.Error("panic exit failed for position", "position_id", pos.Id, "error", err)
			continue
		}
		targeted = append(targeted, string(pos.Id))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"panicked": targeted})
}

// handleStatus answers `status [--symbol S] [--state X]` by filtering the
// supervisor's live snapshots; `--watch` is a CLI-side polling concern, not
// a server concept.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	symbolFilter := r.URL.Query().Get("symbol")
	stateFilter := r.URL.Query().Get("state")

	out := make([]core.Position, 0)
	for _, pos := range s.sup.List() {
		if symbolFilter != "" && string(pos.Symbol) != symbolFilter {
			continue
		}
		if stateFilter != "" && string(pos.State) != strings.ToUpper(stateFilter) {
			continue
		}
		out = append(out, pos)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSafetyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detected_positions": s.safetyNet.DetectedPositions(),
	})
}

// handleSafetyTest runs one out-of-band safety-net poll on demand, per
// spec §6.3's `safety test`.
func (s *Server) handleSafetyTest(w http.ResponseWriter, r *http.Request) {
	if err := s.safetyNet.Poll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detected_positions": s.safetyNet.DetectedPositions(),
	})
}

type signalRequest struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	CorrelationId string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// handleSignal admits one externally produced entry signal (spec §4.6);
// duplicate correlation ids are filtered downstream by signal.DedupPort,
// not here, so a retried webhook delivery is always safe to resubmit.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewDomainError(core.KindInvalidNumeric, "malformed request body", err))
		return
	}
	symbol, err := core.NewSymbol(req.Symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	side := core.Side(strings.ToUpper(req.Side))
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, core.NewDomainError(core.KindInvalidNumeric, "side must be LONG or SHORT", nil))
		return
	}
	if req.CorrelationId == "" {
		writeError(w, http.StatusBadRequest, core.NewDomainError(core.KindInvalidNumeric, "correlation_id is required", nil))
		return
	}

	accepted := s.signals.Submit(core.Signal{
		Symbol:        symbol,
		Side:          side,
		CorrelationId: req.CorrelationId,
		Payload:       req.Payload,
	})
	if !accepted {
		writeError(w, http.StatusServiceUnavailable, core.NewDomainError(core.KindTransient, "signal inbound buffer full", nil))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeSupervisorError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperrors.ErrPositionNotFound) {
		writeError(w, http.StatusNotFound, core.NewDomainError(core.KindNotFound, err.Error(), nil))
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	var de *core.DomainError
	if errors.As(err, &de) {
		writeJSON(w, status, ErrorEnvelope{Kind: de.Kind, Retryable: de.Retryable, Message: de.Message})
		return
	}
	writeJSON(w, status, ErrorEnvelope{Kind: core.KindUnknown, Retryable: false, Message: err.Error()})
}
