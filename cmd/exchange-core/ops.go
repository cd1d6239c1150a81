package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantex/exchange-core/internal/breaker"
	"github.com/quantex/exchange-core/internal/engine"
	"github.com/quantex/exchange-core/internal/events"
	"github.com/quantex/exchange-core/internal/workflow"
	"github.com/quantex/exchange-core/pkg/errors"
)

// opsAdapter exposes read-only operational introspection: book depth,
// breaker state and transaction lookup. Mutating command delivery is an
// external collaborator and deliberately absent here.
type opsAdapter struct {
	logger       *zap.Logger
	engine       *engine.Engine
	orchestrator *workflow.Orchestrator
	breaker      *breaker.Breaker
}

func newOpsAdapter(logger *zap.Logger, eng *engine.Engine, orch *workflow.Orchestrator, brk *breaker.Breaker) *opsAdapter {
	return &opsAdapter{
		logger:       logger.Named("ops"),
		engine:       eng,
		orchestrator: orch,
		breaker:      brk,
	}
}

// logEvent mirrors every published event into the structured log.
func (a *opsAdapter) logEvent(event events.Event) {
	a.logger.Info("event",
		zap.String("topic", event.Topic),
		zap.String("type", event.Type),
		zap.Any("payload", event.Payload))
}

func (a *opsAdapter) handleDepth(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	n := 10
	if raw := r.URL.Query().Get("levels"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	bids, asks, err := a.engine.Depth(symbol, n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"symbol": symbol,
		"bids":   bids,
		"asks":   asks,
	})
}

func (a *opsAdapter) handleBreaker(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	writeJSON(w, map[string]interface{}{
		"symbol": symbol,
		"open":   a.breaker.IsOpen(symbol),
	})
}

func (a *opsAdapter) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "invalid transaction id", http.StatusBadRequest)
		return
	}
	txn, err := a.orchestrator.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, txn)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsKind(err, errors.KindNotFound):
		status = http.StatusNotFound
	case errors.IsKind(err, errors.KindValidation):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
