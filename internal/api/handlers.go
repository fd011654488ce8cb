package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider Provider
	orders   OrderService
	risk     RiskService
	execs    ExecutionSource
	logger   *slog.Logger
}

func NewHandlers(
	provider Provider,
	orders OrderService,
	riskCore RiskService,
	execs ExecutionSource,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		provider: provider,
		orders:   orders,
		risk:     riskCore,
		execs:    execs,
		logger:   logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth reports overall and per-component health. Degraded and
// Unhealthy still answer 200 so pollers can read the component map; only
// a dead process fails the request.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.provider.Health())
}

// HandleOrders lists every known order, newest first. ?venue= filters and
// ?open=true drops terminal orders.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	list := h.orders.GetOrders()

	v := types.Venue(r.URL.Query().Get("venue"))
	openOnly := r.URL.Query().Get("open") == "true"
	filtered := list[:0]
	for _, o := range list {
		if v != "" && o.Venue != v {
			continue
		}
		if openOnly && o.Status.Terminal() {
			continue
		}
		filtered = append(filtered, o)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})
	h.writeJSON(w, http.StatusOK, map[string]any{
		"orders": filtered,
		"count":  len(filtered),
	})
}

func (h *Handlers) HandleOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.orders.GetOrder(r.PathValue("id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.orders.CancelOrder(r.Context(), id)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "order_id": id})
	case errors.Is(err, venue.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, venue.ErrAlreadyTerminal):
		h.writeError(w, http.StatusConflict, "order already terminal")
	default:
		h.logger.Error("cancel failed", "order", id, "error", err)
		h.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	v := types.Venue(r.URL.Query().Get("venue"))
	positions := h.orders.GetPositions(v)
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OutcomeID < positions[j].OutcomeID
	})
	h.writeJSON(w, http.StatusOK, map[string]any{
		"positions":      positions,
		"count":          len(positions),
		"total_exposure": h.orders.TotalExposure(),
	})
}

func (h *Handlers) HandleStrategies(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"strategies": h.provider.Strategies(),
	})
}

// HandleExecutions returns recent execution results (newest first) plus the
// running stats of the arbitrage executor.
func (h *Handlers) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	history := h.execs.History()
	// History is kept oldest first; the API serves newest first.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"executions": history,
		"stats":      h.execs.Stats(),
	})
}

// HandleKillSwitchReset re-arms trading after a kill switch trip. The caller
// is expected to have resolved the underlying cause first.
func (h *Handlers) HandleKillSwitchReset(w http.ResponseWriter, r *http.Request) {
	snap := h.risk.Snapshot()
	if !snap.KillSwitchActive {
		h.writeError(w, http.StatusConflict, "kill switch not active")
		return
	}
	h.risk.Reset()
	h.logger.Warn("kill switch reset via api",
		"reasons", snap.Reasons, "active_since", snap.ActivatedAt)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "reset",
		"reasons":  snap.Reasons,
		"reset_at": time.Now().UTC(),
	})
}
