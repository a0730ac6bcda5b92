package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/analyzer"
	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// Analyzer classifies a wallet's tracked tokens.
type Analyzer interface {
	AnalyzeTokens(ctx context.Context, wallet common.Address) (analyzer.Result, error)
}

// StatusHandler serves read-only views of balances, rebalances and the
// queue.
type StatusHandler struct {
	analyzer Analyzer
	store    domain.RebalanceStore
	queue    domain.JobQueue
	logger   *slog.Logger
}

func NewStatusHandler(a Analyzer, store domain.RebalanceStore, queue domain.JobQueue, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		analyzer: a,
		store:    store,
		queue:    queue,
		logger:   logger.With(slog.String("handler", "status")),
	}
}

// Analysis returns the reservation-aware analysis of one wallet.
// GET /api/wallets/{wallet}/analysis
func (h *StatusHandler) Analysis(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	res, err := h.analyzer.AnalyzeTokens(r.Context(), wallet)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reservations returns the pending outgoing and incoming amounts per token.
// GET /api/wallets/{wallet}/reservations
func (h *StatusHandler) Reservations(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	reserved, err := h.store.PendingReservedByToken(r.Context(), wallet)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	incoming, err := h.store.PendingIncomingByToken(r.Context(), wallet)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reserved": reserved,
		"incoming": incoming,
	})
}

// Rebalance returns one persisted rebalance.
// GET /api/rebalances/{id}
func (h *StatusHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	rb, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

// Group returns every rebalance of one group in creation order.
// GET /api/groups/{id}
func (h *StatusHandler) Group(w http.ResponseWriter, r *http.Request) {
	rbs, err := h.store.ListByGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	if len(rbs) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rbs)
}

// Queue returns the queue depth.
// GET /api/queue
func (h *StatusHandler) Queue(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
