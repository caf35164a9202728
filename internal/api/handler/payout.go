package handler

import (
	"errors"
	"net/http"

	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/service"
	"go.uber.org/zap"
)

// PayoutHandler exposes the payout worker to operators. All routes are
// admin-only.
type PayoutHandler struct {
	svc *service.PayoutService
}

func NewPayoutHandler(svc *service.PayoutService) *PayoutHandler {
	return &PayoutHandler{svc: svc}
}

// Status handles GET /v1/admin/payouts/status.
func (h *PayoutHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		zap.L().Error("payout status read failed", zap.Error(err))
		RespondError(w, r, http.StatusServiceUnavailable, "payout/status-unavailable", "Failed to read payout status")
		return
	}
	RespondJSON(w, http.StatusOK, status)
}

// RunOnce handles POST /v1/admin/payouts/run. It triggers a single worker
// cycle synchronously, mostly for operational drills and incident recovery.
func (h *PayoutHandler) RunOnce(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.ProcessWithdrawals(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, models.ErrChainNotReady):
			RespondError(w, r, http.StatusServiceUnavailable, "payout/chain-not-ready", "zcash node is not fully synced")
		case errors.Is(err, models.ErrPoolTooSmall):
			RespondError(w, r, http.StatusConflict, "payout/pool-too-small", "due pool is below the anonymity minimum")
		default:
			zap.L().Error("manual payout run failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "payout/run-failed", "Payout run failed")
		}
		return
	}
	RespondJSON(w, http.StatusOK, summary)
}
