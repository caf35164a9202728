package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/observability"
	"github.com/sableintel/humint-escrow/internal/service"
	"go.uber.org/zap"
)

// WithdrawalHandler handles withdrawal requests and status reads.
type WithdrawalHandler struct {
	svc *service.WithdrawalService
}

func NewWithdrawalHandler(svc *service.WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{svc: svc}
}

// WithdrawalRequest is the body for POST /v1/withdrawals. The source is taken
// from the auth context, never from the body.
type WithdrawalRequest struct {
	AmountZEC        string `json:"amount_zec"`
	RecipientAddress string `json:"recipient_address"`
}

type chunkResponse struct {
	EntryID         string `json:"entry_id"`
	DenominationZEC string `json:"denomination_zec"`
	ScheduledFor    string `json:"scheduled_for"`
}

type receiptResponse struct {
	PaymentID    string          `json:"payment_id"`
	RequestedZEC string          `json:"requested_zec"`
	AchievedZEC  string          `json:"achieved_zec"`
	FeeZEC       string          `json:"fee_zec"`
	Chunks       []chunkResponse `json:"chunks"`
}

// RequestWithdrawal handles POST /v1/withdrawals.
// Returns 202 Accepted: the debit is committed but no coins have moved yet.
func (h *WithdrawalHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	sourceID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	amount, err := domain.ParseZEC(req.AmountZEC)
	if err != nil || amount <= 0 {
		observability.IncrementWithdrawalRequest("invalid_amount")
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", "amount_zec must be a positive ZEC decimal")
		return
	}

	receipt, err := h.svc.RequestWithdrawal(r.Context(), sourceID, amount, req.RecipientAddress)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidAddress):
			observability.IncrementWithdrawalRequest("invalid_address")
			RespondError(w, r, http.StatusBadRequest, "withdrawal/invalid-address", "recipient_address is not a valid shielded address")
		case errors.Is(err, models.ErrAmountTooSmall):
			observability.IncrementWithdrawalRequest("amount_too_small")
			RespondError(w, r, http.StatusUnprocessableEntity, "withdrawal/amount-too-small", "amount cannot be represented in standard denominations")
		case errors.Is(err, models.ErrInsufficientBalance):
			observability.IncrementWithdrawalRequest("insufficient_balance")
			RespondError(w, r, http.StatusUnprocessableEntity, "withdrawal/insufficient-balance", "escrow balance cannot cover this withdrawal")
		case errors.Is(err, models.ErrDuplicateRequest):
			observability.IncrementWithdrawalRequest("duplicate")
			RespondError(w, r, http.StatusConflict, "withdrawal/already-in-flight", "a withdrawal is already in flight for this source")
		default:
			zap.L().Error("withdrawal request failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/request-failed", "Failed to schedule withdrawal")
		}
		return
	}

	resp := receiptResponse{
		PaymentID:    receipt.PaymentID.String(),
		RequestedZEC: domain.FormatZEC(receipt.RequestedAmount),
		AchievedZEC:  domain.FormatZEC(receipt.AchievedTotal),
		FeeZEC:       domain.FormatZEC(receipt.Fee),
		Chunks:       make([]chunkResponse, 0, len(receipt.Chunks)),
	}
	for _, c := range receipt.Chunks {
		resp.Chunks = append(resp.Chunks, chunkResponse{
			EntryID:         c.EntryID.String(),
			DenominationZEC: domain.FormatZEC(c.Denomination),
			ScheduledFor:    c.ScheduledFor.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	RespondJSON(w, http.StatusAccepted, resp)
}

// GetWithdrawal handles GET /v1/withdrawals/{id}.
func (h *WithdrawalHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-payment-id", "Invalid withdrawal ID")
		return
	}

	status, err := h.svc.WithdrawalStatus(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
			return
		}
		zap.L().Error("withdrawal status read failed", zap.Error(err), zap.String("payment_id", paymentID.String()))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/read-failed", "Failed to read withdrawal")
		return
	}

	if !canAccessSource(r, status.Payment.SourceID) {
		// 404, not 403: do not confirm the payment exists to outsiders.
		RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
		return
	}

	RespondJSON(w, http.StatusOK, status)
}
