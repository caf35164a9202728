package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/service"
	"go.uber.org/zap"
)

// EscrowHandler handles HTTP requests against the escrow ledger.
type EscrowHandler struct {
	svc *service.EscrowService
}

func NewEscrowHandler(svc *service.EscrowService) *EscrowHandler {
	return &EscrowHandler{svc: svc}
}

// CreditRequest is the body for crediting a source. Amounts cross the wire
// as decimal ZEC strings so clients never deal in zatoshis.
type CreditRequest struct {
	AmountZEC     string `json:"amount_zec"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
	Note          string `json:"note,omitempty"`
}

type balanceResponse struct {
	SourceID          string `json:"source_id"`
	BalanceZEC        string `json:"balance_zec"`
	TotalEarnedZEC    string `json:"total_earned_zec"`
	TotalWithdrawnZEC string `json:"total_withdrawn_zec"`
}

// CreditSource handles POST /v1/escrow/{source_id}/credits (admin only).
func (h *EscrowHandler) CreditSource(w http.ResponseWriter, r *http.Request) {
	sourceID := strings.TrimSpace(chi.URLParam(r, "source_id"))
	if sourceID == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-source-id", "source_id is required")
		return
	}

	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	amount, err := domain.ParseZEC(req.AmountZEC)
	if err != nil || amount <= 0 {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", "amount_zec must be a positive ZEC decimal")
		return
	}
	if req.ReferenceType == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-reference-type", "reference_type is required")
		return
	}
	if req.ReferenceID == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-reference-id", "reference_id is required")
		return
	}

	balance, err := h.svc.Credit(r.Context(), sourceID, amount, req.ReferenceType, req.ReferenceID, req.Note)
	if err != nil {
		if status, problemType, message, ok := mapDBError(err); ok {
			RespondError(w, r, status, problemType, message)
			return
		}
		zap.L().Error("escrow credit failed", zap.Error(err), zap.String("source_id", sourceID))
		RespondError(w, r, http.StatusInternalServerError, "escrow/credit-failed", "Failed to credit source")
		return
	}

	RespondJSON(w, http.StatusCreated, balanceResponse{
		SourceID:          balance.SourceID,
		BalanceZEC:        domain.FormatZEC(balance.Balance),
		TotalEarnedZEC:    domain.FormatZEC(balance.TotalEarned),
		TotalWithdrawnZEC: domain.FormatZEC(balance.TotalWithdrawn),
	})
}

// GetBalance handles GET /v1/escrow/{source_id}/balance.
func (h *EscrowHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if !canAccessSource(r, sourceID) {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return
	}

	balance, err := h.svc.Balance(r.Context(), sourceID)
	if err != nil {
		zap.L().Error("escrow balance read failed", zap.Error(err), zap.String("source_id", sourceID))
		RespondError(w, r, http.StatusInternalServerError, "escrow/balance-read-failed", "Failed to read balance")
		return
	}

	RespondJSON(w, http.StatusOK, balanceResponse{
		SourceID:          balance.SourceID,
		BalanceZEC:        domain.FormatZEC(balance.Balance),
		TotalEarnedZEC:    domain.FormatZEC(balance.TotalEarned),
		TotalWithdrawnZEC: domain.FormatZEC(balance.TotalWithdrawn),
	})
}

type ledgerEntryResponse struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	AmountZEC       string `json:"amount_zec"`
	ReferenceType   string `json:"reference_type"`
	ReferenceID     string `json:"reference_id"`
	BalanceAfterZEC string `json:"balance_after_zec"`
	Note            string `json:"note,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// GetStatement handles GET /v1/escrow/{source_id}/transactions.
func (h *EscrowHandler) GetStatement(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if !canAccessSource(r, sourceID) {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-pagination", err.Error())
		return
	}

	txs, err := h.svc.Transactions(r.Context(), sourceID, limit, offset)
	if err != nil {
		zap.L().Error("escrow statement read failed", zap.Error(err), zap.String("source_id", sourceID))
		RespondError(w, r, http.StatusInternalServerError, "escrow/statement-read-failed", "Failed to read statement")
		return
	}

	items := make([]ledgerEntryResponse, 0, len(txs))
	for _, tx := range txs {
		items = append(items, ledgerEntryResponse{
			ID:              tx.ID.String(),
			Type:            tx.Type,
			AmountZEC:       domain.FormatZEC(tx.Amount),
			ReferenceType:   tx.ReferenceType,
			ReferenceID:     tx.ReferenceID,
			BalanceAfterZEC: domain.FormatZEC(tx.BalanceAfter),
			Note:            tx.Note,
			CreatedAt:       tx.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

func parsePagination(r *http.Request) (limit, offset int32, err error) {
	limit, offset = 50, 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		parsed, perr := strconv.Atoi(v)
		if perr != nil || parsed <= 0 {
			return 0, 0, strconv.ErrSyntax
		}
		limit = int32(parsed)
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		parsed, perr := strconv.Atoi(v)
		if perr != nil || parsed < 0 {
			return 0, 0, strconv.ErrSyntax
		}
		offset = int32(parsed)
	}
	return limit, offset, nil
}
