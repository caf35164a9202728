package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sableintel/humint-escrow/internal/denom"
	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/observability"
	"github.com/sableintel/humint-escrow/internal/repository"
	"github.com/sableintel/humint-escrow/internal/wallet"
	"go.uber.org/zap"
)

// remainderTolerancePercent caps how much of a requested withdrawal may be
// lost to undenominable dust before the request is rejected outright.
const remainderTolerancePercent = 1

// WithdrawalService admits withdrawal requests and converts each into a
// time-scattered set of denomination queue entries, debiting the escrow
// ledger in the same transaction.
type WithdrawalService struct {
	store   QueryStore
	delayFn DelayFn
	now     func() time.Time
}

func NewWithdrawalService(store QueryStore) *WithdrawalService {
	return &WithdrawalService{
		store:   store,
		delayFn: DefaultDelay,
		now:     time.Now,
	}
}

// WithDelayFn replaces the schedule delay generator (tests).
func (s *WithdrawalService) WithDelayFn(fn DelayFn) *WithdrawalService {
	if fn != nil {
		s.delayFn = fn
	}
	return s
}

// WithClock replaces the time source (tests).
func (s *WithdrawalService) WithClock(now func() time.Time) *WithdrawalService {
	if now != nil {
		s.now = now
	}
	return s
}

// ScheduledChunk is one denomination of an admitted withdrawal.
type ScheduledChunk struct {
	EntryID      uuid.UUID `json:"entry_id"`
	Denomination int64     `json:"denomination"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// WithdrawalReceipt is the synchronous response to a withdrawal request.
type WithdrawalReceipt struct {
	PaymentID       uuid.UUID        `json:"payment_id"`
	RequestedAmount int64            `json:"requested_amount"`
	AchievedTotal   int64            `json:"achieved_total"`
	Fee             int64            `json:"fee"` // undenominable remainder, kept by the platform
	Chunks          []ScheduledChunk `json:"chunks"`
}

// RequestWithdrawal validates and admits one withdrawal. The ledger debit,
// the payment record and all queue entries commit atomically; any validation
// failure leaves no state behind.
func (s *WithdrawalService) RequestWithdrawal(ctx context.Context, sourceID string, amount int64, recipientAddress string) (*WithdrawalReceipt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amount)
	}
	if !wallet.ValidShieldedAddress(recipientAddress) {
		return nil, models.ErrInvalidAddress
	}

	split := denom.Amount(amount)
	// Reject when the dust exceeds the tolerance so a requester never
	// silently loses a large slice to rounding.
	if split.Total == 0 || split.Remainder*100 > amount*remainderTolerancePercent {
		return nil, models.ErrAmountTooSmall
	}

	paymentID := uuid.New()
	receipt := &WithdrawalReceipt{
		PaymentID:       paymentID,
		RequestedAmount: amount,
		AchievedTotal:   split.Total,
		Fee:             split.Remainder,
	}

	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		// Lock the balance row first: the in-flight check and the debit must
		// be one atomic unit with respect to concurrent requests.
		if _, err := qtx.GetEscrowBalanceForUpdate(ctx, sourceID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrInsufficientBalance
			}
			return fmt.Errorf("lock escrow balance: %w", err)
		}

		active, err := qtx.CountActiveQueueEntriesForSource(ctx, sourceID)
		if err != nil {
			return err
		}
		if active > 0 {
			return models.ErrDuplicateRequest
		}

		// Debit only the achieved total; the remainder never left the
		// requester's perspective as anything but a disclosed fee.
		if _, err := debitLocked(ctx, qtx, sourceID, split.Total,
			domain.RefTypeWithdrawal, paymentID.String(), "withdrawal to shielded address"); err != nil {
			return err
		}

		if err := qtx.InsertPayment(ctx, repository.InsertPaymentParams{
			ID:               repository.ToPgUUID(paymentID),
			SourceID:         sourceID,
			Amount:           split.Total,
			Reason:           domain.RefTypeWithdrawal,
			RecipientAddress: recipientAddress,
			RecipientChain:   domain.RecipientChainZcash,
			Status:           domain.PaymentStatusScheduled,
		}); err != nil {
			return err
		}

		for _, d := range split.Denominations {
			entryID := uuid.New()
			scheduledFor := s.now().Add(s.delayFn())
			if err := qtx.InsertQueueEntry(ctx, repository.InsertQueueEntryParams{
				ID:               repository.ToPgUUID(entryID),
				PaymentID:        repository.ToPgUUID(paymentID),
				SourceID:         sourceID,
				Denomination:     d,
				RecipientAddress: recipientAddress,
				ScheduledFor:     repository.ToPgTimestamptz(scheduledFor),
				Status:           domain.EntryStatusPending,
			}); err != nil {
				return err
			}
			receipt.Chunks = append(receipt.Chunks, ScheduledChunk{
				EntryID:      entryID,
				Denomination: d,
				ScheduledFor: scheduledFor,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementWithdrawalRequest("accepted")
	zap.L().Info("withdrawal scheduled",
		zap.String("source_id", sourceID),
		zap.String("payment_id", paymentID.String()),
		zap.String("requested", domain.FormatZEC(amount)),
		zap.String("achieved", domain.FormatZEC(split.Total)),
		zap.Int("chunks", len(receipt.Chunks)),
	)
	return receipt, nil
}

// WithdrawalStatus reports one payment and all its denomination entries so
// operators can see partial completion instead of one opaque status.
type WithdrawalStatus struct {
	Payment models.Payment                `json:"payment"`
	Entries []models.WithdrawalQueueEntry `json:"entries"`
}

func (s *WithdrawalService) WithdrawalStatus(ctx context.Context, paymentID uuid.UUID) (*WithdrawalStatus, error) {
	queries := s.store.Queries()
	payment, err := queries.GetPayment(ctx, repository.ToPgUUID(paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	entries, err := queries.ListQueueEntriesByPayment(ctx, repository.ToPgUUID(paymentID))
	if err != nil {
		return nil, err
	}

	counts, err := queries.GetQueueStatusCountsByPayment(ctx, repository.ToPgUUID(paymentID))
	if err != nil {
		return nil, err
	}
	payment.Status = derivePaymentStatus(counts)

	return &WithdrawalStatus{Payment: payment, Entries: entries}, nil
}

// derivePaymentStatus collapses the children's states into the parent status.
// The parent is never set independently once entries exist.
func derivePaymentStatus(c repository.QueueStatusCounts) string {
	switch {
	case c.Total == 0:
		return domain.PaymentStatusPending
	case c.Processing > 0:
		return domain.PaymentStatusProcessing
	case c.Pending > 0:
		return domain.PaymentStatusScheduled
	case c.Failed > 0:
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusSuccess
	}
}

// syncPaymentStatus persists the derived status onto the parent record.
func syncPaymentStatus(ctx context.Context, qtx *repository.Queries, paymentID uuid.UUID) error {
	counts, err := qtx.GetQueueStatusCountsByPayment(ctx, repository.ToPgUUID(paymentID))
	if err != nil {
		return err
	}
	if _, err := qtx.UpdatePaymentStatus(ctx, repository.UpdatePaymentStatusParams{
		Status: derivePaymentStatus(counts),
		ID:     repository.ToPgUUID(paymentID),
	}); err != nil {
		return err
	}
	return nil
}
