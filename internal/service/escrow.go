package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/observability"
	"github.com/sableintel/humint-escrow/internal/repository"
	"go.uber.org/zap"
)

// EscrowService is the authoritative ledger for per-source balances. Every
// balance change is paired with an immutable transaction record written in
// the same database transaction, under a row lock on the balance.
type EscrowService struct {
	store QueryStore
}

func NewEscrowService(store QueryStore) *EscrowService {
	return &EscrowService{store: store}
}

var validReferenceTypes = map[string]struct{}{
	domain.RefTypeBounty:       {},
	domain.RefTypeTip:          {},
	domain.RefTypeSubscription: {},
	domain.RefTypeWithdrawal:   {},
}

func validateLedgerInput(amount int64, referenceType string) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	if _, ok := validReferenceTypes[referenceType]; !ok {
		return fmt.Errorf("unknown reference type %q", referenceType)
	}
	return nil
}

// Credit adds amount to the source's balance, creating the balance row on
// first use, and appends a credit ledger entry. Returns the new balance.
func (s *EscrowService) Credit(ctx context.Context, sourceID string, amount int64, referenceType, referenceID, note string) (models.EscrowBalance, error) {
	if err := validateLedgerInput(amount, referenceType); err != nil {
		return models.EscrowBalance{}, err
	}

	var balance models.EscrowBalance
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		if err := qtx.EnsureEscrowBalance(ctx, sourceID); err != nil {
			return err
		}
		if _, err := qtx.GetEscrowBalanceForUpdate(ctx, sourceID); err != nil {
			return fmt.Errorf("lock escrow balance: %w", err)
		}

		var err error
		balance, err = qtx.ApplyEscrowCredit(ctx, repository.ApplyEscrowCreditParams{
			SourceID: sourceID,
			Amount:   amount,
		})
		if err != nil {
			return fmt.Errorf("apply escrow credit: %w", err)
		}

		return qtx.InsertEscrowTransaction(ctx, repository.InsertEscrowTransactionParams{
			ID:            repository.ToPgUUID(uuid.New()),
			SourceID:      sourceID,
			Type:          domain.TxTypeCredit,
			Amount:        amount,
			ReferenceType: referenceType,
			ReferenceID:   referenceID,
			BalanceAfter:  balance.Balance,
			Note:          note,
		})
	})
	if err != nil {
		return models.EscrowBalance{}, err
	}

	observability.AddEscrowCredited(amount)
	zap.L().Info("escrow credited",
		zap.String("source_id", sourceID),
		zap.String("amount", domain.FormatZEC(amount)),
		zap.String("reference_type", referenceType),
	)
	return balance, nil
}

// Debit removes amount from the source's balance and appends a debit ledger
// entry. Fails with models.ErrInsufficientBalance, mutating nothing, when the
// balance cannot cover the amount.
func (s *EscrowService) Debit(ctx context.Context, sourceID string, amount int64, referenceType, referenceID, note string) (models.EscrowBalance, error) {
	if err := validateLedgerInput(amount, referenceType); err != nil {
		return models.EscrowBalance{}, err
	}

	var balance models.EscrowBalance
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		var err error
		balance, err = debitLocked(ctx, qtx, sourceID, amount, referenceType, referenceID, note)
		return err
	})
	if err != nil {
		return models.EscrowBalance{}, err
	}
	return balance, nil
}

// debitLocked performs the lock + check + debit + ledger append sequence
// inside an existing transaction. The withdrawal scheduler reuses it so the
// debit and queue creation commit atomically.
func debitLocked(ctx context.Context, qtx *repository.Queries, sourceID string, amount int64, referenceType, referenceID, note string) (models.EscrowBalance, error) {
	current, err := qtx.GetEscrowBalanceForUpdate(ctx, sourceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EscrowBalance{}, models.ErrInsufficientBalance
		}
		return models.EscrowBalance{}, fmt.Errorf("lock escrow balance: %w", err)
	}
	if amount > current.Balance {
		return models.EscrowBalance{}, models.ErrInsufficientBalance
	}

	balance, err := qtx.ApplyEscrowDebit(ctx, repository.ApplyEscrowDebitParams{
		SourceID: sourceID,
		Amount:   amount,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EscrowBalance{}, models.ErrInsufficientBalance
		}
		return models.EscrowBalance{}, fmt.Errorf("apply escrow debit: %w", err)
	}

	if err := qtx.InsertEscrowTransaction(ctx, repository.InsertEscrowTransactionParams{
		ID:            repository.ToPgUUID(uuid.New()),
		SourceID:      sourceID,
		Type:          domain.TxTypeDebit,
		Amount:        amount,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		BalanceAfter:  balance.Balance,
		Note:          note,
	}); err != nil {
		return models.EscrowBalance{}, err
	}
	return balance, nil
}

// Balance returns the current balance record, or a zero-valued default when
// the source has never been credited. Side-effect free.
func (s *EscrowService) Balance(ctx context.Context, sourceID string) (models.EscrowBalance, error) {
	balance, err := s.store.Queries().GetEscrowBalance(ctx, sourceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EscrowBalance{SourceID: sourceID}, nil
		}
		return models.EscrowBalance{}, fmt.Errorf("get escrow balance: %w", err)
	}
	return balance, nil
}

// Transactions returns the source's ledger history, newest first.
func (s *EscrowService) Transactions(ctx context.Context, sourceID string, limit, offset int32) ([]models.EscrowTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Queries().ListEscrowTransactions(ctx, repository.ListEscrowTransactionsParams{
		SourceID: sourceID,
		Limit:    limit,
		Offset:   offset,
	})
}
