package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zec(t *testing.T, s string) int64 {
	t.Helper()
	amount, err := domain.ParseZEC(s)
	require.NoError(t, err)
	return amount
}

func TestCredit_CreatesBalanceAndLedger(t *testing.T) {
	store := newTestStore(t)
	svc := service.NewEscrowService(store)
	ctx := context.Background()

	balance, err := svc.Credit(ctx, "src-raven", zec(t, "2.5"), domain.RefTypeBounty, "bounty-17", "first delivery")
	require.NoError(t, err)
	assert.Equal(t, zec(t, "2.5"), balance.Balance)
	assert.Equal(t, zec(t, "2.5"), balance.TotalEarned)
	assert.Zero(t, balance.TotalWithdrawn)

	txs, err := svc.Transactions(ctx, "src-raven", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxTypeCredit, txs[0].Type)
	assert.Equal(t, zec(t, "2.5"), txs[0].Amount)
	assert.Equal(t, zec(t, "2.5"), txs[0].BalanceAfter)
	assert.Equal(t, "bounty-17", txs[0].ReferenceID)
}

func TestCredit_RejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)
	svc := service.NewEscrowService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "src-raven", 0, domain.RefTypeBounty, "b1", "")
	require.Error(t, err)

	_, err = svc.Credit(ctx, "src-raven", zec(t, "1"), "refund", "b1", "")
	require.Error(t, err)

	// Nothing was written.
	balance, err := svc.Balance(ctx, "src-raven")
	require.NoError(t, err)
	assert.Zero(t, balance.Balance)
}

func TestDebit_InsufficientBalanceMutatesNothing(t *testing.T) {
	store := newTestStore(t)
	svc := service.NewEscrowService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "src-owl", zec(t, "1"), domain.RefTypeTip, "tip-1", "")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "src-owl", zec(t, "2"), domain.RefTypeWithdrawal, "w-1", "")
	require.ErrorIs(t, err, models.ErrInsufficientBalance)

	balance, err := svc.Balance(ctx, "src-owl")
	require.NoError(t, err)
	assert.Equal(t, zec(t, "1"), balance.Balance)
	assert.Zero(t, balance.TotalWithdrawn)

	txs, err := svc.Transactions(ctx, "src-owl", 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestDebit_UnknownSource(t *testing.T) {
	store := newTestStore(t)
	svc := service.NewEscrowService(store)

	_, err := svc.Debit(context.Background(), "src-ghost", zec(t, "0.1"), domain.RefTypeWithdrawal, "w-1", "")
	require.ErrorIs(t, err, models.ErrInsufficientBalance)
}

func TestBalance_UnknownSourceIsZero(t *testing.T) {
	store := newTestStore(t)
	svc := service.NewEscrowService(store)

	balance, err := svc.Balance(context.Background(), "src-never-seen")
	require.NoError(t, err)
	assert.Equal(t, "src-never-seen", balance.SourceID)
	assert.Zero(t, balance.Balance)
}

func TestLedger_InvariantHoldsAcrossMixedOperations(t *testing.T) {
	store := newTestStore(t)
	svc := service.NewEscrowService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "src-fox", zec(t, "5"), domain.RefTypeBounty, "b1", "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "src-fox", zec(t, "0.3"), domain.RefTypeTip, "t1", "")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "src-fox", zec(t, "2.5"), domain.RefTypeWithdrawal, "w1", "")
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, "src-fox")
	require.NoError(t, err)
	assert.Equal(t, zec(t, "2.8"), balance.Balance)
	assert.Equal(t, balance.TotalEarned-balance.TotalWithdrawn, balance.Balance)

	// Latest ledger snapshot agrees with the live balance.
	txs, err := svc.Transactions(ctx, "src-fox", 1, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, balance.Balance, txs[0].BalanceAfter)

	imbalances, err := store.Queries().ListEscrowImbalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, imbalances)
	drift, err := store.Queries().ListLedgerDrift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestCredit_ConcurrentCreditsSerialize(t *testing.T) {
	store := newTestStore(t)
	svc := service.NewEscrowService(store)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Credit(ctx, "src-crowd", zec(t, "0.1"), domain.RefTypeTip, "tip", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	balance, err := svc.Balance(ctx, "src-crowd")
	require.NoError(t, err)
	assert.Equal(t, zec(t, "1"), balance.Balance)

	txs, err := svc.Transactions(ctx, "src-crowd", 50, 0)
	require.NoError(t, err)
	assert.Len(t, txs, workers)
}

func TestTransactions_LimitClamping(t *testing.T) {
	store := newTestStore(t)
	svc := service.NewEscrowService(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Credit(ctx, "src-pager", zec(t, "0.1"), domain.RefTypeTip, "t", "")
		require.NoError(t, err)
	}

	txs, err := svc.Transactions(ctx, "src-pager", -5, -1)
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	txs, err = svc.Transactions(ctx, "src-pager", 2, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}
