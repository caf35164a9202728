package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSaplingAddr = "zs1" + strings.Repeat("q", 75)

func fixedDelay(d time.Duration) service.DelayFn {
	return func() time.Duration { return d }
}

func TestRequestWithdrawal_SplitsIntoDenominations(t *testing.T) {
	store := newTestStore(t)
	escrowSvc := service.NewEscrowService(store)
	withdrawalSvc := service.NewWithdrawalService(store).WithDelayFn(fixedDelay(time.Hour))
	ctx := context.Background()

	_, err := escrowSvc.Credit(ctx, "src-heron", zec(t, "10"), domain.RefTypeBounty, "b1", "")
	require.NoError(t, err)

	before := time.Now()
	receipt, err := withdrawalSvc.RequestWithdrawal(ctx, "src-heron", zec(t, "7.3"), testSaplingAddr)
	require.NoError(t, err)

	assert.Equal(t, zec(t, "7.3"), receipt.RequestedAmount)
	assert.Equal(t, zec(t, "7.25"), receipt.AchievedTotal)
	assert.Equal(t, zec(t, "0.05"), receipt.Fee)

	var denoms []int64
	for _, c := range receipt.Chunks {
		denoms = append(denoms, c.Denomination)
		assert.WithinDuration(t, before.Add(time.Hour), c.ScheduledFor, 5*time.Second)
	}
	assert.Equal(t, []int64{zec(t, "5"), zec(t, "1"), zec(t, "1"), zec(t, "0.25")}, denoms)

	// Only the achieved total is debited.
	balance, err := escrowSvc.Balance(ctx, "src-heron")
	require.NoError(t, err)
	assert.Equal(t, zec(t, "2.75"), balance.Balance)
	assert.Equal(t, zec(t, "7.25"), balance.TotalWithdrawn)

	status, err := withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusScheduled, status.Payment.Status)
	assert.Equal(t, zec(t, "7.25"), status.Payment.Amount)
	require.Len(t, status.Entries, 4)
	for _, entry := range status.Entries {
		assert.Equal(t, domain.EntryStatusPending, entry.Status)
		assert.Equal(t, testSaplingAddr, entry.RecipientAddress)
	}
}

func TestRequestWithdrawal_IndependentDelaysPerChunk(t *testing.T) {
	store := newTestStore(t)
	escrowSvc := service.NewEscrowService(store)

	// Each draw returns a different delay; chunks must not share one.
	delays := []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour}
	i := 0
	withdrawalSvc := service.NewWithdrawalService(store).WithDelayFn(func() time.Duration {
		d := delays[i%len(delays)]
		i++
		return d
	})
	ctx := context.Background()

	_, err := escrowSvc.Credit(ctx, "src-ibis", zec(t, "5"), domain.RefTypeBounty, "b1", "")
	require.NoError(t, err)

	receipt, err := withdrawalSvc.RequestWithdrawal(ctx, "src-ibis", zec(t, "2.6"), testSaplingAddr)
	require.NoError(t, err)
	require.Len(t, receipt.Chunks, 2) // 2.5 + 0.1
	assert.Equal(t, 2, i)
	assert.NotEqual(t, receipt.Chunks[0].ScheduledFor, receipt.Chunks[1].ScheduledFor)
}

func TestRequestWithdrawal_InvalidAddress(t *testing.T) {
	store := newTestStore(t)
	withdrawalSvc := service.NewWithdrawalService(store)

	_, err := withdrawalSvc.RequestWithdrawal(context.Background(), "src-x", zec(t, "1"), "t1transparentaddress")
	require.ErrorIs(t, err, models.ErrInvalidAddress)
}

func TestRequestWithdrawal_AmountTooSmall(t *testing.T) {
	store := newTestStore(t)
	escrowSvc := service.NewEscrowService(store)
	withdrawalSvc := service.NewWithdrawalService(store)
	ctx := context.Background()

	_, err := escrowSvc.Credit(ctx, "src-dust", zec(t, "1"), domain.RefTypeBounty, "b1", "")
	require.NoError(t, err)

	// Below the smallest denomination.
	_, err = withdrawalSvc.RequestWithdrawal(ctx, "src-dust", zec(t, "0.05"), testSaplingAddr)
	require.ErrorIs(t, err, models.ErrAmountTooSmall)

	// Representable only with 16% dust, above the 1% tolerance.
	_, err = withdrawalSvc.RequestWithdrawal(ctx, "src-dust", zec(t, "0.3"), testSaplingAddr)
	require.ErrorIs(t, err, models.ErrAmountTooSmall)

	// Rejections leave the balance untouched.
	balance, err := escrowSvc.Balance(ctx, "src-dust")
	require.NoError(t, err)
	assert.Equal(t, zec(t, "1"), balance.Balance)
}

func TestRequestWithdrawal_InsufficientBalanceLeavesNoState(t *testing.T) {
	store := newTestStore(t)
	escrowSvc := service.NewEscrowService(store)
	withdrawalSvc := service.NewWithdrawalService(store)
	ctx := context.Background()

	_, err := escrowSvc.Credit(ctx, "src-thin", zec(t, "1"), domain.RefTypeBounty, "b1", "")
	require.NoError(t, err)

	_, err = withdrawalSvc.RequestWithdrawal(ctx, "src-thin", zec(t, "5"), testSaplingAddr)
	require.ErrorIs(t, err, models.ErrInsufficientBalance)

	balance, err := escrowSvc.Balance(ctx, "src-thin")
	require.NoError(t, err)
	assert.Equal(t, zec(t, "1"), balance.Balance)

	active, err := store.Queries().CountActiveQueueEntriesForSource(ctx, "src-thin")
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestRequestWithdrawal_OneInFlightPerSource(t *testing.T) {
	store := newTestStore(t)
	escrowSvc := service.NewEscrowService(store)
	withdrawalSvc := service.NewWithdrawalService(store)
	ctx := context.Background()

	_, err := escrowSvc.Credit(ctx, "src-busy", zec(t, "20"), domain.RefTypeBounty, "b1", "")
	require.NoError(t, err)

	_, err = withdrawalSvc.RequestWithdrawal(ctx, "src-busy", zec(t, "5"), testSaplingAddr)
	require.NoError(t, err)

	_, err = withdrawalSvc.RequestWithdrawal(ctx, "src-busy", zec(t, "5"), testSaplingAddr)
	require.ErrorIs(t, err, models.ErrDuplicateRequest)

	// The rejected request debited nothing.
	balance, err := escrowSvc.Balance(ctx, "src-busy")
	require.NoError(t, err)
	assert.Equal(t, zec(t, "15"), balance.Balance)
}

func TestWithdrawalStatus_NotFound(t *testing.T) {
	store := newTestStore(t)
	withdrawalSvc := service.NewWithdrawalService(store)

	_, err := withdrawalSvc.WithdrawalStatus(context.Background(), uuid.New())
	require.ErrorIs(t, err, models.ErrPaymentNotFound)
}
