package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/service"
	"github.com/sableintel/humint-escrow/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedWallet lets a test decide the fate of each send by ordinal.
type scriptedWallet struct {
	synced    bool
	available int64
	failNth   map[int]bool
	deferNth  map[int]bool // operation stays executing until resolved by the test

	mu    sync.Mutex
	sends []int64
	seq   int
	ops   map[string]wallet.OperationStatus
}

func newScriptedWallet(available int64) *scriptedWallet {
	return &scriptedWallet{
		synced:    true,
		available: available,
		failNth:   map[int]bool{},
		deferNth:  map[int]bool{},
		ops:       map[string]wallet.OperationStatus{},
	}
}

func (s *scriptedWallet) Balance(ctx context.Context) (wallet.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wallet.Balance{Available: s.available}, nil
}

func (s *scriptedWallet) SendShielded(ctx context.Context, toAddress string, amount int64, memo string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.sends = append(s.sends, amount)
	opID := fmt.Sprintf("op-%d", s.seq)
	switch {
	case s.deferNth[s.seq]:
		s.ops[opID] = wallet.OperationStatus{ID: opID, Status: wallet.OpStatusExecuting}
	case s.failNth[s.seq]:
		s.ops[opID] = wallet.OperationStatus{ID: opID, Status: wallet.OpStatusFailed, Error: "scripted failure"}
	default:
		s.available -= amount
		s.ops[opID] = wallet.OperationStatus{ID: opID, Status: wallet.OpStatusSuccess, TxID: fmt.Sprintf("txid-%d", s.seq)}
	}
	return opID, nil
}

func (s *scriptedWallet) setOpStatus(opID string, status wallet.OperationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status.ID = opID
	s.ops[opID] = status
}

func (s *scriptedWallet) OperationStatus(ctx context.Context, operationID string) (wallet.OperationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[operationID]
	if !ok {
		return wallet.OperationStatus{}, fmt.Errorf("operation %s not found", operationID)
	}
	return op, nil
}

func (s *scriptedWallet) ChainSynced(ctx context.Context) (bool, error) {
	return s.synced, nil
}

func (s *scriptedWallet) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func newPayoutService(store service.QueryStore, w wallet.Wallet) *service.PayoutService {
	return service.NewPayoutService(store, w).
		WithJitterFn(func() time.Duration { return 0 }).
		WithPollPolicy(time.Millisecond, 3)
}

// scheduleDueWithdrawal credits the source and admits a withdrawal whose
// entries are all already due.
func scheduleDueWithdrawal(t *testing.T, store service.QueryStore, sourceID, credit, withdraw string) *service.WithdrawalReceipt {
	t.Helper()
	ctx := context.Background()
	escrowSvc := service.NewEscrowService(store)
	_, err := escrowSvc.Credit(ctx, sourceID, zec(t, credit), domain.RefTypeBounty, "b1", "")
	require.NoError(t, err)

	withdrawalSvc := service.NewWithdrawalService(store).WithDelayFn(fixedDelay(-time.Minute))
	receipt, err := withdrawalSvc.RequestWithdrawal(ctx, sourceID, zec(t, withdraw), testSaplingAddr)
	require.NoError(t, err)
	return receipt
}

func TestProcessWithdrawals_ChainNotReady(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "100"))
	w.synced = false
	svc := newPayoutService(store, w)

	scheduleDueWithdrawal(t, store, "src-a", "10", "7.3")

	_, err := svc.ProcessWithdrawals(context.Background())
	require.ErrorIs(t, err, models.ErrChainNotReady)
	assert.Zero(t, w.sendCount())

	pending, err := store.Queries().CountQueueEntriesByStatus(context.Background(), domain.EntryStatusPending)
	require.NoError(t, err)
	assert.EqualValues(t, 4, pending)
}

func TestProcessWithdrawals_AnonymityGateHoldsSmallPool(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "100"))
	svc := newPayoutService(store, w)

	// One due entry, gate requires three.
	scheduleDueWithdrawal(t, store, "src-lone", "1", "0.1")

	_, err := svc.ProcessWithdrawals(context.Background())
	require.ErrorIs(t, err, models.ErrPoolTooSmall)
	assert.Zero(t, w.sendCount())

	pending, err := store.Queries().CountQueueEntriesByStatus(context.Background(), domain.EntryStatusPending)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestProcessWithdrawals_PaysOutFullBatch(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "100"))
	svc := newPayoutService(store, w)
	ctx := context.Background()

	receipt := scheduleDueWithdrawal(t, store, "src-batch", "10", "7.3")

	summary, err := svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)

	var sent int64
	for _, amount := range w.sends {
		sent += amount
	}
	assert.Equal(t, zec(t, "7.25"), sent)

	withdrawalSvc := service.NewWithdrawalService(store)
	status, err := withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, status.Payment.Status)
	for _, entry := range status.Entries {
		assert.Equal(t, domain.EntryStatusCompleted, entry.Status)
		require.NotNil(t, entry.TxID)
		assert.NotEmpty(t, *entry.TxID)
		assert.NotNil(t, entry.CompletedAt)
	}
}

func TestProcessWithdrawals_EntryFailureDoesNotAbortRun(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "100"))
	w.failNth[2] = true
	svc := newPayoutService(store, w)
	ctx := context.Background()

	receipt := scheduleDueWithdrawal(t, store, "src-flaky", "10", "7.3")

	summary, err := svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, w.sendCount())

	withdrawalSvc := service.NewWithdrawalService(store)
	status, err := withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, status.Payment.Status)

	var failed, completed int
	for _, entry := range status.Entries {
		switch entry.Status {
		case domain.EntryStatusFailed:
			failed++
			require.NotNil(t, entry.ErrorMessage)
			assert.Contains(t, *entry.ErrorMessage, "scripted failure")
		case domain.EntryStatusCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, completed)
}

func TestProcessWithdrawals_UnderfundedWalletReleasesEntries(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "1.5"))
	svc := newPayoutService(store, w)
	ctx := context.Background()

	receipt := scheduleDueWithdrawal(t, store, "src-short", "10", "7.3")

	summary, err := svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	// 5 and one of the 1s exceed the remaining wallet funds.
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Failed)

	withdrawalSvc := service.NewWithdrawalService(store)
	status, err := withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	// Released entries stay eligible, so the payment is still in flight.
	assert.Equal(t, domain.PaymentStatusScheduled, status.Payment.Status)

	pending, err := store.Queries().CountQueueEntriesByStatus(ctx, domain.EntryStatusPending)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
}

func TestProcessWithdrawals_RequeueFailedEntries(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "100"))
	w.failNth[1] = true
	svc := newPayoutService(store, w).WithRequeueFailed(true).WithDelayFn(fixedDelay(-time.Minute))
	ctx := context.Background()

	receipt := scheduleDueWithdrawal(t, store, "src-retry", "10", "7.3")

	summary, err := svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	// The next run requeues the failed entry and pays it out. A lone entry
	// would trip the anonymity gate, so lower it for the retry run.
	svc = newPayoutService(store, w).WithRequeueFailed(true).WithDelayFn(fixedDelay(-time.Minute)).WithMinPoolSize(1)
	summary, err = svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	withdrawalSvc := service.NewWithdrawalService(store)
	status, err := withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, status.Payment.Status)
}

func TestProcessWithdrawals_SendsInScheduledOrder(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "100"))
	svc := newPayoutService(store, w)
	ctx := context.Background()

	escrowSvc := service.NewEscrowService(store)
	_, err := escrowSvc.Credit(ctx, "src-order", zec(t, "10"), domain.RefTypeBounty, "b1", "")
	require.NoError(t, err)

	// Later-inserted chunks get earlier schedules, so the send order must
	// follow scheduled_for rather than insertion order.
	next := -10 * time.Minute
	steppingDelay := func() time.Duration {
		d := next
		next -= 10 * time.Minute
		return d
	}
	withdrawalSvc := service.NewWithdrawalService(store).WithDelayFn(steppingDelay)
	_, err = withdrawalSvc.RequestWithdrawal(ctx, "src-order", zec(t, "7.3"), testSaplingAddr)
	require.NoError(t, err)

	summary, err := svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, summary.Processed)

	// 7.3 splits into [5, 1, 1, 0.25]; the stepping delay reverses that order.
	want := []int64{zec(t, "0.25"), zec(t, "1"), zec(t, "1"), zec(t, "5")}
	assert.Equal(t, want, w.sends)
}

func TestProcessWithdrawals_UndeterminedOutcomeNeverResent(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "100"))
	w.deferNth[1] = true
	svc := newPayoutService(store, w).WithMinPoolSize(1)
	ctx := context.Background()

	receipt := scheduleDueWithdrawal(t, store, "src-limbo", "1", "0.1")

	// The operation outlives the poll budget, so the entry fails with its
	// outcome still open.
	summary, err := svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, w.sendCount())

	withdrawalSvc := service.NewWithdrawalService(store)
	status, err := withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	require.Len(t, status.Entries, 1)
	require.NotNil(t, status.Entries[0].OperationID)

	// Requeue must hold off while the operation is still executing.
	svc = newPayoutService(store, w).WithMinPoolSize(1).WithRequeueFailed(true)
	_, err = svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, w.sendCount())

	status, err = withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusFailed, status.Entries[0].Status)

	// Once the first send turns out to have landed on chain, the entry is
	// finalized with that txid instead of being paid a second time.
	w.setOpStatus("op-1", wallet.OperationStatus{Status: wallet.OpStatusSuccess, TxID: "txid-late"})
	_, err = svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, w.sendCount())

	status, err = withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, status.Payment.Status)
	require.NotNil(t, status.Entries[0].TxID)
	assert.Equal(t, "txid-late", *status.Entries[0].TxID)
}

func TestProcessWithdrawals_UndeterminedOutcomeRequeuedOnceConfirmedFailed(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "100"))
	w.deferNth[1] = true
	svc := newPayoutService(store, w).WithMinPoolSize(1)
	ctx := context.Background()

	receipt := scheduleDueWithdrawal(t, store, "src-limbo-retry", "1", "0.1")

	summary, err := svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	// The node confirms the first send failed, so a retry is safe. The requeue
	// schedule derives from the injected clock, not the wall clock.
	frozen := time.Now().Add(-2 * time.Hour)
	w.setOpStatus("op-1", wallet.OperationStatus{Status: wallet.OpStatusFailed, Error: "tx expired"})
	svc = newPayoutService(store, w).
		WithMinPoolSize(1).
		WithRequeueFailed(true).
		WithDelayFn(fixedDelay(-time.Minute)).
		WithClock(func() time.Time { return frozen })
	summary, err = svc.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, w.sendCount())

	withdrawalSvc := service.NewWithdrawalService(store)
	status, err := withdrawalSvc.WithdrawalStatus(ctx, receipt.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, status.Payment.Status)
	require.Len(t, status.Entries, 1)
	assert.WithinDuration(t, frozen.Add(-time.Minute), status.Entries[0].ScheduledFor, time.Minute)
}

func TestPayoutStatus_ReportsQueueDepth(t *testing.T) {
	store := newTestStore(t)
	w := newScriptedWallet(zec(t, "42"))
	svc := newPayoutService(store, w)
	ctx := context.Background()

	scheduleDueWithdrawal(t, store, "src-depth", "10", "7.3")

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.ChainSynced)
	assert.Equal(t, zec(t, "42"), status.WalletBalance.Available)
	assert.EqualValues(t, 4, status.PendingEntries)
	assert.EqualValues(t, 4, status.DueEntries)
	assert.Equal(t, 3, status.MinPoolSize)
}
