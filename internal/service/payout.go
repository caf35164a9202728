package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/observability"
	"github.com/sableintel/humint-escrow/internal/repository"
	"github.com/sableintel/humint-escrow/internal/wallet"
	"go.uber.org/zap"
)

// PayoutService executes due withdrawal queue entries against the shielded
// wallet. Entries are processed strictly sequentially with jitter between
// sends; parallelizing them would defeat the timing-obfuscation goal.
type PayoutService struct {
	store  QueryStore
	wallet wallet.Wallet

	batchSize     int32
	minPoolSize   int
	jitterFn      JitterFn
	delayFn       DelayFn
	now           func() time.Time
	requeueFailed bool
	pollInterval  time.Duration
	maxPolls      int
}

func NewPayoutService(store QueryStore, w wallet.Wallet) *PayoutService {
	return &PayoutService{
		store:        store,
		wallet:       w,
		batchSize:    10,
		minPoolSize:  3,
		jitterFn:     DefaultJitter,
		delayFn:      DefaultDelay,
		now:          time.Now,
		pollInterval: 2 * time.Second,
		maxPolls:     30,
	}
}

// WithBatchSize caps how many due entries one run may touch.
func (s *PayoutService) WithBatchSize(n int32) *PayoutService {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithMinPoolSize sets the anonymity gate: runs with fewer due entries than
// this perform zero sends.
func (s *PayoutService) WithMinPoolSize(n int) *PayoutService {
	if n > 0 {
		s.minPoolSize = n
	}
	return s
}

// WithJitterFn replaces the inter-send jitter generator (tests).
func (s *PayoutService) WithJitterFn(fn JitterFn) *PayoutService {
	if fn != nil {
		s.jitterFn = fn
	}
	return s
}

// WithDelayFn replaces the requeue delay generator (tests).
func (s *PayoutService) WithDelayFn(fn DelayFn) *PayoutService {
	if fn != nil {
		s.delayFn = fn
	}
	return s
}

// WithClock replaces the time source (tests).
func (s *PayoutService) WithClock(now func() time.Time) *PayoutService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithRequeueFailed enables automatic requeue of failed entries with a fresh
// random delay at the start of each run. Off by default: failed entries wait
// for operator inspection.
func (s *PayoutService) WithRequeueFailed(enabled bool) *PayoutService {
	s.requeueFailed = enabled
	return s
}

// WithPollPolicy bounds the operation-status polling loop (tests).
func (s *PayoutService) WithPollPolicy(interval time.Duration, maxPolls int) *PayoutService {
	if interval > 0 {
		s.pollInterval = interval
	}
	if maxPolls > 0 {
		s.maxPolls = maxPolls
	}
	return s
}

// RunSummary reports the outcome of one worker run.
type RunSummary struct {
	Processed int      `json:"processed"` // entries that reached COMPLETED
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"` // released back to pending
	Errors    []string `json:"errors,omitempty"`
}

// ProcessWithdrawals executes one worker cycle. Gate failures
// (models.ErrChainNotReady, models.ErrPoolTooSmall) touch no entries and are
// safe to retry next cycle. Per-entry send failures are recorded on the entry
// and never abort the run.
func (s *PayoutService) ProcessWithdrawals(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{}

	synced, err := s.wallet.ChainSynced(ctx)
	if err != nil {
		return summary, fmt.Errorf("chain readiness check: %w", err)
	}
	if !synced {
		return summary, models.ErrChainNotReady
	}

	if s.requeueFailed {
		if err := s.requeueFailedEntries(ctx); err != nil {
			zap.L().Warn("requeue of failed entries failed", zap.Error(err))
		}
	}

	balance, err := s.wallet.Balance(ctx)
	if err != nil {
		return summary, fmt.Errorf("escrow wallet balance: %w", err)
	}

	claimed, err := s.claimDueEntries(ctx)
	if err != nil {
		return summary, err
	}
	if len(claimed) == 0 {
		return summary, nil
	}

	available := balance.Available
	for i, entry := range claimed {
		if err := ctx.Err(); err != nil {
			s.releaseEntries(context.Background(), claimed[i:], summary)
			return summary, err
		}

		if entry.Denomination > available {
			// Underfunded wallet: release rather than fail so the entry
			// stays eligible once the wallet is topped up.
			s.releaseEntries(ctx, claimed[i:i+1], summary)
			summary.Errors = append(summary.Errors, fmt.Sprintf(
				"entry %s: escrow wallet balance %s below denomination %s",
				entry.ID, domain.FormatZEC(available), domain.FormatZEC(entry.Denomination)))
			continue
		}

		if s.executeEntry(ctx, entry, summary) {
			available -= entry.Denomination
		}

		// Timing obfuscation between consecutive sends.
		if i < len(claimed)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(s.jitterFn()):
			}
		}
	}

	observability.AddPayoutEntriesProcessed(summary.Processed)
	zap.L().Info("payout run finished",
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

// claimDueEntries selects and marks due entries in one transaction, applying
// the anonymity gate before anything is touched.
func (s *PayoutService) claimDueEntries(ctx context.Context) ([]models.WithdrawalQueueEntry, error) {
	var claimed []models.WithdrawalQueueEntry
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		entries, err := qtx.GetDueQueueEntries(ctx, s.batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		if len(entries) < s.minPoolSize {
			// Hard precondition: a lone withdrawal must not stand out.
			observability.IncrementAnonymityGateSkip()
			return models.ErrPoolTooSmall
		}

		for _, entry := range entries {
			rows, err := qtx.MarkQueueEntryProcessing(ctx, repository.ToPgUUID(entry.ID))
			if err != nil {
				return err
			}
			if err := requireExactlyOne(rows, "mark queue entry processing"); err != nil {
				return err
			}
		}
		claimed = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// executeEntry sends one denomination and records the terminal state.
// Returns true when the entry completed.
func (s *PayoutService) executeEntry(ctx context.Context, entry models.WithdrawalQueueEntry, summary *RunSummary) bool {
	memo := fmt.Sprintf("payout:%s", entry.PaymentID)
	opID, err := s.wallet.SendShielded(ctx, entry.RecipientAddress, entry.Denomination, memo)
	if err != nil {
		// Nothing was submitted, so the entry is safe to retry.
		s.failEntry(ctx, entry, "", fmt.Sprintf("shielded send: %v", err), summary)
		return false
	}

	status, err := wallet.WaitForOperation(ctx, s.wallet, opID, s.pollInterval, s.maxPolls)
	if err != nil {
		// The send was submitted but its outcome is unknown; it may still land
		// on chain. Record the operation id so the entry is never re-sent
		// before the operation is confirmed failed.
		s.failEntry(ctx, entry, opID, fmt.Sprintf("operation %s: %v", opID, err), summary)
		return false
	}
	if status.Status != wallet.OpStatusSuccess {
		msg := status.Error
		if msg == "" {
			msg = fmt.Sprintf("operation %s finished with status %s", opID, status.Status)
		}
		s.failEntry(ctx, entry, "", msg, summary)
		return false
	}

	err = s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		rows, err := qtx.MarkQueueEntryCompleted(ctx, repository.MarkQueueEntryCompletedParams{
			ID:   repository.ToPgUUID(entry.ID),
			TxID: status.TxID,
		})
		if err != nil {
			return err
		}
		if err := requireExactlyOne(rows, "mark queue entry completed"); err != nil {
			return err
		}
		return syncPaymentStatus(ctx, qtx, entry.PaymentID)
	})
	if err != nil {
		// The chain transaction went through; surface the bookkeeping gap
		// loudly instead of retrying the send.
		zap.L().Error("entry completed on chain but local finalization failed",
			zap.Error(err),
			zap.String("entry_id", entry.ID.String()),
			zap.String("txid", status.TxID),
		)
		summary.Errors = append(summary.Errors, fmt.Sprintf("entry %s: finalization: %v", entry.ID, err))
		return true
	}

	summary.Processed++
	zap.L().Info("denomination paid out",
		zap.String("entry_id", entry.ID.String()),
		zap.String("payment_id", entry.PaymentID.String()),
		zap.String("denomination", domain.FormatZEC(entry.Denomination)),
		zap.String("txid", status.TxID),
	)
	return true
}

// failEntry records a terminal failure. A non-empty opID marks the failure as
// undetermined: the submitted operation may still succeed on chain.
func (s *PayoutService) failEntry(ctx context.Context, entry models.WithdrawalQueueEntry, opID, reason string, summary *RunSummary) {
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		rows, err := qtx.MarkQueueEntryFailed(ctx, repository.MarkQueueEntryFailedParams{
			ID:           repository.ToPgUUID(entry.ID),
			ErrorMessage: reason,
			OperationID:  opID,
		})
		if err != nil {
			return err
		}
		if err := requireExactlyOne(rows, "mark queue entry failed"); err != nil {
			return err
		}
		return syncPaymentStatus(ctx, qtx, entry.PaymentID)
	})
	if err != nil {
		zap.L().Error("failed to record entry failure", zap.Error(err), zap.String("entry_id", entry.ID.String()))
	}

	summary.Failed++
	summary.Errors = append(summary.Errors, fmt.Sprintf("entry %s: %s", entry.ID, reason))
	observability.IncrementPayoutEntryFailure()
	zap.L().Warn("payout entry failed",
		zap.String("entry_id", entry.ID.String()),
		zap.String("payment_id", entry.PaymentID.String()),
		zap.String("reason", reason),
	)
}

func (s *PayoutService) releaseEntries(ctx context.Context, entries []models.WithdrawalQueueEntry, summary *RunSummary) {
	for _, entry := range entries {
		if _, err := s.store.Queries().ReleaseQueueEntry(ctx, repository.ToPgUUID(entry.ID)); err != nil {
			zap.L().Error("failed to release claimed entry", zap.Error(err), zap.String("entry_id", entry.ID.String()))
			continue
		}
		summary.Skipped++
	}
}

// requeueFailedEntries returns failed entries to the queue with a fresh
// schedule. An entry carrying an operation id was failed without a definitive
// wallet verdict, so the operation is re-checked first: a send that actually
// landed on chain is finalized instead of requeued, and an operation still in
// flight leaves the entry untouched. Requeueing blindly there would pay the
// denomination twice.
func (s *PayoutService) requeueFailedEntries(ctx context.Context) error {
	failed, err := s.store.Queries().ListFailedEntries(ctx, s.batchSize)
	if err != nil {
		return err
	}
	for _, entry := range failed {
		if entry.OperationID != nil {
			status, err := s.wallet.OperationStatus(ctx, *entry.OperationID)
			if err != nil {
				zap.L().Warn("operation recheck failed, leaving entry failed",
					zap.Error(err),
					zap.String("entry_id", entry.ID.String()),
					zap.String("operation_id", *entry.OperationID),
				)
				continue
			}
			if status.Status == wallet.OpStatusSuccess {
				if err := s.resolveEntryCompleted(ctx, entry, status.TxID); err != nil {
					return err
				}
				continue
			}
			if !status.Terminal() {
				continue
			}
		}
		if err := s.requeueEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// resolveEntryCompleted finalizes a failed entry whose submitted operation
// turned out to have succeeded.
func (s *PayoutService) resolveEntryCompleted(ctx context.Context, entry models.WithdrawalQueueEntry, txid string) error {
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		rows, err := qtx.ResolveFailedEntryCompleted(ctx, repository.ToPgUUID(entry.ID), txid)
		if err != nil {
			return err
		}
		if err := requireExactlyOne(rows, "resolve failed entry completed"); err != nil {
			return err
		}
		return syncPaymentStatus(ctx, qtx, entry.PaymentID)
	})
	if err != nil {
		return err
	}
	zap.L().Info("failed entry resolved as completed on chain",
		zap.String("entry_id", entry.ID.String()),
		zap.String("payment_id", entry.PaymentID.String()),
		zap.String("txid", txid),
	)
	return nil
}

func (s *PayoutService) requeueEntry(ctx context.Context, entry models.WithdrawalQueueEntry) error {
	return s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		scheduledFor := s.now().Add(s.delayFn())
		rows, err := qtx.RequeueFailedEntry(ctx, repository.ToPgUUID(entry.ID),
			repository.ToPgTimestamptz(scheduledFor))
		if err != nil {
			return err
		}
		if err := requireExactlyOne(rows, "requeue failed entry"); err != nil {
			return err
		}
		return syncPaymentStatus(ctx, qtx, entry.PaymentID)
	})
}

// PayoutStatus is a read-only operational snapshot.
type PayoutStatus struct {
	ChainSynced    bool           `json:"chain_synced"`
	WalletBalance  wallet.Balance `json:"wallet_balance"`
	PendingEntries int64          `json:"pending_entries"`
	DueEntries     int64          `json:"due_entries"`
	MinPoolSize    int            `json:"min_pool_size"`
}

// Status reports chain readiness, wallet balance and queue depth without
// touching any state.
func (s *PayoutService) Status(ctx context.Context) (*PayoutStatus, error) {
	status := &PayoutStatus{MinPoolSize: s.minPoolSize}

	synced, err := s.wallet.ChainSynced(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain readiness check: %w", err)
	}
	status.ChainSynced = synced

	balance, err := s.wallet.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow wallet balance: %w", err)
	}
	status.WalletBalance = balance

	queries := s.store.Queries()
	if status.PendingEntries, err = queries.CountQueueEntriesByStatus(ctx, domain.EntryStatusPending); err != nil {
		return nil, err
	}
	if status.DueEntries, err = queries.CountDueQueueEntries(ctx); err != nil {
		return nil, err
	}
	observability.SetQueueDepth(domain.EntryStatusPending, status.PendingEntries)
	return status, nil
}
