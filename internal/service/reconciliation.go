package service

import (
	"context"
	"fmt"

	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/observability"
	"go.uber.org/zap"
)

// ReconciliationService verifies escrow ledger integrity invariants.
type ReconciliationService struct {
	store QueryStore
}

func NewReconciliationService(store QueryStore) *ReconciliationService {
	return &ReconciliationService{store: store}
}

// Run checks that every balance row satisfies
// balance == total_earned - total_withdrawn and matches its latest
// balance_after ledger snapshot.
func (s *ReconciliationService) Run(ctx context.Context) error {
	queries := s.store.Queries()

	imbalances, err := queries.ListEscrowImbalances(ctx)
	if err != nil {
		return fmt.Errorf("load escrow imbalances: %w", err)
	}
	for _, im := range imbalances {
		observability.IncrementLedgerImbalance(im.SourceID)
		zap.L().Error("CRITICAL: escrow balance invariant violated",
			zap.String("source_id", im.SourceID),
			zap.String("balance", domain.FormatZEC(im.Balance)),
			zap.String("total_earned", domain.FormatZEC(im.TotalEarned)),
			zap.String("total_withdrawn", domain.FormatZEC(im.TotalWithdrawn)),
		)
	}

	drift, err := queries.ListLedgerDrift(ctx)
	if err != nil {
		return fmt.Errorf("load ledger drift: %w", err)
	}
	for _, d := range drift {
		observability.IncrementLedgerImbalance(d.SourceID)
		zap.L().Error("CRITICAL: balance diverged from ledger snapshot",
			zap.String("source_id", d.SourceID),
			zap.String("balance", domain.FormatZEC(d.Balance)),
			zap.String("latest_balance_after", domain.FormatZEC(d.LatestBalanceAfter)),
		)
	}

	if len(imbalances) == 0 && len(drift) == 0 {
		zap.L().Info("escrow ledger balanced")
	}
	return nil
}
