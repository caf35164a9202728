package wallet

import (
	"context"
	"fmt"
	"time"
)

// WaitForOperation polls an async operation until it reaches a terminal
// state, giving up after maxAttempts polls. A stuck operation fails the
// caller's entry instead of blocking the worker forever.
func WaitForOperation(ctx context.Context, w Wallet, operationID string, interval time.Duration, maxAttempts int) (OperationStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 30
	}

	var last OperationStatus
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, err := w.OperationStatus(ctx, operationID)
		if err != nil {
			return last, fmt.Errorf("poll operation %s: %w", operationID, err)
		}
		last = status
		if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
	return last, fmt.Errorf("operation %s still %s after %d polls", operationID, last.Status, maxAttempts)
}
