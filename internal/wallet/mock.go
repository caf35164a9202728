package wallet

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sableintel/humint-escrow/internal/domain"
)

// MockWallet simulates a shielded node for local runs and tests. Sends take a
// short random delay before their operation flips to success, and fail with
// probability FailureRate.
type MockWallet struct {
	// FailureRate is the probability a send fails (0.0 to 1.0).
	FailureRate float64
	// Synced controls the chain readiness gate.
	Synced bool
	// SendDelay is how long an operation stays executing. Zero means
	// operations complete on the first status poll.
	SendDelay time.Duration

	mu        sync.Mutex
	available int64
	ops       map[string]mockOp
	seq       int
}

type mockOp struct {
	completesAt time.Time
	txid        string
	failed      bool
}

// NewMockWallet creates a synced mock holding the given balance.
func NewMockWallet(available int64) *MockWallet {
	return &MockWallet{
		Synced:    true,
		available: available,
		ops:       map[string]mockOp{},
	}
}

func (m *MockWallet) Balance(ctx context.Context) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Balance{Available: m.available}, nil
}

func (m *MockWallet) SendShielded(ctx context.Context, toAddress string, amount int64, memo string) (string, error) {
	if !ValidShieldedAddress(toAddress) {
		return "", fmt.Errorf("invalid shielded address %q", toAddress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if amount > m.available {
		return "", fmt.Errorf("insufficient wallet balance: have %s, need %s",
			domain.FormatZEC(m.available), domain.FormatZEC(amount))
	}

	m.seq++
	opID := fmt.Sprintf("opid-mock-%d", m.seq)
	op := mockOp{completesAt: time.Now().Add(m.SendDelay)}
	if rand.Float64() < m.FailureRate {
		op.failed = true
	} else {
		m.available -= amount
		op.txid = fmt.Sprintf("mocktx%016x", rand.Int63())
	}
	m.ops[opID] = op
	return opID, nil
}

func (m *MockWallet) OperationStatus(ctx context.Context, operationID string) (OperationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok {
		return OperationStatus{}, fmt.Errorf("operation %s not found", operationID)
	}
	if time.Now().Before(op.completesAt) {
		return OperationStatus{ID: operationID, Status: OpStatusExecuting}, nil
	}
	if op.failed {
		return OperationStatus{ID: operationID, Status: OpStatusFailed, Error: "mock send failure"}, nil
	}
	return OperationStatus{ID: operationID, Status: OpStatusSuccess, TxID: op.txid}, nil
}

func (m *MockWallet) ChainSynced(ctx context.Context) (bool, error) {
	return m.Synced, nil
}
