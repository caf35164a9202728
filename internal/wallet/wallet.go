// Package wallet wraps a zcashd-style shielded node RPC. Everything here is
// treated as a slow, failure-prone network boundary; callers carry contexts
// and the client enforces per-call timeouts.
package wallet

import (
	"context"
	"strings"
)

// Operation states reported by z_getoperationstatus.
const (
	OpStatusQueued    = "queued"
	OpStatusExecuting = "executing"
	OpStatusSuccess   = "success"
	OpStatusFailed    = "failed"
)

// Balance is the escrow wallet's shielded balance in zatoshis.
type Balance struct {
	Available int64 `json:"available"` // confirmed, spendable
	Pending   int64 `json:"pending"`   // awaiting confirmations
}

// OperationStatus is the state of one asynchronous shielded send.
type OperationStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	TxID   string `json:"txid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether the operation has finished, either way.
func (s OperationStatus) Terminal() bool {
	return s.Status == OpStatusSuccess || s.Status == OpStatusFailed
}

// Wallet is the payout backend capability. The scheduler and worker only ever
// talk to this interface, keeping them agnostic of the concrete rail.
type Wallet interface {
	// Balance returns confirmed and unconfirmed shielded balances.
	Balance(ctx context.Context) (Balance, error)
	// SendShielded submits one shielded payment and returns an operation id;
	// the transaction itself completes asynchronously.
	SendShielded(ctx context.Context, toAddress string, amount int64, memo string) (string, error)
	// OperationStatus polls one async operation.
	OperationStatus(ctx context.Context, operationID string) (OperationStatus, error)
	// ChainSynced reports whether the node has caught up with the chain tip.
	ChainSynced(ctx context.Context) (bool, error)
}

const (
	saplingPrefix    = "zs1"
	saplingLength    = 78
	unifiedPrefix    = "u1"
	unifiedMinLength = 100
	unifiedMaxLength = 512
	bech32Charset    = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

// ValidShieldedAddress checks the syntactic shape of a shielded payment
// address: sapling (zs1..., fixed 78 chars) or unified (u1...). It does not
// verify the checksum; the node rejects garbage at send time.
func ValidShieldedAddress(addr string) bool {
	if addr != strings.ToLower(addr) {
		return false
	}
	switch {
	case strings.HasPrefix(addr, saplingPrefix):
		return len(addr) == saplingLength && validCharset(addr[len(saplingPrefix):])
	case strings.HasPrefix(addr, unifiedPrefix):
		return len(addr) >= unifiedMinLength && len(addr) <= unifiedMaxLength &&
			validCharset(addr[len(unifiedPrefix):])
	default:
		return false
	}
}

func validCharset(data string) bool {
	for _, c := range data {
		if !strings.ContainsRune(bech32Charset, c) {
			return false
		}
	}
	return true
}
