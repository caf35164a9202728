package models

import (
	"time"

	"github.com/google/uuid"
)

// EscrowBalance is the withdrawable balance for one HUMINT source. Created
// lazily on first credit, never deleted. At all times
// Balance == TotalEarned - TotalWithdrawn.
type EscrowBalance struct {
	SourceID       string    `json:"source_id"`
	Balance        int64     `json:"balance"`         // zatoshis
	TotalEarned    int64     `json:"total_earned"`    // lifetime, never decreases
	TotalWithdrawn int64     `json:"total_withdrawn"` // lifetime, never decreases
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EscrowTransaction is an append-only ledger entry. Immutable once written.
type EscrowTransaction struct {
	ID            uuid.UUID `json:"id"`
	SourceID      string    `json:"source_id"`
	Type          string    `json:"type"` // "credit" or "debit"
	Amount        int64     `json:"amount"`
	ReferenceType string    `json:"reference_type"` // bounty/tip/subscription/withdrawal
	ReferenceID   string    `json:"reference_id"`
	BalanceAfter  int64     `json:"balance_after"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Payment is the parent record of one withdrawal request. Its status is
// derived from the aggregate state of its queue entries.
type Payment struct {
	ID               uuid.UUID `json:"id"`
	SourceID         string    `json:"source_id"`
	Amount           int64     `json:"amount"` // achieved denomination total
	Reason           string    `json:"reason"`
	RecipientAddress string    `json:"recipient_address"`
	RecipientChain   string    `json:"recipient_chain"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// WithdrawalQueueEntry is one denomination chunk of a withdrawal request.
// Entries belonging to one payment sum to the payment amount.
type WithdrawalQueueEntry struct {
	ID               uuid.UUID  `json:"id"`
	PaymentID        uuid.UUID  `json:"payment_id"`
	SourceID         string     `json:"source_id"`
	Denomination     int64      `json:"denomination"` // zatoshis, one standard value
	RecipientAddress string     `json:"recipient_address"`
	QueuedAt         time.Time  `json:"queued_at"`
	ScheduledFor     time.Time  `json:"scheduled_for"`
	Status           string     `json:"status"`
	OperationID      *string    `json:"-"` // wallet op with an undetermined outcome; node-local, never served
	TxID             *string    `json:"txid,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}
