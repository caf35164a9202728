package domain

const (
	// Escrow transaction types.
	TxTypeCredit = "credit"
	TxTypeDebit  = "debit"

	// Reference types recorded on ledger entries.
	RefTypeBounty       = "bounty"
	RefTypeTip          = "tip"
	RefTypeSubscription = "subscription"
	RefTypeWithdrawal   = "withdrawal"

	// Payment (parent withdrawal) statuses.
	PaymentStatusPending    = "PENDING"
	PaymentStatusScheduled  = "SCHEDULED"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusSuccess    = "SUCCESS"
	PaymentStatusFailed     = "FAILED"

	// Withdrawal queue entry statuses.
	EntryStatusPending    = "PENDING"
	EntryStatusProcessing = "PROCESSING"
	EntryStatusCompleted  = "COMPLETED"
	EntryStatusFailed     = "FAILED"

	// RecipientChainZcash is the only payout rail currently wired.
	RecipientChainZcash = "zcash"
)
