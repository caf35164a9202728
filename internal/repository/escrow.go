package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sableintel/humint-escrow/internal/models"
)

const escrowBalanceColumns = `source_id, balance, total_earned, total_withdrawn, created_at, updated_at`

func scanEscrowBalance(row interface{ Scan(dest ...any) error }) (models.EscrowBalance, error) {
	var b models.EscrowBalance
	var createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(&b.SourceID, &b.Balance, &b.TotalEarned, &b.TotalWithdrawn, &createdAt, &updatedAt); err != nil {
		return models.EscrowBalance{}, err
	}
	b.CreatedAt = createdAt.Time
	b.UpdatedAt = updatedAt.Time
	return b, nil
}

// GetEscrowBalance reads a balance row without locking it.
func (q *Queries) GetEscrowBalance(ctx context.Context, sourceID string) (models.EscrowBalance, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+escrowBalanceColumns+` FROM escrow_balances WHERE source_id = $1`,
		sourceID)
	return scanEscrowBalance(row)
}

// EnsureEscrowBalance creates a zero-valued balance row if none exists yet.
func (q *Queries) EnsureEscrowBalance(ctx context.Context, sourceID string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO escrow_balances (source_id, balance, total_earned, total_withdrawn, created_at, updated_at)
		VALUES ($1, 0, 0, 0, NOW(), NOW())
		ON CONFLICT (source_id) DO NOTHING`,
		sourceID)
	if err != nil {
		return fmt.Errorf("ensure escrow balance: %w", err)
	}
	return nil
}

// GetEscrowBalanceForUpdate locks the balance row for the duration of the
// enclosing transaction, serializing all mutations for the source.
func (q *Queries) GetEscrowBalanceForUpdate(ctx context.Context, sourceID string) (models.EscrowBalance, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+escrowBalanceColumns+` FROM escrow_balances WHERE source_id = $1 FOR UPDATE`,
		sourceID)
	return scanEscrowBalance(row)
}

type ApplyEscrowCreditParams struct {
	SourceID string
	Amount   int64
}

// ApplyEscrowCredit increments balance and total_earned, returning the row.
func (q *Queries) ApplyEscrowCredit(ctx context.Context, arg ApplyEscrowCreditParams) (models.EscrowBalance, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE escrow_balances
		SET balance = balance + $2, total_earned = total_earned + $2, updated_at = NOW()
		WHERE source_id = $1
		RETURNING `+escrowBalanceColumns,
		arg.SourceID, arg.Amount)
	return scanEscrowBalance(row)
}

type ApplyEscrowDebitParams struct {
	SourceID string
	Amount   int64
}

// ApplyEscrowDebit decrements balance and increments total_withdrawn. The
// balance check constraint guards against races the row lock should already
// have prevented.
func (q *Queries) ApplyEscrowDebit(ctx context.Context, arg ApplyEscrowDebitParams) (models.EscrowBalance, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE escrow_balances
		SET balance = balance - $2, total_withdrawn = total_withdrawn + $2, updated_at = NOW()
		WHERE source_id = $1 AND balance >= $2
		RETURNING `+escrowBalanceColumns,
		arg.SourceID, arg.Amount)
	return scanEscrowBalance(row)
}

type InsertEscrowTransactionParams struct {
	ID            pgtype.UUID
	SourceID      string
	Type          string
	Amount        int64
	ReferenceType string
	ReferenceID   string
	BalanceAfter  int64
	Note          string
}

// InsertEscrowTransaction appends one immutable ledger entry.
func (q *Queries) InsertEscrowTransaction(ctx context.Context, arg InsertEscrowTransactionParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO escrow_transactions (id, source_id, type, amount, reference_type, reference_id, balance_after, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		arg.ID, arg.SourceID, arg.Type, arg.Amount, arg.ReferenceType, arg.ReferenceID, arg.BalanceAfter, arg.Note)
	if err != nil {
		return fmt.Errorf("insert escrow transaction: %w", err)
	}
	return nil
}

type ListEscrowTransactionsParams struct {
	SourceID string
	Limit    int32
	Offset   int32
}

// ListEscrowTransactions returns ledger entries newest first.
func (q *Queries) ListEscrowTransactions(ctx context.Context, arg ListEscrowTransactionsParams) ([]models.EscrowTransaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, source_id, type, amount, reference_type, reference_id, balance_after, note, created_at
		FROM escrow_transactions
		WHERE source_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		arg.SourceID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, fmt.Errorf("list escrow transactions: %w", err)
	}
	defer rows.Close()

	var out []models.EscrowTransaction
	for rows.Next() {
		var tx models.EscrowTransaction
		var id pgtype.UUID
		var createdAt pgtype.Timestamptz
		if err := rows.Scan(&id, &tx.SourceID, &tx.Type, &tx.Amount, &tx.ReferenceType, &tx.ReferenceID, &tx.BalanceAfter, &tx.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("scan escrow transaction: %w", err)
		}
		tx.ID = FromPgUUID(id)
		tx.CreatedAt = createdAt.Time
		out = append(out, tx)
	}
	return out, rows.Err()
}

// EscrowImbalance reports a source whose stored balance diverged from its
// lifetime counters.
type EscrowImbalance struct {
	SourceID       string
	Balance        int64
	TotalEarned    int64
	TotalWithdrawn int64
}

// ListEscrowImbalances finds balance rows violating
// balance == total_earned - total_withdrawn or balance < 0.
func (q *Queries) ListEscrowImbalances(ctx context.Context) ([]EscrowImbalance, error) {
	rows, err := q.db.Query(ctx, `
		SELECT source_id, balance, total_earned, total_withdrawn
		FROM escrow_balances
		WHERE balance <> total_earned - total_withdrawn OR balance < 0`)
	if err != nil {
		return nil, fmt.Errorf("list escrow imbalances: %w", err)
	}
	defer rows.Close()

	var out []EscrowImbalance
	for rows.Next() {
		var im EscrowImbalance
		if err := rows.Scan(&im.SourceID, &im.Balance, &im.TotalEarned, &im.TotalWithdrawn); err != nil {
			return nil, fmt.Errorf("scan escrow imbalance: %w", err)
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

// LedgerDrift reports a source whose latest balance_after snapshot does not
// match the live balance row.
type LedgerDrift struct {
	SourceID           string
	Balance            int64
	LatestBalanceAfter int64
}

// ListLedgerDrift compares each balance against the most recent ledger
// snapshot for the same source.
func (q *Queries) ListLedgerDrift(ctx context.Context) ([]LedgerDrift, error) {
	rows, err := q.db.Query(ctx, `
		SELECT b.source_id, b.balance, t.balance_after
		FROM escrow_balances b
		JOIN LATERAL (
			SELECT balance_after
			FROM escrow_transactions
			WHERE source_id = b.source_id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) t ON TRUE
		WHERE b.balance <> t.balance_after`)
	if err != nil {
		return nil, fmt.Errorf("list ledger drift: %w", err)
	}
	defer rows.Close()

	var out []LedgerDrift
	for rows.Next() {
		var d LedgerDrift
		if err := rows.Scan(&d.SourceID, &d.Balance, &d.LatestBalanceAfter); err != nil {
			return nil, fmt.Errorf("scan ledger drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
