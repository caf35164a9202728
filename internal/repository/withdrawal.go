package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sableintel/humint-escrow/internal/models"
)

type InsertPaymentParams struct {
	ID               pgtype.UUID
	SourceID         string
	Amount           int64
	Reason           string
	RecipientAddress string
	RecipientChain   string
	Status           string
}

func (q *Queries) InsertPayment(ctx context.Context, arg InsertPaymentParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (id, source_id, amount, reason, recipient_address, recipient_chain, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		arg.ID, arg.SourceID, arg.Amount, arg.Reason, arg.RecipientAddress, arg.RecipientChain, arg.Status)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, source_id, amount, reason, recipient_address, recipient_chain, status, created_at, updated_at`

func scanPayment(row interface{ Scan(dest ...any) error }) (models.Payment, error) {
	var p models.Payment
	var id pgtype.UUID
	var createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(&id, &p.SourceID, &p.Amount, &p.Reason, &p.RecipientAddress, &p.RecipientChain, &p.Status, &createdAt, &updatedAt); err != nil {
		return models.Payment{}, err
	}
	p.ID = FromPgUUID(id)
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time
	return p, nil
}

func (q *Queries) GetPayment(ctx context.Context, id pgtype.UUID) (models.Payment, error) {
	row := q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

type UpdatePaymentStatusParams struct {
	Status string
	ID     pgtype.UUID
}

func (q *Queries) UpdatePaymentStatus(ctx context.Context, arg UpdatePaymentStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2`,
		arg.Status, arg.ID)
	if err != nil {
		return 0, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountActiveQueueEntriesForSource counts queue entries that are not yet
// terminal. Used under the source's balance row lock to enforce one in-flight
// withdrawal per source.
func (q *Queries) CountActiveQueueEntriesForSource(ctx context.Context, sourceID string) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM withdrawal_queue
		WHERE source_id = $1 AND status IN ('PENDING', 'PROCESSING')`,
		sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active queue entries: %w", err)
	}
	return count, nil
}

type InsertQueueEntryParams struct {
	ID               pgtype.UUID
	PaymentID        pgtype.UUID
	SourceID         string
	Denomination     int64
	RecipientAddress string
	ScheduledFor     pgtype.Timestamptz
	Status           string
}

func (q *Queries) InsertQueueEntry(ctx context.Context, arg InsertQueueEntryParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO withdrawal_queue (id, payment_id, source_id, denomination, recipient_address, queued_at, scheduled_for, status)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6, $7)`,
		arg.ID, arg.PaymentID, arg.SourceID, arg.Denomination, arg.RecipientAddress, arg.ScheduledFor, arg.Status)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

const queueEntryColumns = `id, payment_id, source_id, denomination, recipient_address, queued_at, scheduled_for, status, operation_id, txid, error_message, processed_at, completed_at`

func scanQueueEntry(row interface{ Scan(dest ...any) error }) (models.WithdrawalQueueEntry, error) {
	var e models.WithdrawalQueueEntry
	var id, paymentID pgtype.UUID
	var queuedAt, scheduledFor pgtype.Timestamptz
	var processedAt, completedAt pgtype.Timestamptz
	if err := row.Scan(&id, &paymentID, &e.SourceID, &e.Denomination, &e.RecipientAddress,
		&queuedAt, &scheduledFor, &e.Status, &e.OperationID, &e.TxID, &e.ErrorMessage, &processedAt, &completedAt); err != nil {
		return models.WithdrawalQueueEntry{}, err
	}
	e.ID = FromPgUUID(id)
	e.PaymentID = FromPgUUID(paymentID)
	e.QueuedAt = queuedAt.Time
	e.ScheduledFor = scheduledFor.Time
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}

func collectQueueEntries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}) ([]models.WithdrawalQueueEntry, error) {
	defer rows.Close()
	var out []models.WithdrawalQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListQueueEntriesByPayment returns all denomination chunks of one payment.
func (q *Queries) ListQueueEntriesByPayment(ctx context.Context, paymentID pgtype.UUID) ([]models.WithdrawalQueueEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+queueEntryColumns+` FROM withdrawal_queue
		WHERE payment_id = $1
		ORDER BY scheduled_for ASC`,
		paymentID)
	if err != nil {
		return nil, fmt.Errorf("list queue entries by payment: %w", err)
	}
	return collectQueueEntries(rows)
}

// GetDueQueueEntries selects due pending entries oldest-scheduled first,
// locking them against concurrent worker runs via SKIP LOCKED.
func (q *Queries) GetDueQueueEntries(ctx context.Context, limit int32) ([]models.WithdrawalQueueEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+queueEntryColumns+` FROM withdrawal_queue
		WHERE status = 'PENDING' AND scheduled_for <= NOW()
		ORDER BY scheduled_for ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("get due queue entries: %w", err)
	}
	return collectQueueEntries(rows)
}

// CountDueQueueEntries counts pending entries whose schedule has passed.
func (q *Queries) CountDueQueueEntries(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM withdrawal_queue
		WHERE status = 'PENDING' AND scheduled_for <= NOW()`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count due queue entries: %w", err)
	}
	return count, nil
}

func (q *Queries) CountQueueEntriesByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM withdrawal_queue WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queue entries by status: %w", err)
	}
	return count, nil
}

func (q *Queries) MarkQueueEntryProcessing(ctx context.Context, id pgtype.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE withdrawal_queue
		SET status = 'PROCESSING', processed_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`,
		id)
	if err != nil {
		return 0, fmt.Errorf("mark queue entry processing: %w", err)
	}
	return tag.RowsAffected(), nil
}

type MarkQueueEntryCompletedParams struct {
	ID   pgtype.UUID
	TxID string
}

func (q *Queries) MarkQueueEntryCompleted(ctx context.Context, arg MarkQueueEntryCompletedParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE withdrawal_queue
		SET status = 'COMPLETED', txid = $2, error_message = NULL, completed_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'`,
		arg.ID, arg.TxID)
	if err != nil {
		return 0, fmt.Errorf("mark queue entry completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseQueueEntry puts a claimed entry back to pending with its original
// schedule, e.g. when a worker run is cancelled mid-batch or the escrow
// wallet is temporarily short.
func (q *Queries) ReleaseQueueEntry(ctx context.Context, id pgtype.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE withdrawal_queue
		SET status = 'PENDING', processed_at = NULL
		WHERE id = $1 AND status = 'PROCESSING'`,
		id)
	if err != nil {
		return 0, fmt.Errorf("release queue entry: %w", err)
	}
	return tag.RowsAffected(), nil
}

type MarkQueueEntryFailedParams struct {
	ID           pgtype.UUID
	ErrorMessage string
	// OperationID, when non-empty, records a submitted wallet operation whose
	// outcome is still undetermined. Such entries must not be requeued until
	// the operation is confirmed failed.
	OperationID string
}

func (q *Queries) MarkQueueEntryFailed(ctx context.Context, arg MarkQueueEntryFailedParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE withdrawal_queue
		SET status = 'FAILED', error_message = $2, operation_id = NULLIF($3, '')
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')`,
		arg.ID, arg.ErrorMessage, arg.OperationID)
	if err != nil {
		return 0, fmt.Errorf("mark queue entry failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueFailedEntry moves one failed entry back to pending with a fresh
// schedule. Used only when failed-entry requeue is enabled, and only once
// there is no submitted wallet operation that could still pay the entry out.
func (q *Queries) RequeueFailedEntry(ctx context.Context, id pgtype.UUID, scheduledFor pgtype.Timestamptz) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE withdrawal_queue
		SET status = 'PENDING', error_message = NULL, operation_id = NULL, processed_at = NULL, scheduled_for = $2
		WHERE id = $1 AND status = 'FAILED'`,
		id, scheduledFor)
	if err != nil {
		return 0, fmt.Errorf("requeue failed entry: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResolveFailedEntryCompleted finalizes an entry that was marked failed with
// an undetermined wallet operation which later turned out to have succeeded
// on chain.
func (q *Queries) ResolveFailedEntryCompleted(ctx context.Context, id pgtype.UUID, txid string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE withdrawal_queue
		SET status = 'COMPLETED', txid = $2, error_message = NULL, completed_at = NOW()
		WHERE id = $1 AND status = 'FAILED'`,
		id, txid)
	if err != nil {
		return 0, fmt.Errorf("resolve failed entry completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFailedEntries returns failed entries for requeue or inspection.
func (q *Queries) ListFailedEntries(ctx context.Context, limit int32) ([]models.WithdrawalQueueEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+queueEntryColumns+` FROM withdrawal_queue
		WHERE status = 'FAILED'
		ORDER BY scheduled_for ASC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list failed entries: %w", err)
	}
	return collectQueueEntries(rows)
}

// QueueStatusCounts aggregates entry states for one payment; the parent
// payment status is derived from these, never set independently.
type QueueStatusCounts struct {
	Total      int64
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
}

func (q *Queries) GetQueueStatusCountsByPayment(ctx context.Context, paymentID pgtype.UUID) (QueueStatusCounts, error) {
	var c QueueStatusCounts
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM withdrawal_queue WHERE payment_id = $1`,
		paymentID).Scan(&c.Total, &c.Pending, &c.Processing, &c.Completed, &c.Failed)
	if err != nil {
		return QueueStatusCounts{}, fmt.Errorf("get queue status counts: %w", err)
	}
	return c, nil
}

// ToPgTimestamptz wraps a time.Time as a valid timestamptz parameter.
func ToPgTimestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}
