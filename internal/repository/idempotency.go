package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// IdempotencyKeyRow mirrors the idempotency_keys table. in_progress rows have
// been reserved but not yet finalized with a response.
type IdempotencyKeyRow struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	InProgress     bool
	CreatedAt      pgtype.Timestamptz
}

const idempotencyColumns = `idempotency_key, request_hash, method, path, response_status, response_body, content_type, in_progress, created_at`

func scanIdempotencyKey(row interface{ Scan(dest ...any) error }) (IdempotencyKeyRow, error) {
	var r IdempotencyKeyRow
	err := row.Scan(&r.IdempotencyKey, &r.RequestHash, &r.Method, &r.Path,
		&r.ResponseStatus, &r.ResponseBody, &r.ContentType, &r.InProgress, &r.CreatedAt)
	return r, err
}

func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKeyRow, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE idempotency_key = $1`, key)
	return scanIdempotencyKey(row)
}

type ReserveIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
}

// ReserveIdempotencyKey claims a key for the current request. Returns
// pgx.ErrNoRows when the key already exists (caller decides replay vs wait).
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (IdempotencyKeyRow, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path, response_status, response_body, content_type, in_progress, created_at)
		VALUES ($1, $2, $3, $4, 0, NULL, '', TRUE, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+idempotencyColumns,
		arg.IdempotencyKey, arg.RequestHash, arg.Method, arg.Path)
	return scanIdempotencyKey(row)
}

type FinalizeIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
}

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKeyRow, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE idempotency_keys
		SET response_status = $3, response_body = $4, content_type = $5, in_progress = FALSE
		WHERE idempotency_key = $1 AND request_hash = $2
		RETURNING `+idempotencyColumns,
		arg.IdempotencyKey, arg.RequestHash, arg.ResponseStatus, arg.ResponseBody, arg.ContentType)
	return scanIdempotencyKey(row)
}

// DeleteExpiredIdempotencyKeys prunes rows older than the retention window.
func (q *Queries) DeleteExpiredIdempotencyKeys(ctx context.Context, before pgtype.Timestamptz) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
