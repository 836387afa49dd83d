// internal/repository/postgres/payment_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

const transactionColumns = `
	id, status, amount, requested_amount, payer_phone,
	provider_merchant_request_id, provider_checkout_request_id,
	provider_receipt_number, provider_transaction_date,
	subject_user_id, school_id, account_reference, description,
	result_code, result_message, metadata, is_archived,
	completed_at, created_at, updated_at`

type PaymentRepository struct {
	db *pgxpool.Pool
}

func NewPaymentRepository(db *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{db: db}
}

var _ payment.Repository = (*PaymentRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*payment.Transaction, error) {
	var t payment.Transaction
	var metadataJSON []byte

	err := row.Scan(
		&t.ID, &t.Status, &t.Amount, &t.RequestedAmount, &t.PayerPhone,
		&t.ProviderMerchantRequestID, &t.ProviderCheckoutRequestID,
		&t.ProviderReceiptNumber, &t.ProviderTransactionDate,
		&t.SubjectUserID, &t.SchoolID, &t.AccountReference, &t.Description,
		&t.ResultCode, &t.ResultMessage, &metadataJSON, &t.IsArchived,
		&t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// CreateIfAbsent inserts tx unless a record with the same id exists. When it
// exists, tx is left untouched and created is false.
func (r *PaymentRepository) CreateIfAbsent(ctx context.Context, tx *payment.Transaction) (bool, error) {
	metadata := tx.Metadata
	if metadata == nil {
		metadata = []payment.MetadataEntry{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO payment_transactions (
			id, status, amount, requested_amount, payer_phone,
			subject_user_id, school_id, account_reference, description, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(
		ctx, query,
		tx.ID, tx.Status, tx.Amount, tx.RequestedAmount, tx.PayerPhone,
		tx.SubjectUserID, tx.SchoolID, tx.AccountReference, tx.Description, string(metadataJSON),
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create payment transaction: %w", err)
	}
	return true, nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*payment.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE id = $1`

	t, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment transaction: %w", err)
	}
	return t, nil
}

func (r *PaymentRepository) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*payment.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE provider_checkout_request_id = $1`

	t, err := scanTransaction(r.db.QueryRow(ctx, query, checkoutRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment transaction by checkout id: %w", err)
	}
	return t, nil
}

// UpdateWhere is the only write path for status changes. The status guard in
// the WHERE clause makes concurrent callers race safely: exactly one of them
// sees a row affected.
func (r *PaymentRepository) UpdateWhere(ctx context.Context, id string, expected payment.Status, patch *payment.Patch) (int64, error) {
	query, args, err := buildConditionalUpdate(id, expected, patch)
	if err != nil {
		return 0, err
	}

	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, xerrors.Wrap(xerrors.ErrConflict, "checkout request id already belongs to another transaction")
		}
		return 0, fmt.Errorf("failed to update payment transaction: %w", err)
	}
	return result.RowsAffected(), nil
}

// BackfillReceipt stores the receipt of a COMPLETED transaction that was
// settled without one. It never changes the status, and only the first
// receipt sticks.
func (r *PaymentRepository) BackfillReceipt(ctx context.Context, id string, fill *payment.ReceiptBackfill) (int64, error) {
	query, args, err := buildReceiptBackfill(id, fill)
	if err != nil {
		return 0, err
	}

	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill receipt: %w", err)
	}
	return result.RowsAffected(), nil
}

// buildConditionalUpdate renders the guarded UPDATE for patch. $1 is the id
// and $2 the expected status; patch values follow in column order.
func buildConditionalUpdate(id string, expected payment.Status, patch *payment.Patch) (string, []interface{}, error) {
	u := newUpdateBuilder(id, expected)

	if patch.Status != nil {
		u.set("status", *patch.Status)
	}
	if patch.Amount != nil {
		u.set("amount", *patch.Amount)
	}
	if patch.ProviderMerchantRequestID != nil {
		u.setOnce("provider_merchant_request_id", *patch.ProviderMerchantRequestID)
	}
	if patch.ProviderCheckoutRequestID != nil {
		u.setOnce("provider_checkout_request_id", *patch.ProviderCheckoutRequestID)
	}
	if patch.ProviderReceiptNumber != nil {
		u.set("provider_receipt_number", *patch.ProviderReceiptNumber)
	}
	if patch.ProviderTransactionDate != nil {
		u.set("provider_transaction_date", *patch.ProviderTransactionDate)
	}
	if patch.ResultCode != nil {
		u.set("result_code", *patch.ResultCode)
	}
	if patch.ResultMessage != nil {
		u.set("result_message", *patch.ResultMessage)
	}
	if patch.CompletedAt != nil {
		u.set("completed_at", *patch.CompletedAt)
	}
	if patch.AppendMetadata != nil {
		if err := u.appendMetadata(patch.AppendMetadata); err != nil {
			return "", nil, err
		}
	}

	return u.query("status = $2"), u.args, nil
}

// buildReceiptBackfill renders the receipt write for an already COMPLETED
// row. $2 carries the COMPLETED status.
func buildReceiptBackfill(id string, fill *payment.ReceiptBackfill) (string, []interface{}, error) {
	u := newUpdateBuilder(id, payment.StatusCompleted)

	u.set("provider_receipt_number", fill.ReceiptNumber)
	if fill.Amount != nil {
		u.set("amount", *fill.Amount)
	}
	if fill.TransactionDate != nil {
		u.set("provider_transaction_date", *fill.TransactionDate)
	}
	if err := u.appendMetadata(&fill.Metadata); err != nil {
		return "", nil, err
	}

	return u.query("status = $2 AND provider_receipt_number IS NULL"), u.args, nil
}

type updateBuilder struct {
	sets []string
	args []interface{}
}

func newUpdateBuilder(id string, status payment.Status) *updateBuilder {
	return &updateBuilder{
		sets: []string{"updated_at = NOW()"},
		args: []interface{}{id, status},
	}
}

func (u *updateBuilder) next(value interface{}) int {
	u.args = append(u.args, value)
	return len(u.args)
}

func (u *updateBuilder) set(column string, value interface{}) {
	u.sets = append(u.sets, fmt.Sprintf("%s = $%d", column, u.next(value)))
}

// setOnce keeps the first non-null value of a write-once column.
func (u *updateBuilder) setOnce(column string, value interface{}) {
	u.sets = append(u.sets, fmt.Sprintf("%s = COALESCE(%s, $%d)", column, column, u.next(value)))
}

func (u *updateBuilder) appendMetadata(entry *payment.MetadataEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata entry: %w", err)
	}
	u.sets = append(u.sets, fmt.Sprintf("metadata = COALESCE(metadata, '[]'::jsonb) || jsonb_build_array($%d::jsonb)", u.next(string(entryJSON))))
	return nil
}

func (u *updateBuilder) query(guard string) string {
	return fmt.Sprintf(`UPDATE payment_transactions SET %s WHERE id = $1 AND %s`, strings.Join(u.sets, ", "), guard)
}

func (r *PaymentRepository) AttachProviderRefs(ctx context.Context, id, merchantRequestID, checkoutRequestID string, entries ...payment.MetadataEntry) error {
	if entries == nil {
		entries = []payment.MetadataEntry{}
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE payment_transactions
		SET provider_merchant_request_id = COALESCE(provider_merchant_request_id, NULLIF($2, '')),
		    provider_checkout_request_id = COALESCE(provider_checkout_request_id, NULLIF($3, '')),
		    metadata = COALESCE(metadata, '[]'::jsonb) || $4::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, id, merchantRequestID, checkoutRequestID, string(entriesJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.Wrap(xerrors.ErrConflict, "checkout request id already belongs to another transaction")
		}
		return fmt.Errorf("failed to attach provider references: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// ListStale returns PENDING transactions created before olderThan, oldest first.
func (r *PaymentRepository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]payment.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, payment.StatusPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (r *PaymentRepository) List(ctx context.Context, filters *payment.ListFilters) ([]payment.Transaction, int64, error) {
	whereClause, args, argPos := buildFilters(filters)

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM payment_transactions WHERE %s", whereClause)
	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	// Pagination
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize < 1 {
		filters.PageSize = 20
	}
	offset := (filters.Page - 1) * filters.PageSize

	sortOrder := "DESC"
	if strings.EqualFold(filters.SortOrder, "asc") {
		sortOrder = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM payment_transactions
		WHERE %s
		ORDER BY created_at %s
		LIMIT $%d OFFSET $%d
	`, transactionColumns, whereClause, sortOrder, argPos, argPos+1)
	args = append(args, filters.PageSize, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (r *PaymentRepository) GetStats(ctx context.Context, filters *payment.ListFilters) (*payment.TransactionStats, error) {
	whereClause, args, _ := buildFilters(filters)

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) AS total,
			COUNT(CASE WHEN status = 'PENDING' THEN 1 END) AS pending,
			COUNT(CASE WHEN status = 'COMPLETED' THEN 1 END) AS completed,
			COUNT(CASE WHEN status = 'CANCELLED' THEN 1 END) AS cancelled,
			COUNT(CASE WHEN status IN ('FAILED', 'FAILED_ON_INITIATION', 'FAILED_ON_CALLBACK') THEN 1 END) AS failed,
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN amount ELSE 0 END), 0) AS completed_value
		FROM payment_transactions
		WHERE %s
	`, whereClause)

	var stats payment.TransactionStats
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Completed,
		&stats.Cancelled,
		&stats.Failed,
		&stats.CompletedValue,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	if finished := stats.Total - stats.Pending; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished) * 100
	}
	return &stats, nil
}

func (r *PaymentRepository) SaveCallbackReceipt(ctx context.Context, receipt *payment.CallbackReceipt) error {
	query := `
		INSERT INTO payment_callback_receipts (id, transaction_id, body, received_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.Exec(ctx, query, receipt.ID, receipt.TransactionID, receipt.Body, receipt.ReceivedAt); err != nil {
		return fmt.Errorf("failed to save callback receipt: %w", err)
	}
	return nil
}

func (r *PaymentRepository) MarkCallbackReceiptProcessed(ctx context.Context, id string, outcome string) error {
	query := `
		UPDATE payment_callback_receipts
		SET processed_at = NOW(), outcome = $2
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, outcome)
	if err != nil {
		return fmt.Errorf("failed to mark callback receipt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

func (r *PaymentRepository) ListUnprocessedCallbackReceipts(ctx context.Context, olderThan time.Time, limit int) ([]payment.CallbackReceipt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, transaction_id, body, received_at, processed_at, outcome
		FROM payment_callback_receipts
		WHERE processed_at IS NULL AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list callback receipts: %w", err)
	}
	defer rows.Close()

	receipts := []payment.CallbackReceipt{}
	for rows.Next() {
		var rc payment.CallbackReceipt
		if err := rows.Scan(&rc.ID, &rc.TransactionID, &rc.Body, &rc.ReceivedAt, &rc.ProcessedAt, &rc.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan callback receipt: %w", err)
		}
		receipts = append(receipts, rc)
	}
	return receipts, rows.Err()
}

func collectTransactions(rows pgx.Rows) ([]payment.Transaction, error) {
	txs := []payment.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func buildFilters(filters *payment.ListFilters) (string, []interface{}, int) {
	conditions := []string{"1 = 1"}
	args := []interface{}{}
	argPos := 1

	if filters == nil {
		return conditions[0], args, argPos
	}

	if len(filters.Statuses) > 0 {
		statuses := lo.Map(filters.Statuses, func(s payment.Status, _ int) string { return string(s) })
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argPos))
		args = append(args, pq.Array(statuses))
		argPos++
	}

	if filters.SubjectUserID != nil {
		conditions = append(conditions, fmt.Sprintf("subject_user_id = $%d", argPos))
		args = append(args, *filters.SubjectUserID)
		argPos++
	}

	if filters.SchoolID != nil {
		conditions = append(conditions, fmt.Sprintf("school_id = $%d", argPos))
		args = append(args, *filters.SchoolID)
		argPos++
	}

	if filters.PayerPhone != "" {
		conditions = append(conditions, fmt.Sprintf("payer_phone = $%d", argPos))
		args = append(args, filters.PayerPhone)
		argPos++
	}

	if filters.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argPos))
		args = append(args, *filters.DateFrom)
		argPos++
	}

	if filters.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argPos))
		args = append(args, filters.DateTo.AddDate(0, 0, 1))
		argPos++
	}

	if !filters.IncludeArchived {
		conditions = append(conditions, "is_archived = FALSE")
	}

	return strings.Join(conditions, " AND "), args, argPos
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
