// internal/domain/payment/repository.go
package payment

import (
	"context"
	"time"
)

type Repository interface {
	// Transactions
	CreateIfAbsent(ctx context.Context, tx *Transaction) (created bool, err error)
	FindByID(ctx context.Context, id string) (*Transaction, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Transaction, error)

	// UpdateWhere applies patch only while the record is still in status
	// expected. It reports how many rows changed (0 or 1).
	UpdateWhere(ctx context.Context, id string, expected Status, patch *Patch) (int64, error)

	// BackfillReceipt writes the receipt of a COMPLETED record that has none
	// yet. It reports how many rows changed (0 or 1) and never changes status.
	BackfillReceipt(ctx context.Context, id string, fill *ReceiptBackfill) (int64, error)

	// AttachProviderRefs records provider correlation ids once; later calls
	// do not overwrite them.
	AttachProviderRefs(ctx context.Context, id, merchantRequestID, checkoutRequestID string, entries ...MetadataEntry) error

	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)
	List(ctx context.Context, filters *ListFilters) ([]Transaction, int64, error)
	GetStats(ctx context.Context, filters *ListFilters) (*TransactionStats, error)

	// Callback receipts
	SaveCallbackReceipt(ctx context.Context, receipt *CallbackReceipt) error
	MarkCallbackReceiptProcessed(ctx context.Context, id string, outcome string) error
	ListUnprocessedCallbackReceipts(ctx context.Context, olderThan time.Time, limit int) ([]CallbackReceipt, error)
}
