// internal/domain/payment/entity.go
package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending            Status = "PENDING"
	StatusCompleted          Status = "COMPLETED"
	StatusCancelled          Status = "CANCELLED"
	StatusFailed             Status = "FAILED"
	StatusFailedOnInitiation Status = "FAILED_ON_INITIATION"
	StatusFailedOnCallback   Status = "FAILED_ON_CALLBACK"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusFailedOnInitiation, StatusFailedOnCallback:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CanTransition checks a status change against the lifecycle: PENDING may move
// to any terminal status, terminal statuses never move.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

type MetadataKind string

const (
	MetadataInitiationRequest  MetadataKind = "initiation_request"
	MetadataInitiationResponse MetadataKind = "initiation_response"
	MetadataInitiationError    MetadataKind = "initiation_error"
	MetadataCallback           MetadataKind = "callback"
	MetadataVerification       MetadataKind = "verification"
	MetadataReconciliation     MetadataKind = "reconciliation"
)

// MetadataEntry is one request/response snapshot in a transaction's audit log.
type MetadataEntry struct {
	Kind       MetadataKind    `json:"kind"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewMetadataEntry marshals payload into an entry. Raw JSON passes through
// untouched; anything that fails to marshal is recorded as an error string.
func NewMetadataEntry(kind MetadataKind, payload any, now time.Time) MetadataEntry {
	entry := MetadataEntry{Kind: kind, RecordedAt: now.UTC()}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		if json.Valid(p) {
			entry.Payload = p
		} else {
			entry.Payload, _ = json.Marshal(map[string]string{"raw": string(p)})
		}
	case []byte:
		if json.Valid(p) {
			entry.Payload = json.RawMessage(p)
		} else {
			entry.Payload, _ = json.Marshal(map[string]string{"raw": string(p)})
		}
	default:
		b, err := json.Marshal(p)
		if err != nil {
			b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
		}
		entry.Payload = b
	}
	return entry
}

type Transaction struct {
	ID     string `json:"id" db:"id"`
	Status Status `json:"status" db:"status"`

	// Amount is authoritative once the provider confirms it; RequestedAmount is
	// what the client asked for.
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	RequestedAmount decimal.Decimal `json:"requested_amount" db:"requested_amount"`
	PayerPhone      string          `json:"payer_phone" db:"payer_phone"`

	ProviderMerchantRequestID *string    `json:"provider_merchant_request_id,omitempty" db:"provider_merchant_request_id"`
	ProviderCheckoutRequestID *string    `json:"provider_checkout_request_id,omitempty" db:"provider_checkout_request_id"`
	ProviderReceiptNumber     *string    `json:"provider_receipt_number,omitempty" db:"provider_receipt_number"`
	ProviderTransactionDate   *time.Time `json:"provider_transaction_date,omitempty" db:"provider_transaction_date"`

	SubjectUserID    *int64 `json:"subject_user_id,omitempty" db:"subject_user_id"`
	SchoolID         *int64 `json:"school_id,omitempty" db:"school_id"`
	AccountReference string `json:"account_reference" db:"account_reference"`
	Description      string `json:"description" db:"description"`

	ResultCode    *string `json:"result_code,omitempty" db:"result_code"`
	ResultMessage *string `json:"result_message,omitempty" db:"result_message"`

	Metadata []MetadataEntry `json:"metadata,omitempty" db:"metadata"`

	IsArchived  bool       `json:"is_archived" db:"is_archived"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// CheckoutRequestID returns the provider checkout id or "".
func (t *Transaction) CheckoutRequestID() string {
	if t.ProviderCheckoutRequestID == nil {
		return ""
	}
	return *t.ProviderCheckoutRequestID
}

// Patch is the set of columns a conditional update may write. Nil fields are
// left unchanged.
type Patch struct {
	Status                    *Status
	Amount                    *decimal.Decimal
	ProviderMerchantRequestID *string
	ProviderCheckoutRequestID *string
	ProviderReceiptNumber     *string
	ProviderTransactionDate   *time.Time
	ResultCode                *string
	ResultMessage             *string
	CompletedAt               *time.Time
	AppendMetadata            *MetadataEntry
}

// Apply writes the patch onto t in memory, mirroring what the store does in SQL.
func (p *Patch) Apply(t *Transaction, now time.Time) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.ProviderMerchantRequestID != nil {
		t.ProviderMerchantRequestID = p.ProviderMerchantRequestID
	}
	if p.ProviderCheckoutRequestID != nil {
		t.ProviderCheckoutRequestID = p.ProviderCheckoutRequestID
	}
	if p.ProviderReceiptNumber != nil {
		t.ProviderReceiptNumber = p.ProviderReceiptNumber
	}
	if p.ProviderTransactionDate != nil {
		t.ProviderTransactionDate = p.ProviderTransactionDate
	}
	if p.ResultCode != nil {
		t.ResultCode = p.ResultCode
	}
	if p.ResultMessage != nil {
		t.ResultMessage = p.ResultMessage
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.AppendMetadata != nil {
		t.Metadata = append(t.Metadata, *p.AppendMetadata)
	}
	t.UpdatedAt = now
}

// ReceiptBackfill is the proof of payment a late success callback brings for
// a record the reconciler already completed.
type ReceiptBackfill struct {
	ReceiptNumber   string
	Amount          *decimal.Decimal
	TransactionDate *time.Time
	Metadata        MetadataEntry
}

// Apply mirrors the store write onto t.
func (f *ReceiptBackfill) Apply(t *Transaction, now time.Time) {
	receipt := f.ReceiptNumber
	t.ProviderReceiptNumber = &receipt
	if f.Amount != nil {
		t.Amount = *f.Amount
	}
	if f.TransactionDate != nil {
		t.ProviderTransactionDate = f.TransactionDate
	}
	t.Metadata = append(t.Metadata, f.Metadata)
	t.UpdatedAt = now
}

// CallbackReceipt is the raw webhook body as it arrived, persisted before any
// business logic runs.
type CallbackReceipt struct {
	ID            string     `json:"id" db:"id"`
	TransactionID string     `json:"transaction_id" db:"transaction_id"`
	Body          []byte     `json:"-" db:"body"`
	ReceivedAt    time.Time  `json:"received_at" db:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	Outcome       *string    `json:"outcome,omitempty" db:"outcome"`
}

type TransactionStats struct {
	Total          int64           `json:"total"`
	Pending        int64           `json:"pending"`
	Completed      int64           `json:"completed"`
	Cancelled      int64           `json:"cancelled"`
	Failed         int64           `json:"failed"`
	CompletedValue decimal.Decimal `json:"completed_value"`
	SuccessRate    float64         `json:"success_rate"`
}
