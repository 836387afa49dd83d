// internal/domain/payment/dto.go
package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type InitiateInput struct {
	// TransactionID lets the caller retry an initiation without creating a
	// second payment. Generated when empty.
	TransactionID    string          `json:"transaction_id"`
	Amount           decimal.Decimal `json:"amount"`
	Phone            string          `json:"phone" binding:"required"`
	SubjectUserID    *int64          `json:"subject_user_id"`
	SchoolID         *int64          `json:"school_id"`
	AccountReference string          `json:"account_reference" binding:"omitempty,max=12"`
	Description      string          `json:"description" binding:"omitempty,max=13"`
}

type InitiationResult struct {
	TransactionID     string `json:"transaction_id"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	Status            Status `json:"status"`
	Message           string `json:"message"`
	// Existing is set when the id was already known and no new push was sent.
	Existing bool `json:"existing"`
}

type CallbackAction string

const (
	CallbackApplied  CallbackAction = "applied"
	CallbackIgnored  CallbackAction = "ignored"
	CallbackRejected CallbackAction = "rejected"

	// CallbackBackfilled means the record was already COMPLETED without a
	// receipt and the callback supplied it. Nothing is settled again.
	CallbackBackfilled CallbackAction = "backfilled"
)

type CallbackOutcome struct {
	TransactionID string         `json:"transaction_id"`
	Action        CallbackAction `json:"action"`
	Status        Status         `json:"status"`
	ResultCode    string         `json:"result_code,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Settled       bool           `json:"settled"`
}

type VerificationResult struct {
	TransactionID     string `json:"transaction_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Status            Status `json:"status"`
	ResultCode        string `json:"result_code"`
	ResultMessage     string `json:"result_message"`
	// Final is false while the provider still reports the payment as in progress.
	Final bool `json:"final"`
}

type ReconcileOutcome struct {
	TransactionID string `json:"transaction_id"`
	Previous      Status `json:"previous"`
	Status        Status `json:"status"`
	Changed       bool   `json:"changed"`
	Reason        string `json:"reason,omitempty"`
}

type ReconcileSummary struct {
	Scanned  int                `json:"scanned"`
	Changed  int                `json:"changed"`
	Errors   int                `json:"errors"`
	Outcomes []ReconcileOutcome `json:"outcomes"`
}

type ListFilters struct {
	Statuses        []Status   `form:"status"`
	SubjectUserID   *int64     `form:"subject_user_id"`
	SchoolID        *int64     `form:"school_id"`
	PayerPhone      string     `form:"phone"`
	DateFrom        *time.Time `form:"date_from" time_format:"2006-01-02"`
	DateTo          *time.Time `form:"date_to" time_format:"2006-01-02"`
	IncludeArchived bool       `form:"include_archived"`
	Page            int        `form:"page"`
	PageSize        int        `form:"page_size" binding:"omitempty,max=100"`
	SortOrder       string     `form:"sort_order" binding:"omitempty,oneof=asc desc"`
}

type ListResponse struct {
	Transactions []Transaction `json:"transactions"`
	Total        int64         `json:"total"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	TotalPages   int           `json:"total_pages"`
}
