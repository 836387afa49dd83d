// internal/domain/subscription/entity.go
package subscription

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "active"
	SubscriptionStatusExpired SubscriptionStatus = "expired"
)

// Subscription is the account access a completed payment buys. There is at
// most one per payment.
type Subscription struct {
	ID                   int64              `json:"id" db:"id"`
	UserID               int64              `json:"user_id" db:"user_id"`
	SchoolID             *int64             `json:"school_id,omitempty" db:"school_id"`
	PaymentTransactionID string             `json:"payment_transaction_id" db:"payment_transaction_id"`
	Amount               decimal.Decimal    `json:"amount" db:"amount"`
	Status               SubscriptionStatus `json:"status" db:"status"`
	StartsAt             time.Time          `json:"starts_at" db:"starts_at"`
	ExpiresAt            time.Time          `json:"expires_at" db:"expires_at"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
}

type Repository interface {
	// CreateForPayment inserts sub unless one already exists for its payment.
	CreateForPayment(ctx context.Context, sub *Subscription) (created bool, err error)
	LatestActive(ctx context.Context, userID int64, now time.Time) (*Subscription, error)
}
