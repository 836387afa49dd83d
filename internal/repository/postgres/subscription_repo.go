// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/subscription"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

var _ subscription.Repository = (*SubscriptionRepository)(nil)

// CreateForPayment is keyed by payment_transaction_id so settling the same
// payment twice never grants access twice.
func (r *SubscriptionRepository) CreateForPayment(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	query := `
		INSERT INTO subscriptions (
			user_id, school_id, payment_transaction_id, amount, status, starts_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_transaction_id) DO NOTHING
		RETURNING id, created_at
	`

	err := r.db.QueryRow(
		ctx, query,
		sub.UserID, sub.SchoolID, sub.PaymentTransactionID, sub.Amount, sub.Status, sub.StartsAt, sub.ExpiresAt,
	).Scan(&sub.ID, &sub.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create subscription: %w", err)
	}
	return true, nil
}

// LatestActive returns the subscription that runs furthest into the future.
func (r *SubscriptionRepository) LatestActive(ctx context.Context, userID int64, now time.Time) (*subscription.Subscription, error) {
	query := `
		SELECT id, user_id, school_id, payment_transaction_id, amount, status, starts_at, expires_at, created_at
		FROM subscriptions
		WHERE user_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY expires_at DESC
		LIMIT 1
	`

	var s subscription.Subscription
	err := r.db.QueryRow(ctx, query, userID, subscription.SubscriptionStatusActive, now).Scan(
		&s.ID, &s.UserID, &s.SchoolID, &s.PaymentTransactionID, &s.Amount,
		&s.Status, &s.StartsAt, &s.ExpiresAt, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active subscription: %w", err)
	}
	return &s, nil
}
