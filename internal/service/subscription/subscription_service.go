// internal/service/subscription/subscription_service.go
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	"github.com/smart-kids/graph-sub000/internal/domain/subscription"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"

	"go.uber.org/zap"
)

const DefaultPeriod = 30 * 24 * time.Hour

type SubscriptionService struct {
	repo   subscription.Repository
	period time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewSubscriptionService(repo subscription.Repository, period time.Duration, logger *zap.Logger) *SubscriptionService {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &SubscriptionService{
		repo:   repo,
		period: period,
		now:    time.Now,
		logger: logger,
	}
}

// ActivateFromPayment grants the payment's subject one subscription period.
// A period still running is extended rather than overlapped. Calling it again
// for the same payment is a no-op.
func (s *SubscriptionService) ActivateFromPayment(ctx context.Context, tx *payment.Transaction) error {
	if tx.SubjectUserID == nil {
		s.logger.Info("payment has no subject user, nothing to activate", zap.String("transaction_id", tx.ID))
		return nil
	}
	if tx.Status != payment.StatusCompleted {
		return fmt.Errorf("cannot activate from payment %s in status %s", tx.ID, tx.Status)
	}

	now := s.now()
	start := now
	current, err := s.repo.LatestActive(ctx, *tx.SubjectUserID, now)
	switch {
	case err == nil && current.PaymentTransactionID != tx.ID && current.ExpiresAt.After(start):
		start = current.ExpiresAt
	case err != nil && !errors.Is(err, xerrors.ErrNotFound):
		return fmt.Errorf("failed to look up current subscription: %w", err)
	}

	sub := &subscription.Subscription{
		UserID:               *tx.SubjectUserID,
		SchoolID:             tx.SchoolID,
		PaymentTransactionID: tx.ID,
		Amount:               tx.Amount,
		Status:               subscription.SubscriptionStatusActive,
		StartsAt:             start,
		ExpiresAt:            start.Add(s.period),
	}

	created, err := s.repo.CreateForPayment(ctx, sub)
	if err != nil {
		return err
	}
	if !created {
		s.logger.Info("subscription already granted for payment", zap.String("transaction_id", tx.ID))
		return nil
	}

	s.logger.Info("subscription activated",
		zap.String("transaction_id", tx.ID),
		zap.Int64("user_id", sub.UserID),
		zap.Time("expires_at", sub.ExpiresAt),
	)
	return nil
}
