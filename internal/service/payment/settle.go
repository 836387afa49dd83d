// internal/service/payment/settle.go
package payment

import (
	"context"
	"fmt"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
	"github.com/smart-kids/graph-sub000/internal/events"
	"github.com/smart-kids/graph-sub000/internal/pkg/metrics"
	"github.com/smart-kids/graph-sub000/internal/pkg/phone"

	"go.uber.org/zap"
)

// afterTransition runs once per transaction, right after the winning
// conditional update. Completed payments are settled; other terminal states
// are only announced.
func (s *PaymentService) afterTransition(ctx context.Context, txn *payment.Transaction) {
	ctx, cancel := detached(ctx, sideEffectTimeout)
	defer cancel()

	if txn.Status == payment.StatusCompleted {
		s.settle(ctx, txn)
	}
	s.announce(ctx, txn)
}

// settle credits the payer and sends the confirmations. The money has already
// moved, so every step only logs its failure.
func (s *PaymentService) settle(ctx context.Context, txn *payment.Transaction) {
	log := s.logger.With(zap.String("transaction_id", txn.ID))

	if s.activator != nil {
		if err := s.activator.ActivateFromPayment(ctx, txn); err != nil {
			s.sideEffectFailed(log, "activation", err)
		}
	}

	if s.notifier == nil {
		return
	}
	amount := txn.Amount.StringFixed(2)
	payerMsg := fmt.Sprintf("Payment of KES %s received. Thank you.", amount)
	opsMsg := fmt.Sprintf("Payment %s: KES %s from %s, receipt pending.", txn.ID, amount, phone.Mask(txn.PayerPhone))
	// Reconciled payments settle before the receipt number is known.
	if txn.ProviderReceiptNumber != nil {
		receipt := *txn.ProviderReceiptNumber
		payerMsg = fmt.Sprintf("Payment of KES %s received. M-Pesa receipt %s. Thank you.", amount, receipt)
		opsMsg = fmt.Sprintf("Payment %s: KES %s from %s, receipt %s.", txn.ID, amount, phone.Mask(txn.PayerPhone), receipt)
	}

	if err := s.notifier.Notify(ctx, txn.PayerPhone, payerMsg); err != nil {
		s.sideEffectFailed(log, "sms_payer", err)
	}

	if s.cfg.OpsPhone != "" {
		if err := s.notifier.Notify(ctx, s.cfg.OpsPhone, opsMsg); err != nil {
			s.sideEffectFailed(log, "sms_ops", err)
		}
	}
}

// announce pushes the new status to connected clients and publishes the event.
func (s *PaymentService) announce(ctx context.Context, txn *payment.Transaction) {
	log := s.logger.With(zap.String("transaction_id", txn.ID))

	if s.pusher != nil {
		if err := s.pusher.PushPaymentStatus(txn.SubjectUserID, wstypes.NewPaymentStatusData(txn)); err != nil {
			s.sideEffectFailed(log, "push", err)
		}
	}

	event := events.PaymentEvent{
		Type:              eventType(txn.Status),
		TransactionID:     txn.ID,
		Status:            string(txn.Status),
		Amount:            txn.Amount.StringFixed(2),
		SubjectUserID:     txn.SubjectUserID,
		SchoolID:          txn.SchoolID,
		CheckoutRequestID: txn.CheckoutRequestID(),
		OccurredAt:        txn.UpdatedAt,
	}
	if txn.ProviderReceiptNumber != nil {
		event.ReceiptNumber = *txn.ProviderReceiptNumber
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.sideEffectFailed(log, "event", err)
	}
}

func (s *PaymentService) sideEffectFailed(log *zap.Logger, effect string, err error) {
	metrics.SideEffectFailures.WithLabelValues(effect).Inc()
	log.Error("post-settlement side effect failed", zap.String("effect", effect), zap.Error(err))
}

func eventType(status payment.Status) string {
	switch status {
	case payment.StatusCompleted:
		return events.TypePaymentCompleted
	case payment.StatusCancelled:
		return events.TypePaymentCancelled
	default:
		return events.TypePaymentFailed
	}
}
