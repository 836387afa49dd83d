// internal/service/payment/reconcile.go
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	"github.com/smart-kids/graph-sub000/internal/pkg/metrics"

	"go.uber.org/zap"
)

const (
	DefaultReconcileBatch = 100
	// receiptGrace keeps replay away from receipts the pool is still working on.
	receiptGrace = time.Minute
)

// Reconcile verifies a PENDING transaction with the provider and, when the
// provider has a final answer, applies it through the same conditional update
// the callback uses. Whichever of the two lands first wins.
func (s *PaymentService) Reconcile(ctx context.Context, transactionID string) (*payment.ReconcileOutcome, error) {
	txn, err := s.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, txn)
}

func (s *PaymentService) reconcile(ctx context.Context, txn *payment.Transaction) (*payment.ReconcileOutcome, error) {
	out := &payment.ReconcileOutcome{
		TransactionID: txn.ID,
		Previous:      txn.Status,
		Status:        txn.Status,
	}
	if txn.Status != payment.StatusPending {
		out.Reason = "already terminal"
		return out, nil
	}

	checkout := txn.CheckoutRequestID()
	if checkout == "" {
		out.Reason = "no checkout request id"
		return out, nil
	}

	res, err := s.Verify(ctx, checkout)
	if err != nil {
		out.Reason = "verification failed"
		return out, err
	}
	if !res.Final {
		out.Reason = "provider still processing"
		return out, nil
	}

	now := s.now()
	status := res.Status
	entry := payment.NewMetadataEntry(payment.MetadataReconciliation, res, now)
	patch := &payment.Patch{
		Status:         &status,
		ResultCode:     &res.ResultCode,
		ResultMessage:  &res.ResultMessage,
		AppendMetadata: &entry,
	}
	if status == payment.StatusCompleted {
		patch.CompletedAt = &now
	}

	changed, err := s.transition(ctx, txn, patch, "reconcile")
	if err != nil {
		out.Reason = "update failed"
		return out, err
	}
	if !changed {
		out.Reason = "already settled by callback"
		if fresh, ferr := s.repo.FindByID(ctx, txn.ID); ferr == nil {
			out.Status = fresh.Status
		}
		return out, nil
	}

	out.Status = txn.Status
	out.Changed = true
	return out, nil
}

// transition applies patch while txn is PENDING and runs the post-transition
// side effects when it wins.
func (s *PaymentService) transition(ctx context.Context, txn *payment.Transaction, patch *payment.Patch, source string) (bool, error) {
	n, err := s.repo.UpdateWhere(ctx, txn.ID, payment.StatusPending, patch)
	if err != nil {
		return false, fmt.Errorf("failed to update transaction %s: %w", txn.ID, err)
	}
	if n == 0 {
		return false, nil
	}
	patch.Apply(txn, s.now())
	metrics.TransitionsTotal.WithLabelValues(string(txn.Status), source).Inc()
	s.logger.Info("transaction transitioned",
		zap.String("transaction_id", txn.ID),
		zap.String("status", string(txn.Status)),
		zap.String("source", source))

	s.afterTransition(ctx, txn)
	return true, nil
}

// ReconcileStale sweeps PENDING records older than olderThan. Records that
// never got a checkout id were lost between create and push and are failed
// outright.
func (s *PaymentService) ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (*payment.ReconcileSummary, error) {
	if limit <= 0 {
		limit = DefaultReconcileBatch
	}
	txns, err := s.repo.ListStale(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}

	summary := &payment.ReconcileSummary{Outcomes: make([]payment.ReconcileOutcome, 0, len(txns))}
	for i := range txns {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		txn := &txns[i]
		summary.Scanned++

		var out *payment.ReconcileOutcome
		if txn.CheckoutRequestID() == "" {
			out, err = s.expireUninitiated(ctx, txn)
		} else {
			out, err = s.reconcile(ctx, txn)
		}
		if err != nil {
			summary.Errors++
			s.logger.Warn("reconcile failed",
				zap.String("transaction_id", txn.ID),
				zap.Error(err))
		}
		if out == nil {
			continue
		}
		if out.Changed {
			summary.Changed++
		}
		summary.Outcomes = append(summary.Outcomes, *out)
	}
	return summary, nil
}

func (s *PaymentService) expireUninitiated(ctx context.Context, txn *payment.Transaction) (*payment.ReconcileOutcome, error) {
	status := payment.StatusFailedOnInitiation
	code := "initiation_incomplete"
	message := "initiation did not complete"
	entry := payment.NewMetadataEntry(payment.MetadataReconciliation, map[string]string{
		"code":    code,
		"message": message,
	}, s.now())

	out := &payment.ReconcileOutcome{TransactionID: txn.ID, Previous: txn.Status, Status: txn.Status}
	changed, err := s.transition(ctx, txn, &payment.Patch{
		Status:         &status,
		ResultCode:     &code,
		ResultMessage:  &message,
		AppendMetadata: &entry,
	}, "reconcile")
	if err != nil {
		return out, err
	}
	out.Changed = changed
	out.Status = txn.Status
	out.Reason = message
	return out, nil
}

// ReplayReceipts re-applies callback receipts that were stored but never
// marked processed. It returns how many were replayed.
func (s *PaymentService) ReplayReceipts(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultReconcileBatch
	}
	if olderThan < receiptGrace {
		olderThan = receiptGrace
	}
	receipts, err := s.repo.ListUnprocessedCallbackReceipts(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list callback receipts: %w", err)
	}

	replayed := 0
	for i := range receipts {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		s.applyReceipt(ctx, &receipts[i], true)
		replayed++
	}
	if replayed > 0 {
		s.logger.Info("callback receipts replayed", zap.Int("count", replayed))
	}
	return replayed, nil
}

// RunScheduler replays receipts and reconciles stale transactions every
// interval until ctx is done.
func (s *PaymentService) RunScheduler(ctx context.Context, interval, staleAfter time.Duration) {
	if interval <= 0 {
		s.logger.Info("reconciliation scheduler disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, staleAfter)
		}
	}
}

func (s *PaymentService) runOnce(ctx context.Context, staleAfter time.Duration) {
	if _, err := s.ReplayReceipts(ctx, receiptGrace, DefaultReconcileBatch); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("receipt replay failed", zap.Error(err))
	}

	summary, err := s.ReconcileStale(ctx, staleAfter, DefaultReconcileBatch)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("stale reconciliation failed", zap.Error(err))
		}
		return
	}
	if summary.Scanned > 0 {
		s.logger.Info("stale reconciliation finished",
			zap.Int("scanned", summary.Scanned),
			zap.Int("changed", summary.Changed),
			zap.Int("errors", summary.Errors))
	}
}
