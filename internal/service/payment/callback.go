// internal/service/payment/callback.go
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
	"github.com/smart-kids/graph-sub000/internal/pkg/metrics"
	"github.com/smart-kids/graph-sub000/internal/pkg/mpesa"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ReceiveCallback is the durable-receipt phase of the webhook: the raw body
// is stored and the apply phase is queued. It never fails; the provider gets
// its acknowledgement regardless of what happens next.
func (s *PaymentService) ReceiveCallback(ctx context.Context, transactionID string, raw []byte) *payment.CallbackReceipt {
	receipt := &payment.CallbackReceipt{
		ID:            ulid.Make().String(),
		TransactionID: transactionID,
		Body:          raw,
		ReceivedAt:    s.now(),
	}

	saved := true
	if err := s.repo.SaveCallbackReceipt(ctx, receipt); err != nil {
		saved = false
		s.logger.Error("failed to persist callback receipt",
			zap.String("transaction_id", transactionID),
			zap.String("receipt_id", receipt.ID),
			zap.Error(err))
	}

	task := func(tctx context.Context) { s.applyReceipt(tctx, receipt, saved) }

	if s.runner == nil {
		go task(context.WithoutCancel(ctx))
		return receipt
	}
	if err := s.runner.Submit(task); err != nil {
		if saved {
			s.logger.Warn("callback queue unavailable, receipt left for replay",
				zap.String("transaction_id", transactionID),
				zap.String("receipt_id", receipt.ID),
				zap.Error(err))
			return receipt
		}
		// Nothing durable to replay from; apply outside the pool.
		go task(context.WithoutCancel(ctx))
	}
	return receipt
}

func (s *PaymentService) applyReceipt(ctx context.Context, receipt *payment.CallbackReceipt, saved bool) {
	outcome, err := s.ApplyCallback(ctx, receipt.TransactionID, receipt.Body)
	label := outcomeLabel(outcome, err)

	if err != nil && !isFinalApplyError(err) {
		// Transient failure (store down): keep the receipt unprocessed so
		// ReplayReceipts picks it up again.
		s.logger.Error("callback apply failed",
			zap.String("transaction_id", receipt.TransactionID),
			zap.String("receipt_id", receipt.ID),
			zap.Error(err))
		return
	}
	if !saved {
		return
	}

	wctx, cancel := detached(ctx, storeWriteTimeout)
	defer cancel()
	if err := s.repo.MarkCallbackReceiptProcessed(wctx, receipt.ID, label); err != nil {
		s.logger.Warn("failed to mark callback receipt processed",
			zap.String("receipt_id", receipt.ID),
			zap.Error(err))
	}
}

// isFinalApplyError reports errors that replaying the same body cannot fix.
func isFinalApplyError(err error) bool {
	return errors.Is(err, xerrors.ErrStaleCallbackIgnored) ||
		errors.Is(err, xerrors.ErrMalformedCallback) ||
		errors.Is(err, xerrors.ErrNotFound) ||
		errors.Is(err, xerrors.ErrConflict)
}

func outcomeLabel(outcome *payment.CallbackOutcome, err error) string {
	switch {
	case outcome != nil && outcome.Action == payment.CallbackApplied:
		return string(payment.CallbackApplied) + ":" + string(outcome.Status)
	case outcome != nil:
		return string(outcome.Action)
	case err != nil:
		return "error"
	}
	return "unknown"
}

// ApplyCallback is the apply phase. It trusts only the transaction id from the
// URL, never creates records, and moves the record out of PENDING through a
// single conditional update. Duplicate and late deliveries come back as
// ErrStaleCallbackIgnored.
func (s *PaymentService) ApplyCallback(ctx context.Context, transactionID string, raw []byte) (*payment.CallbackOutcome, error) {
	log := s.logger.With(zap.String("transaction_id", transactionID))

	cb, err := mpesa.DecodeCallback(raw, s.cfg.Location)
	if err != nil {
		malformed := &xerrors.MalformedCallbackError{TransactionID: transactionID, Reason: "undecodable body", Err: err}
		log.Error("malformed callback", zap.Error(err), zap.ByteString("body", truncate(raw, 2048)))
		return s.rejected(transactionID, malformed.Reason), malformed
	}
	if len(cb.Metadata.Unrecognized) > 0 {
		log.Warn("callback carried unrecognized metadata items", zap.Strings("items", cb.Metadata.Unrecognized))
	}
	if len(cb.Metadata.Invalid) > 0 {
		log.Warn("callback carried unparseable metadata values", zap.Strings("items", cb.Metadata.Invalid))
	}

	txn, err := s.repo.FindByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			log.Error("callback for unknown transaction",
				zap.String("checkout_request_id", cb.CheckoutRequestID),
				zap.String("result_code", cb.ResultCode))
			return s.rejected(transactionID, "unknown transaction"), &xerrors.UnknownTransactionError{Key: "id", Value: transactionID}
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	if known := txn.CheckoutRequestID(); known != "" && known != cb.CheckoutRequestID {
		malformed := &xerrors.MalformedCallbackError{
			TransactionID: transactionID,
			Reason:        fmt.Sprintf("checkout request id %q does not match %q", cb.CheckoutRequestID, known),
		}
		log.Error("callback correlation mismatch", zap.Error(malformed))
		return s.rejected(transactionID, "checkout request id mismatch"), malformed
	}

	if txn.Status == payment.StatusCompleted && txn.ProviderReceiptNumber == nil {
		return s.backfillReceipt(ctx, log, txn, cb, raw)
	}
	if txn.Status != payment.StatusPending {
		return s.ignored(log, txn.ID, txn.Status, cb.ResultCode, "already terminal"), xerrors.ErrStaleCallbackIgnored
	}

	patch := s.callbackPatch(log, txn, cb, raw)
	changed, err := s.transition(ctx, txn, patch, "callback")
	if err != nil {
		return nil, fmt.Errorf("failed to apply callback: %w", err)
	}
	if !changed {
		// Another delivery or the reconciler got there first.
		return s.ignored(log, txn.ID, txn.Status, cb.ResultCode, "lost race"), xerrors.ErrStaleCallbackIgnored
	}
	metrics.CallbacksTotal.WithLabelValues(string(payment.CallbackApplied)).Inc()

	return &payment.CallbackOutcome{
		TransactionID: txn.ID,
		Action:        payment.CallbackApplied,
		Status:        txn.Status,
		ResultCode:    cb.ResultCode,
		Settled:       txn.Status == payment.StatusCompleted,
	}, nil
}

// callbackPatch builds the terminal write for cb. A success without a receipt
// number is not trusted and lands in FAILED_ON_CALLBACK.
func (s *PaymentService) callbackPatch(log *zap.Logger, txn *payment.Transaction, cb *mpesa.Callback, raw []byte) *payment.Patch {
	now := s.now()
	status := s.ClassifyResult(cb.ResultCode)
	code, message := cb.ResultCode, cb.ResultDesc
	entry := payment.NewMetadataEntry(payment.MetadataCallback, raw, now)

	patch := &payment.Patch{
		ResultCode:     &code,
		ResultMessage:  &message,
		AppendMetadata: &entry,
	}
	if txn.CheckoutRequestID() == "" && cb.CheckoutRequestID != "" {
		patch.ProviderCheckoutRequestID = &cb.CheckoutRequestID
	}
	if txn.ProviderMerchantRequestID == nil && cb.MerchantRequestID != "" {
		patch.ProviderMerchantRequestID = &cb.MerchantRequestID
	}

	if status == payment.StatusCompleted && cb.Metadata.ReceiptNumber == "" {
		log.Error("success callback without receipt number")
		status = payment.StatusFailedOnCallback
		message = "success reported without a receipt number: " + message
	}
	if status == payment.StatusCompleted && cb.Metadata.Amount != nil && !cb.Metadata.Amount.IsPositive() {
		log.Error("success callback with non-positive amount", zap.String("amount", cb.Metadata.Amount.String()))
		status = payment.StatusFailedOnCallback
		message = "success reported with amount " + cb.Metadata.Amount.String() + ": " + message
	}

	if status == payment.StatusCompleted {
		receipt := cb.Metadata.ReceiptNumber
		patch.ProviderReceiptNumber = &receipt
		patch.ProviderTransactionDate = cb.Metadata.TransactionDate
		patch.CompletedAt = &now
		if cb.Metadata.Amount != nil {
			if !cb.Metadata.Amount.Equal(txn.RequestedAmount) {
				log.Warn("confirmed amount differs from requested amount",
					zap.String("requested", txn.RequestedAmount.String()),
					zap.String("confirmed", cb.Metadata.Amount.String()))
			}
			patch.Amount = cb.Metadata.Amount
		} else {
			log.Warn("success callback without amount, keeping requested amount")
		}
	}

	patch.Status = &status
	return patch
}

// backfillReceipt handles a success callback for a record the reconciler
// completed before the receipt arrived. The receipt and confirmed amount are
// stored; activation and SMS already ran and are not repeated.
func (s *PaymentService) backfillReceipt(ctx context.Context, log *zap.Logger, txn *payment.Transaction, cb *mpesa.Callback, raw []byte) (*payment.CallbackOutcome, error) {
	if s.ClassifyResult(cb.ResultCode) != payment.StatusCompleted || cb.Metadata.ReceiptNumber == "" {
		log.Warn("non-success callback for a payment completed by reconciliation", zap.String("result_code", cb.ResultCode))
		return s.ignored(log, txn.ID, txn.Status, cb.ResultCode, "already terminal"), xerrors.ErrStaleCallbackIgnored
	}

	now := s.now()
	fill := &payment.ReceiptBackfill{
		ReceiptNumber:   cb.Metadata.ReceiptNumber,
		TransactionDate: cb.Metadata.TransactionDate,
		Metadata:        payment.NewMetadataEntry(payment.MetadataCallback, raw, now),
	}
	if amount := cb.Metadata.Amount; amount != nil && amount.IsPositive() {
		if !amount.Equal(txn.Amount) {
			log.Warn("confirmed amount differs from settled amount",
				zap.String("settled", txn.Amount.String()),
				zap.String("confirmed", amount.String()))
		}
		fill.Amount = amount
	}

	n, err := s.repo.BackfillReceipt(ctx, txn.ID, fill)
	if err != nil {
		return nil, fmt.Errorf("failed to backfill receipt: %w", err)
	}
	if n == 0 {
		return s.ignored(log, txn.ID, txn.Status, cb.ResultCode, "receipt already recorded"), xerrors.ErrStaleCallbackIgnored
	}

	fill.Apply(txn, now)
	metrics.CallbacksTotal.WithLabelValues(string(payment.CallbackBackfilled)).Inc()
	log.Info("receipt backfilled", zap.String("receipt", fill.ReceiptNumber))

	if s.pusher != nil {
		if err := s.pusher.PushPaymentStatus(txn.SubjectUserID, wstypes.NewPaymentStatusData(txn)); err != nil {
			s.sideEffectFailed(log, "push", err)
		}
	}

	return &payment.CallbackOutcome{
		TransactionID: txn.ID,
		Action:        payment.CallbackBackfilled,
		Status:        txn.Status,
		ResultCode:    cb.ResultCode,
	}, nil
}

func (s *PaymentService) rejected(id, reason string) *payment.CallbackOutcome {
	metrics.CallbacksTotal.WithLabelValues(string(payment.CallbackRejected)).Inc()
	return &payment.CallbackOutcome{TransactionID: id, Action: payment.CallbackRejected, Reason: reason}
}

func (s *PaymentService) ignored(log *zap.Logger, id string, status payment.Status, code, reason string) *payment.CallbackOutcome {
	metrics.CallbacksTotal.WithLabelValues(string(payment.CallbackIgnored)).Inc()
	log.Info("callback ignored",
		zap.String("status", string(status)),
		zap.String("result_code", code),
		zap.String("reason", reason))
	return &payment.CallbackOutcome{
		TransactionID: id,
		Action:        payment.CallbackIgnored,
		Status:        status,
		ResultCode:    code,
		Reason:        reason,
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
