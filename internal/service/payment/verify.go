// internal/service/payment/verify.go
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
	"github.com/smart-kids/graph-sub000/internal/pkg/metrics"
	"github.com/smart-kids/graph-sub000/internal/pkg/mpesa"
)

// Verify asks the provider for the current result of a push. It is read-only:
// nothing is written, see Reconcile for the path that applies the answer.
func (s *PaymentService) Verify(ctx context.Context, checkoutRequestID string) (*payment.VerificationResult, error) {
	if checkoutRequestID == "" {
		return nil, &xerrors.InvalidInputError{Field: "checkout_request_id", Reason: "required"}
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.provider.STKQuery(pctx, checkoutRequestID)
	metrics.ProviderLatency.WithLabelValues("stk_query").Observe(time.Since(start).Seconds())

	if err != nil {
		if apiErr, ok := mpesa.AsAPIError(err); ok && apiErr.StillProcessing() {
			return &payment.VerificationResult{
				CheckoutRequestID: checkoutRequestID,
				Status:            payment.StatusPending,
				ResultCode:        apiErr.Code,
				ResultMessage:     apiErr.Message,
			}, nil
		}
		return nil, fmt.Errorf("stk query for %s failed: %w", checkoutRequestID, err)
	}

	code := resp.ResultCode.String()
	if code == "" {
		return &payment.VerificationResult{
			CheckoutRequestID: checkoutRequestID,
			Status:            payment.StatusPending,
			ResultCode:        resp.ResponseCode.String(),
			ResultMessage:     resp.ResponseDescription,
		}, nil
	}

	return &payment.VerificationResult{
		CheckoutRequestID: checkoutRequestID,
		Status:            s.ClassifyResult(code),
		ResultCode:        code,
		ResultMessage:     resp.ResultDesc,
		Final:             true,
	}, nil
}

// VerifyTransaction resolves a transaction id and verifies it. A record that
// is already terminal is answered from the store without a provider call.
func (s *PaymentService) VerifyTransaction(ctx context.Context, transactionID string) (*payment.VerificationResult, error) {
	txn, err := s.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if txn.Status.IsTerminal() {
		res := &payment.VerificationResult{
			TransactionID:     txn.ID,
			CheckoutRequestID: txn.CheckoutRequestID(),
			Status:            txn.Status,
			Final:             true,
		}
		if txn.ResultCode != nil {
			res.ResultCode = *txn.ResultCode
		}
		if txn.ResultMessage != nil {
			res.ResultMessage = *txn.ResultMessage
		}
		return res, nil
	}

	checkout := txn.CheckoutRequestID()
	if checkout == "" {
		return &payment.VerificationResult{
			TransactionID: txn.ID,
			Status:        payment.StatusPending,
			ResultMessage: "push not yet acknowledged by provider",
		}, nil
	}

	res, err := s.Verify(ctx, checkout)
	if err != nil {
		return nil, err
	}
	res.TransactionID = txn.ID
	return res, nil
}
