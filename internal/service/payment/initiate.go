// internal/service/payment/initiate.go
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
	"github.com/smart-kids/graph-sub000/internal/pkg/metrics"
	"github.com/smart-kids/graph-sub000/internal/pkg/mpesa"
	"github.com/smart-kids/graph-sub000/internal/pkg/phone"

	"go.uber.org/zap"
)

const initiatedMessage = "Request sent. Check your phone to complete the payment."

// Initiate records a PENDING transaction and sends the STK push for it. The
// record is written before the provider is contacted, so every failure after
// that point leaves it in FAILED_ON_INITIATION with the reason attached.
// Re-using a transaction id returns the existing record without a new push.
func (s *PaymentService) Initiate(ctx context.Context, in *payment.InitiateInput) (*payment.InitiationResult, error) {
	if in == nil {
		return nil, &xerrors.InvalidInputError{Field: "input", Reason: "missing"}
	}
	if err := validateAmount(in); err != nil {
		metrics.InitiationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	msisdn, err := phone.Normalize(in.Phone)
	if err != nil {
		metrics.InitiationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	id := in.TransactionID
	if id == "" {
		id = NewTransactionID()
	} else if len(id) > maxTransactionIDLength {
		return nil, &xerrors.InvalidInputError{Field: "transaction_id", Reason: "too long"}
	}

	accountRef := firstNonEmpty(in.AccountReference, s.cfg.AccountReference)
	if len(accountRef) > maxAccountReferenceSize {
		accountRef = accountRef[:maxAccountReferenceSize]
	}
	description := firstNonEmpty(in.Description, s.cfg.Description)
	if len(description) > maxDescriptionSize {
		description = description[:maxDescriptionSize]
	}

	if err := s.checkThrottle(ctx, msisdn); err != nil {
		return nil, err
	}

	now := s.now()
	txn := &payment.Transaction{
		ID:               id,
		Status:           payment.StatusPending,
		Amount:           in.Amount,
		RequestedAmount:  in.Amount,
		PayerPhone:       msisdn,
		SubjectUserID:    in.SubjectUserID,
		SchoolID:         in.SchoolID,
		AccountReference: accountRef,
		Description:      description,
		Metadata:         []payment.MetadataEntry{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := s.repo.CreateIfAbsent(ctx, txn)
	if err != nil {
		metrics.InitiationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if !created {
		return s.existingInitiation(ctx, txn)
	}

	log := s.logger.With(zap.String("transaction_id", id), zap.String("phone", phone.Mask(msisdn)))

	// Past this point the record exists; the caller going away must not leave
	// it half-explained.
	pctx, cancel := detached(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.provider.STKPush(pctx, mpesa.PushRequest{
		Amount:           in.Amount.IntPart(),
		Phone:            msisdn,
		CallbackURL:      s.callbackURL(id),
		AccountReference: accountRef,
		Description:      description,
	})
	metrics.ProviderLatency.WithLabelValues("stk_push").Observe(time.Since(start).Seconds())

	if err != nil {
		log.Error("stk push failed", zap.Error(err))
		s.failInitiation(ctx, txn, err, nil)
		metrics.InitiationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("stk push for %s failed: %w", id, err)
	}
	if !resp.Accepted() {
		rejected := &xerrors.ProviderRejectedError{
			TransactionID: id,
			Code:          resp.ResponseCode.String(),
			Message:       resp.ResponseDescription,
		}
		log.Warn("stk push rejected",
			zap.String("code", rejected.Code),
			zap.String("message", rejected.Message))
		s.failInitiation(ctx, txn, rejected, resp)
		metrics.InitiationsTotal.WithLabelValues("rejected").Inc()
		return nil, rejected
	}

	wctx, wcancel := detached(ctx, storeWriteTimeout)
	defer wcancel()
	err = s.repo.AttachProviderRefs(wctx, id, resp.MerchantRequestID, resp.CheckoutRequestID,
		payment.NewMetadataEntry(payment.MetadataInitiationRequest, resp.Request, now),
		payment.NewMetadataEntry(payment.MetadataInitiationResponse, resp, s.now()),
	)
	if err != nil {
		// The push is out. The callback URL carries the id, so the callback
		// can still find the record and attach the ids itself.
		log.Error("failed to attach provider refs",
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err))
	}

	metrics.InitiationsTotal.WithLabelValues("sent").Inc()
	log.Info("stk push sent",
		zap.String("merchant_request_id", resp.MerchantRequestID),
		zap.String("checkout_request_id", resp.CheckoutRequestID))

	return &payment.InitiationResult{
		TransactionID:     id,
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		Status:            payment.StatusPending,
		Message:           initiatedMessage,
	}, nil
}

func (s *PaymentService) existingInitiation(ctx context.Context, requested *payment.Transaction) (*payment.InitiationResult, error) {
	existing, err := s.repo.FindByID(ctx, requested.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing transaction: %w", err)
	}
	if existing.PayerPhone != requested.PayerPhone || !existing.RequestedAmount.Equal(requested.RequestedAmount) ||
		!sameSubject(existing.SubjectUserID, requested.SubjectUserID) {
		metrics.InitiationsTotal.WithLabelValues("conflict").Inc()
		return nil, xerrors.Wrap(xerrors.ErrConflict, "transaction id already used for a different payment")
	}

	metrics.InitiationsTotal.WithLabelValues("existing").Inc()
	res := &payment.InitiationResult{
		TransactionID: existing.ID,
		Status:        existing.Status,
		Message:       "Payment already initiated.",
		Existing:      true,
	}
	if existing.ProviderMerchantRequestID != nil {
		res.MerchantRequestID = *existing.ProviderMerchantRequestID
	}
	res.CheckoutRequestID = existing.CheckoutRequestID()
	return res, nil
}

func sameSubject(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// failInitiation moves txn to FAILED_ON_INITIATION. It is best effort: a store
// failure here is logged and the original error still goes to the caller.
func (s *PaymentService) failInitiation(ctx context.Context, txn *payment.Transaction, cause error, resp *mpesa.STKPushResponse) {
	code, message := diagnose(cause)
	status := payment.StatusFailedOnInitiation

	payload := map[string]any{"code": code, "message": message}
	if resp != nil {
		payload["response"] = resp
		payload["request"] = resp.Request
	}
	entry := payment.NewMetadataEntry(payment.MetadataInitiationError, payload, s.now())

	wctx, cancel := detached(ctx, storeWriteTimeout)
	defer cancel()

	n, err := s.repo.UpdateWhere(wctx, txn.ID, payment.StatusPending, &payment.Patch{
		Status:         &status,
		ResultCode:     &code,
		ResultMessage:  &message,
		AppendMetadata: &entry,
	})
	if err != nil || n == 0 {
		s.logger.Error("initiation doubly failed",
			zap.String("transaction_id", txn.ID),
			zap.NamedError("cause", cause),
			zap.Int64("rows", n),
			zap.Error(err))
		return
	}
	metrics.TransitionsTotal.WithLabelValues(string(status), "initiation").Inc()
}

// diagnose turns an initiation failure into the code/message pair stored on
// the record.
func diagnose(err error) (code, message string) {
	var rejected *xerrors.ProviderRejectedError
	if errors.As(err, &rejected) {
		return rejected.Code, rejected.Message
	}
	if errors.Is(err, xerrors.ErrAuthentication) {
		return "auth_failed", err.Error()
	}
	if apiErr, ok := mpesa.AsAPIError(err); ok {
		return apiErr.Code, apiErr.Message
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", err.Error()
	default:
		return "network_error", err.Error()
	}
}

func (s *PaymentService) checkThrottle(ctx context.Context, msisdn string) error {
	if s.throttle == nil || s.cfg.InitiateMaxPerWindow <= 0 || s.cfg.InitiateWindow <= 0 {
		return nil
	}
	ok, _, err := s.throttle.Allow(ctx, throttleKey(msisdn), s.cfg.InitiateMaxPerWindow, s.cfg.InitiateWindow)
	if err != nil {
		// Fail open when the limiter store is unavailable.
		s.logger.Warn("initiation throttle unavailable", zap.Error(err))
		return nil
	}
	if !ok {
		metrics.InitiationsTotal.WithLabelValues("throttled").Inc()
		return xerrors.Wrap(xerrors.ErrRateLimited, "too many payment requests for this phone, try again later")
	}
	return nil
}

// ResetThrottle clears the initiation counter for a payer phone.
func (s *PaymentService) ResetThrottle(ctx context.Context, rawPhone string) error {
	msisdn, err := phone.Normalize(rawPhone)
	if err != nil {
		return err
	}
	if s.throttle == nil {
		return xerrors.Wrap(xerrors.ErrBadRequest, "initiation throttle is not configured")
	}
	if err := s.throttle.Reset(ctx, throttleKey(msisdn)); err != nil {
		return fmt.Errorf("failed to reset throttle: %w", err)
	}
	s.logger.Info("initiation throttle reset", zap.String("phone", phone.Mask(msisdn)))
	return nil
}

func throttleKey(msisdn string) string { return "initiate:" + msisdn }

func (s *PaymentService) callbackURL(id string) string {
	return s.cfg.CallbackBaseURL + "/payments/callback/" + url.PathEscape(id)
}

func validateAmount(in *payment.InitiateInput) error {
	switch {
	case !in.Amount.IsPositive():
		return &xerrors.InvalidInputError{Field: "amount", Reason: "must be greater than zero"}
	case !in.Amount.IsInteger():
		return &xerrors.InvalidInputError{Field: "amount", Reason: "must be a whole number"}
	case in.Amount.GreaterThan(maxAmount):
		return &xerrors.InvalidInputError{Field: "amount", Reason: "exceeds the maximum per transaction"}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
