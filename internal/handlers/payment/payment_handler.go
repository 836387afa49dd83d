// internal/handlers/payment/payment_handler.go
package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	"github.com/smart-kids/graph-sub000/internal/middleware"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
	"github.com/smart-kids/graph-sub000/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxCallbackBytes = 64 << 10

// Service is what the HTTP layer needs from the payment service.
type Service interface {
	Initiate(ctx context.Context, in *payment.InitiateInput) (*payment.InitiationResult, error)
	ReceiveCallback(ctx context.Context, transactionID string, raw []byte) *payment.CallbackReceipt
	Get(ctx context.Context, id string) (*payment.Transaction, error)
	List(ctx context.Context, filters *payment.ListFilters) (*payment.ListResponse, error)
	Stats(ctx context.Context, filters *payment.ListFilters) (*payment.TransactionStats, error)
	VerifyTransaction(ctx context.Context, transactionID string) (*payment.VerificationResult, error)
	Reconcile(ctx context.Context, transactionID string) (*payment.ReconcileOutcome, error)
	ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (*payment.ReconcileSummary, error)
}

type PaymentHandler struct {
	service    Service
	staleAfter time.Duration
	logger     *zap.Logger
}

func NewPaymentHandler(service Service, staleAfter time.Duration, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{
		service:    service,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// ========== Provider webhook ==========

// Callback acknowledges every delivery with the same body; processing happens
// after the receipt is stored.
func (h *PaymentHandler) Callback(c *gin.Context) {
	transactionID := c.Param("transaction_id")

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil {
		h.logger.Warn("failed to read callback body",
			zap.String("transaction_id", transactionID),
			zap.Error(err))
	}

	h.service.ReceiveCallback(c.Request.Context(), transactionID, raw)

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// ========== Payer endpoints ==========

// Initiate starts an STK push. Callers without an operator role always pay
// for themselves.
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req payment.InitiateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	if !middleware.IsPaymentsOperator(c) {
		userID, ok := middleware.GetIdentityID(c)
		if !ok {
			response.Unauthorized(c, "missing identity")
			return
		}
		req.SubjectUserID = &userID
		if claims, ok := middleware.GetClaims(c); ok {
			req.SchoolID = claims.SchoolID
		}
	}

	result, err := h.service.Initiate(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "failed to initiate payment", err)
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	response.Success(c, status, result.Message, result)
}

// GetPayment returns one transaction the caller may see.
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	txn, ok := h.loadVisible(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, "payment retrieved", txn)
}

// ListPayments lists transactions. Non-operators only see their own.
func (h *PaymentHandler) ListPayments(c *gin.Context) {
	var filters payment.ListFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.ValidationError(c, "invalid query parameters", err)
		return
	}
	if !middleware.IsPaymentsOperator(c) {
		userID, _ := middleware.GetIdentityID(c)
		filters.SubjectUserID = &userID
		filters.IncludeArchived = false
	}

	result, err := h.service.List(c.Request.Context(), &filters)
	if err != nil {
		h.writeError(c, "failed to list payments", err)
		return
	}
	response.Success(c, http.StatusOK, "payments retrieved", result)
}

// Verify asks the provider for the latest result without changing anything.
func (h *PaymentHandler) Verify(c *gin.Context) {
	txn, ok := h.loadVisible(c)
	if !ok {
		return
	}

	result, err := h.service.VerifyTransaction(c.Request.Context(), txn.ID)
	if err != nil {
		h.writeError(c, "failed to verify payment", err)
		return
	}
	response.Success(c, http.StatusOK, "payment verified", result)
}

// ========== Operator endpoints ==========

func (h *PaymentHandler) Reconcile(c *gin.Context) {
	outcome, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "failed to reconcile payment", err)
		return
	}
	response.Success(c, http.StatusOK, "payment reconciled", outcome)
}

// ReconcileStale sweeps PENDING payments older than ?older_than (Go duration,
// defaults to the configured window), at most ?limit of them.
func (h *PaymentHandler) ReconcileStale(c *gin.Context) {
	olderThan := h.staleAfter
	if v := c.Query("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			response.ValidationError(c, "invalid older_than", err)
			return
		}
		olderThan = d
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 100
	}

	summary, err := h.service.ReconcileStale(c.Request.Context(), olderThan, limit)
	if err != nil {
		h.writeError(c, "failed to reconcile payments", err)
		return
	}
	response.Success(c, http.StatusOK, "reconciliation finished", summary)
}

func (h *PaymentHandler) Stats(c *gin.Context) {
	var filters payment.ListFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.ValidationError(c, "invalid query parameters", err)
		return
	}

	stats, err := h.service.Stats(c.Request.Context(), &filters)
	if err != nil {
		h.writeError(c, "failed to get payment stats", err)
		return
	}
	response.Success(c, http.StatusOK, "payment stats retrieved", stats)
}

// ========== Helpers ==========

// loadVisible fetches :id and hides other users' payments behind a 404.
func (h *PaymentHandler) loadVisible(c *gin.Context) (*payment.Transaction, bool) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "payment not found", err)
		return nil, false
	}
	if middleware.IsPaymentsOperator(c) {
		return txn, true
	}
	userID, _ := middleware.GetIdentityID(c)
	if txn.SubjectUserID == nil || *txn.SubjectUserID != userID {
		response.NotFound(c, "payment not found")
		return nil, false
	}
	return txn, true
}

func (h *PaymentHandler) writeError(c *gin.Context, message string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("trace_id", middleware.GetTraceID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	if status == http.StatusInternalServerError {
		// Store and driver errors are not for clients.
		response.Error(c, status, message, xerrors.ErrInternal)
		return
	}
	response.Error(c, status, message, err)
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, xerrors.ErrInvalidInput), errors.Is(err, xerrors.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, xerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, xerrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, xerrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, xerrors.ErrAuthentication), errors.Is(err, xerrors.ErrProviderRejected):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
