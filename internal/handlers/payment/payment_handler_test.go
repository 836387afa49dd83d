package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	"github.com/smart-kids/graph-sub000/internal/middleware"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
	"github.com/smart-kids/graph-sub000/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeService struct {
	initiateIn  *payment.InitiateInput
	initiateRes *payment.InitiationResult
	initiateErr error

	receivedID   string
	receivedBody []byte

	txn    *payment.Transaction
	getErr error

	listFilters *payment.ListFilters

	staleOlderThan time.Duration
	staleLimit     int
}

func (f *fakeService) Initiate(_ context.Context, in *payment.InitiateInput) (*payment.InitiationResult, error) {
	f.initiateIn = in
	return f.initiateRes, f.initiateErr
}

func (f *fakeService) ReceiveCallback(_ context.Context, id string, raw []byte) *payment.CallbackReceipt {
	f.receivedID, f.receivedBody = id, raw
	return &payment.CallbackReceipt{ID: "R1", TransactionID: id, Body: raw}
}

func (f *fakeService) Get(_ context.Context, id string) (*payment.Transaction, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.txn == nil || f.txn.ID != id {
		return nil, &xerrors.UnknownTransactionError{Key: "id", Value: id}
	}
	return f.txn, nil
}

func (f *fakeService) List(_ context.Context, filters *payment.ListFilters) (*payment.ListResponse, error) {
	f.listFilters = filters
	return &payment.ListResponse{Transactions: []payment.Transaction{}}, nil
}

func (f *fakeService) Stats(context.Context, *payment.ListFilters) (*payment.TransactionStats, error) {
	return &payment.TransactionStats{Total: 3, Completed: 2}, nil
}

func (f *fakeService) VerifyTransaction(_ context.Context, id string) (*payment.VerificationResult, error) {
	return &payment.VerificationResult{TransactionID: id, Status: payment.StatusCompleted, Final: true}, nil
}

func (f *fakeService) Reconcile(_ context.Context, id string) (*payment.ReconcileOutcome, error) {
	return &payment.ReconcileOutcome{TransactionID: id, Previous: payment.StatusPending, Status: payment.StatusCompleted, Changed: true}, nil
}

func (f *fakeService) ReconcileStale(_ context.Context, olderThan time.Duration, limit int) (*payment.ReconcileSummary, error) {
	f.staleOlderThan, f.staleLimit = olderThan, limit
	return &payment.ReconcileSummary{}, nil
}

type stubVerifier map[string]*jwt.Claims

func (s stubVerifier) VerifyAccessToken(token string) (*jwt.Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

func newRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.TraceMiddleware())

	auth := middleware.NewAuthMiddleware(stubVerifier{
		"parent": {UserID: 42, SchoolID: lo.ToPtr(int64(7)), SessionPurpose: "access"},
		"other":  {UserID: 99, SessionPurpose: "access"},
		"ops":    {UserID: 1, Roles: []string{jwt.RoleOps}, SessionPurpose: "access"},
	})
	h := NewPaymentHandler(svc, 5*time.Minute, zap.NewNop())

	r.POST("/payments/callback/:transaction_id", h.Callback)

	payments := r.Group("/api/v1/payments", auth.Auth())
	payments.POST("", h.Initiate)
	payments.GET("", h.ListPayments)
	payments.GET("/:id", h.GetPayment)
	payments.POST("/:id/verify", h.Verify)

	ops := r.Group("/api/v1/payments", auth.AdminOnly()...)
	ops.GET("/stats", h.Stats)
	ops.POST("/reconcile", h.ReconcileStale)
	ops.POST("/:id/reconcile", h.Reconcile)
	return r
}

func do(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCallback_AlwaysAcknowledges(t *testing.T) {
	for _, body := range []string{`{"Body":{"stkCallback":{"ResultCode":0}}}`, `not json at all`, ``} {
		svc := &fakeService{}
		w := do(newRouter(svc), http.MethodPost, "/payments/callback/TXN-1", "", []byte(body))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())
		assert.Equal(t, "TXN-1", svc.receivedID)
		assert.Equal(t, body, string(svc.receivedBody))
	}
}

func TestInitiate_RequiresToken(t *testing.T) {
	w := do(newRouter(&fakeService{}), http.MethodPost, "/api/v1/payments", "", map[string]any{"amount": 50, "phone": "0711000000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, decode(t, w)["trace_id"])
}

func TestInitiate_PayerPaysForThemselves(t *testing.T) {
	svc := &fakeService{initiateRes: &payment.InitiationResult{TransactionID: "TXN-1", Status: payment.StatusPending, Message: "Request sent."}}

	w := do(newRouter(svc), http.MethodPost, "/api/v1/payments", "parent", map[string]any{
		"amount":          50,
		"phone":           "0711000000",
		"subject_user_id": 1234,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.NotNil(t, svc.initiateIn)
	assert.Equal(t, int64(42), *svc.initiateIn.SubjectUserID)
	assert.Equal(t, int64(7), *svc.initiateIn.SchoolID)
	assert.True(t, svc.initiateIn.Amount.Equal(decimal.NewFromInt(50)))

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "TXN-1", body["data"].(map[string]any)["transaction_id"])
}

func TestInitiate_OperatorMayPayForOthers(t *testing.T) {
	svc := &fakeService{initiateRes: &payment.InitiationResult{TransactionID: "TXN-1", Existing: true}}

	w := do(newRouter(svc), http.MethodPost, "/api/v1/payments", "ops", map[string]any{
		"amount":          "50",
		"phone":           "0711000000",
		"subject_user_id": 1234,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(1234), *svc.initiateIn.SubjectUserID)
}

func TestInitiate_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&xerrors.InvalidInputError{Field: "phone", Reason: "bad"}, http.StatusBadRequest},
		{&xerrors.ProviderRejectedError{TransactionID: "T", Code: "1"}, http.StatusBadGateway},
		{fmt.Errorf("stk push: %w", &xerrors.AuthenticationError{Err: errors.New("401")}), http.StatusBadGateway},
		{xerrors.Wrap(xerrors.ErrRateLimited, "slow down"), http.StatusTooManyRequests},
		{xerrors.Wrap(xerrors.ErrConflict, "reused id"), http.StatusConflict},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		svc := &fakeService{initiateErr: tc.err}
		w := do(newRouter(svc), http.MethodPost, "/api/v1/payments", "parent", map[string]any{"amount": 50, "phone": "0711000000"})
		assert.Equal(t, tc.want, w.Code, tc.err.Error())
		if tc.want == http.StatusInternalServerError {
			assert.Equal(t, xerrors.ErrInternal.Error(), decode(t, w)["error"])
		}
	}
}

func TestInitiate_RejectsMissingPhone(t *testing.T) {
	svc := &fakeService{}
	w := do(newRouter(svc), http.MethodPost, "/api/v1/payments", "parent", map[string]any{"amount": 50})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, svc.initiateIn)
}

func TestGetPayment_Visibility(t *testing.T) {
	svc := &fakeService{txn: &payment.Transaction{ID: "TXN-1", Status: payment.StatusPending, SubjectUserID: lo.ToPtr(int64(42))}}
	r := newRouter(svc)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/payments/TXN-1", "parent", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/payments/TXN-1", "other", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/payments/TXN-1", "ops", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/payments/TXN-404", "ops", nil).Code)

	w := do(r, http.MethodPost, "/api/v1/payments/TXN-1/verify", "other", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/v1/payments/TXN-1/verify", "parent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETED", decode(t, w)["data"].(map[string]any)["status"])
}

func TestListPayments_ScopedToCaller(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	w := do(r, http.MethodGet, "/api/v1/payments?status=COMPLETED&status=PENDING&subject_user_id=5&include_archived=true", "parent", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(42), *svc.listFilters.SubjectUserID)
	assert.False(t, svc.listFilters.IncludeArchived)
	assert.Equal(t, []payment.Status{payment.StatusCompleted, payment.StatusPending}, svc.listFilters.Statuses)

	w = do(r, http.MethodGet, "/api/v1/payments?subject_user_id=5", "ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5), *svc.listFilters.SubjectUserID)
}

func TestOperatorRoutes(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/v1/payments/TXN-1/reconcile", "parent", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/v1/payments/stats", "parent", nil).Code)

	w := do(r, http.MethodPost, "/api/v1/payments/TXN-1/reconcile", "ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["data"].(map[string]any)["changed"])

	w = do(r, http.MethodPost, "/api/v1/payments/reconcile?older_than=15m&limit=20", "ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 15*time.Minute, svc.staleOlderThan)
	assert.Equal(t, 20, svc.staleLimit)

	w = do(r, http.MethodPost, "/api/v1/payments/reconcile", "ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5*time.Minute, svc.staleOlderThan)
	assert.Equal(t, 100, svc.staleLimit)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/v1/payments/reconcile?older_than=soon", "ops", nil).Code)

	w = do(r, http.MethodGet, "/api/v1/payments/stats", "ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["data"].(map[string]any)["total"])
}
