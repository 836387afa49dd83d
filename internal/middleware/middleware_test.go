package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smart-kids/graph-sub000/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubVerifier map[string]*jwt.Claims

func (s stubVerifier) VerifyAccessToken(token string) (*jwt.Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware(), RecoveryMiddleware(zap.NewNop()), LoggingMiddleware(zap.NewNop()))

	auth := NewAuthMiddleware(stubVerifier{
		"parent": {UserID: 42, SessionPurpose: "access"},
		"ops":    {UserID: 1, Roles: []string{jwt.RoleOps}, SessionPurpose: "access"},
	})
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	r.GET("/me", auth.Auth(), func(c *gin.Context) {
		id, _ := GetIdentityID(c)
		c.JSON(http.StatusOK, gin.H{"id": id, "operator": IsPaymentsOperator(c), "trace": TraceIDFromContext(c.Request.Context())})
	})
	r.GET("/ops", append(auth.AdminOnly(), func(c *gin.Context) { c.Status(http.StatusNoContent) })...)
	return r
}

func get(r http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRecovery_ReturnsTraceID(t *testing.T) {
	w := get(newEngine(), "/panic", map[string]string{TraceIDHeader: "trace-123"})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "trace-123", w.Header().Get(TraceIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "trace-123", body["trace_id"])
	assert.Equal(t, false, body["success"])
}

func TestAuth_SetsIdentity(t *testing.T) {
	r := newEngine()

	w := get(r, "/me", map[string]string{"Authorization": "Bearer parent"})
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 42, body["id"])
	assert.Equal(t, false, body["operator"])
	assert.NotEmpty(t, body["trace"])
	assert.Equal(t, w.Header().Get(TraceIDHeader), body["trace"])

	assert.Equal(t, http.StatusOK, get(r, "/me?token=ops", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", map[string]string{"Authorization": "Bearer nope"}).Code)
}

func TestAdminOnly(t *testing.T) {
	r := newEngine()

	assert.Equal(t, http.StatusForbidden, get(r, "/ops", map[string]string{"Authorization": "Bearer parent"}).Code)
	assert.Equal(t, http.StatusNoContent, get(r, "/ops", map[string]string{"Authorization": "Bearer ops"}).Code)
}
