// internal/middleware/helpers.go
package middleware

import (
	"github.com/smart-kids/graph-sub000/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
)

// GetClaims returns the verified claims set by Auth().
func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	v, exists := c.Get("claims")
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

// GetIdentityID gets identity ID from context
func GetIdentityID(c *gin.Context) (int64, bool) {
	identityID, exists := c.Get("identity_id")
	if !exists {
		return 0, false
	}

	id, ok := identityID.(int64)
	return id, ok
}

// IsPaymentsOperator checks if the caller may act on other people's payments
func IsPaymentsOperator(c *gin.Context) bool {
	claims, ok := GetClaims(c)
	return ok && claims.CanOperatePayments()
}

// GetTraceID returns the request trace id set by TraceMiddleware.
func GetTraceID(c *gin.Context) string {
	return c.GetString(traceIDKey)
}
