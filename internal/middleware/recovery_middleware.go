// internal/middleware/recovery_middleware.go
package middleware

import (
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/smart-kids/graph-sub000/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns a handler panic into a 500 with the trace id.
// Panics caused by the client hanging up are logged without a response.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		fields := []zap.Field{
			zap.Any("error", recovered),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("trace_id", GetTraceID(c)),
		}

		if err, ok := recovered.(error); ok && isBrokenPipe(err) {
			logger.Warn("client connection closed", fields...)
			c.Abort()
			return
		}

		logger.Error("panic recovered", append(fields, zap.Stack("stack"))...)
		response.Error(c, http.StatusInternalServerError, "internal server error", nil)
	})
}

func isBrokenPipe(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	var sysErr *os.SyscallError
	if !errors.As(opErr, &sysErr) {
		return false
	}
	return errors.Is(sysErr.Err, syscall.EPIPE) || errors.Is(sysErr.Err, syscall.ECONNRESET)
}
