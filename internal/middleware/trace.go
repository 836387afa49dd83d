package middleware

import (
	"context"

	"github.com/smart-kids/graph-sub000/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type traceKey struct{}

const (
	traceIDKey    = response.TraceIDKey
	TraceIDHeader = "X-Request-ID"
)

// TraceMiddleware adds a trace ID to the request context.
// It reads X-Request-ID if provided by the client; otherwise generates a UUID.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" {
			traceID = uuid.New().String()
		}

		c.Set(traceIDKey, traceID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), traceKey{}, traceID))
		c.Writer.Header().Set(TraceIDHeader, traceID)

		c.Next()
	}
}

// TraceIDFromContext returns the trace id attached by TraceMiddleware, if any.
func TraceIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(traceKey{}).(string)
	return s
}
