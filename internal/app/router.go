// internal/app/router.go
package app

import (
	paymentHandler "github.com/smart-kids/graph-sub000/internal/handlers/payment"
	wsHandler "github.com/smart-kids/graph-sub000/internal/handlers/websocket"
	"github.com/smart-kids/graph-sub000/internal/middleware"
	"github.com/smart-kids/graph-sub000/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	PaymentHandler *paymentHandler.PaymentHandler
	WSHandler      *wsHandler.WebSocketHandler
	AuthMiddleware *middleware.AuthMiddleware
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Metrics ====================
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// ==================== WebSocket ====================
	r.GET("/ws", h.WSHandler.HandleConnection)

	// ==================== Provider Webhook ====================
	// Public: the provider cannot authenticate. The transaction id in the
	// path is the only correlation key it echoes back.
	r.POST("/payments/callback/:transaction_id", h.PaymentHandler.Callback)

	// ==================== Payments ====================
	payments := api.Group("/payments")
	payments.Use(h.AuthMiddleware.Auth())
	{
		payments.POST("", h.PaymentHandler.Initiate)
		payments.GET("", h.PaymentHandler.ListPayments)
		payments.GET("/:id", h.PaymentHandler.GetPayment)
		payments.POST("/:id/verify", h.PaymentHandler.Verify)
	}

	// ==================== Payment Operations ====================
	ops := api.Group("/payments")
	ops.Use(h.AuthMiddleware.AdminOnly()...)
	{
		ops.GET("/stats", h.PaymentHandler.Stats)
		ops.POST("/reconcile", h.PaymentHandler.ReconcileStale)
		ops.POST("/:id/reconcile", h.PaymentHandler.Reconcile)
	}

	wsAdmin := api.Group("/ws")
	wsAdmin.Use(h.AuthMiddleware.AdminOnly()...)
	{
		wsAdmin.GET("/stats", h.WSHandler.GetStats)
	}

	logger.Info("routes registered", zap.Int("count", len(r.Routes())))
}
