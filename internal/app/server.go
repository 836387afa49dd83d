// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/smart-kids/graph-sub000/internal/config"
	paymentHandler "github.com/smart-kids/graph-sub000/internal/handlers/payment"
	wsHandler "github.com/smart-kids/graph-sub000/internal/handlers/websocket"
	"github.com/smart-kids/graph-sub000/internal/middleware"
	"github.com/smart-kids/graph-sub000/internal/pkg/jwt"
	"github.com/smart-kids/graph-sub000/internal/pkg/metrics"
	paymentUsecase "github.com/smart-kids/graph-sub000/internal/service/payment"
	"github.com/smart-kids/graph-sub000/internal/websocket"
	wsHandlers "github.com/smart-kids/graph-sub000/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	http       *http.Server
	components *Components
	stop       context.CancelFunc
}

func NewServer(logger *zap.Logger) *Server {
	cfg := config.Load()
	gin.SetMode(gin.ReleaseMode)
	return &Server{cfg: cfg, engine: gin.New(), logger: logger}
}

// Run wires every component and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, s.stop = context.WithCancel(ctx)
	defer s.stop()
	logger := s.logger

	metrics.Init()

	// ----- JWT Verifier -----
	verifier, err := jwt.LoadVerifier(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT verifier: %w", err)
	}

	// ----- WebSocket Hub -----
	hub := websocket.NewHub(verifier, logger)

	// ----- Payment stack -----
	components, err := BuildComponents(ctx, s.cfg, logger, paymentUsecase.WithStatusPusher(hub))
	if err != nil {
		return err
	}
	s.components = components
	payments := components.Payments

	if err := hub.RegisterHandler(wsHandlers.NewPaymentHandler(payments)); err != nil {
		components.Close(ctx)
		return err
	}
	go hub.Run(ctx)

	// ----- Scheduler -----
	go payments.RunScheduler(ctx, s.cfg.ReconcileInterval, s.cfg.ReconcileAfter)

	// ----- Middlewares -----
	authMiddleware := middleware.NewAuthMiddleware(verifier)

	s.engine.Use(
		middleware.TraceMiddleware(),
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.MetricsMiddleware(),
	)

	// ----- Router -----
	handlers := &Handlers{
		PaymentHandler: paymentHandler.NewPaymentHandler(payments, s.cfg.ReconcileAfter, logger),
		WSHandler:      wsHandler.NewWebSocketHandler(hub, s.cfg.AllowedOrigins, logger),
		AuthMiddleware: authMiddleware,
	}
	SetupRouter(s.engine, logger, handlers)

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.TraceIDHeader},
		ExposedHeaders: []string{middleware.TraceIDHeader},
		MaxAge:         300,
	})

	// ----- Start HTTP -----
	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           corsHandler(s.engine),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.shutdown()
			return err
		}
	case <-ctx.Done():
	}
	return s.shutdown()
}

// shutdown stops accepting requests, then drains callback workers so every
// acknowledged callback is either applied or left stored for replay.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(ctx)
	s.stop()
	s.components.Close(ctx)
	return err
}
