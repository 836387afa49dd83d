// internal/app/components.go
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/smart-kids/graph-sub000/internal/config"
	"github.com/smart-kids/graph-sub000/internal/db"
	"github.com/smart-kids/graph-sub000/internal/events"
	"github.com/smart-kids/graph-sub000/internal/pkg/mpesa"
	"github.com/smart-kids/graph-sub000/internal/pkg/ratelimit"
	"github.com/smart-kids/graph-sub000/internal/repository/postgres"
	"github.com/smart-kids/graph-sub000/internal/service/notification"
	paymentUsecase "github.com/smart-kids/graph-sub000/internal/service/payment"
	subscriptionUsecase "github.com/smart-kids/graph-sub000/internal/service/subscription"
	"github.com/smart-kids/graph-sub000/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const tokenCacheKey = "mpesa:oauth:token"

// Components is the payment stack shared by the API server and paymentctl.
type Components struct {
	Pool      *pgxpool.Pool
	Redis     redis.UniversalClient
	Workers   *worker.Pool
	Publisher events.Publisher
	Payments  *paymentUsecase.PaymentService
	Repo      *postgres.PaymentRepository

	logger *zap.Logger
}

// BuildComponents connects the stores and assembles the payment service.
// Extra options are applied after the defaults, so callers can attach a
// status pusher.
func BuildComponents(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, extra ...paymentUsecase.Option) (*Components, error) {
	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("[POSTGRES] connected")

	c := &Components{Pool: pool, logger: logger}

	// ----- Redis (optional) -----
	var clientOpts []mpesa.ClientOption
	var opts []paymentUsecase.Option
	if cfg.RedisAddr != "" {
		rdb, err := db.NewRedis(db.RedisConfig{
			Addresses: []string{cfg.RedisAddr},
			Password:  cfg.RedisPass,
			PoolSize:  10,
		})
		if err != nil {
			logger.Warn("[REDIS] unavailable, token cache and throttle are process-local", zap.Error(err))
		} else {
			c.Redis = rdb
			clientOpts = append(clientOpts, mpesa.WithTokenStore(mpesa.NewRedisTokenStore(rdb, tokenCacheKey)))
			opts = append(opts, paymentUsecase.WithThrottle(ratelimit.NewRateLimiter(rdb, "ratelimit")))
			logger.Info("[REDIS] connected")
		}
	}

	// ----- Provider -----
	provider := mpesa.NewClient(cfg.Mpesa, logger, clientOpts...)

	// ----- Workers -----
	c.Workers = worker.NewPool(cfg.CallbackWorkers, worker.DefaultQueueSize, logger)
	opts = append(opts, paymentUsecase.WithRunner(c.Workers))

	// ----- Notifications -----
	if cfg.SMSAPIURL != "" {
		opts = append(opts, paymentUsecase.WithNotifier(notification.NewSMSSender(notification.SMSConfig{
			APIURL:   cfg.SMSAPIURL,
			APIKey:   cfg.SMSAPIKey,
			SenderID: cfg.SMSSenderID,
		}, logger)))
	} else {
		opts = append(opts, paymentUsecase.WithNotifier(notification.NewLogNotifier(logger)))
	}

	// ----- Subscription activation -----
	subscriptionService := subscriptionUsecase.NewSubscriptionService(
		postgres.NewSubscriptionRepository(pool),
		time.Duration(cfg.SubscriptionDays)*24*time.Hour,
		logger,
	)
	opts = append(opts, paymentUsecase.WithActivator(subscriptionService))

	// ----- Events -----
	if len(cfg.KafkaBrokers) > 0 {
		c.Publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaPaymentsTopic, logger)
	} else {
		c.Publisher = events.NopPublisher{}
	}
	opts = append(opts, paymentUsecase.WithPublisher(c.Publisher))

	// ----- Payment service -----
	c.Repo = postgres.NewPaymentRepository(pool)
	c.Payments = paymentUsecase.NewPaymentService(c.Repo, provider, paymentUsecase.Config{
		CallbackBaseURL:      cfg.CallbackBaseURL,
		AccountReference:     cfg.AccountReference,
		CancelledResultCodes: cfg.CancelledResultCodes,
		ProviderTimeout:      cfg.Mpesa.Timeout,
		OpsPhone:             cfg.OpsPhone,
		InitiateMaxPerWindow: cfg.InitiateMaxPerWindow,
		InitiateWindow:       cfg.InitiateWindow,
		Location:             cfg.Mpesa.Location,
	}, logger, append(opts, extra...)...)

	return c, nil
}

// Close drains the workers before closing the stores they write to.
func (c *Components) Close(ctx context.Context) {
	if err := c.Workers.Stop(ctx); err != nil {
		c.logger.Warn("callback workers did not drain", zap.Error(err))
	}
	if err := c.Publisher.Close(); err != nil {
		c.logger.Warn("failed to close event publisher", zap.Error(err))
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	c.Pool.Close()
}
