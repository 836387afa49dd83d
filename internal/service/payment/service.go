// internal/service/payment/service.go
package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
	"github.com/smart-kids/graph-sub000/internal/events"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
	"github.com/smart-kids/graph-sub000/internal/pkg/mpesa"
	"github.com/smart-kids/graph-sub000/internal/service/notification"
	"github.com/smart-kids/graph-sub000/internal/worker"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultDescription      = "Subscription"
	defaultPageSize         = 20
	maxPageSize             = 100
	storeWriteTimeout       = 10 * time.Second
	sideEffectTimeout       = 30 * time.Second
	transactionIDPrefix     = "TXN-"
	maxTransactionIDLength  = 64
	maxAccountReferenceSize = 12
	maxDescriptionSize      = 13
)

// DefaultCancelledCodes are the provider results that mean the payer backed
// out: cancelled, timed out, or entered the wrong PIN.
var DefaultCancelledCodes = []string{"1032", "1037", "2001"}

// maxAmount is the provider's per-transaction ceiling.
var maxAmount = decimal.NewFromInt(250000)

// Provider is the slice of the M-Pesa client the service needs.
type Provider interface {
	STKPush(ctx context.Context, in mpesa.PushRequest) (*mpesa.STKPushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

// AccountActivator credits the paying user once a payment completes.
type AccountActivator interface {
	ActivateFromPayment(ctx context.Context, tx *payment.Transaction) error
}

// StatusPusher delivers live status updates to connected clients.
type StatusPusher interface {
	PushPaymentStatus(userID *int64, data *wstypes.PaymentStatusData) error
}

// Throttle limits initiations per payer phone.
type Throttle interface {
	Allow(ctx context.Context, key string, max int64, window time.Duration) (bool, int64, error)
	Reset(ctx context.Context, key string) error
}

// TaskRunner runs callback applies off the request goroutine.
type TaskRunner interface {
	Submit(task worker.Task) error
}

type Config struct {
	CallbackBaseURL      string
	AccountReference     string
	Description          string
	CancelledResultCodes []string
	ProviderTimeout      time.Duration
	OpsPhone             string
	InitiateMaxPerWindow int64
	InitiateWindow       time.Duration
	Location             *time.Location
}

type PaymentService struct {
	repo     payment.Repository
	provider Provider
	cfg      Config
	logger   *zap.Logger

	cancelled map[string]struct{}

	activator AccountActivator
	notifier  notification.Notifier
	pusher    StatusPusher
	publisher events.Publisher
	throttle  Throttle
	runner    TaskRunner

	now func() time.Time
}

type Option func(*PaymentService)

func WithActivator(a AccountActivator) Option { return func(s *PaymentService) { s.activator = a } }

func WithNotifier(n notification.Notifier) Option { return func(s *PaymentService) { s.notifier = n } }

func WithStatusPusher(p StatusPusher) Option { return func(s *PaymentService) { s.pusher = p } }

func WithPublisher(p events.Publisher) Option { return func(s *PaymentService) { s.publisher = p } }

func WithThrottle(t Throttle) Option { return func(s *PaymentService) { s.throttle = t } }

func WithRunner(r TaskRunner) Option { return func(s *PaymentService) { s.runner = r } }

func WithClock(now func() time.Time) Option { return func(s *PaymentService) { s.now = now } }

func NewPaymentService(repo payment.Repository, provider Provider, cfg Config, logger *zap.Logger, opts ...Option) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Description == "" {
		cfg.Description = defaultDescription
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = mpesa.DefaultTimeout
	}
	if cfg.CancelledResultCodes == nil {
		cfg.CancelledResultCodes = DefaultCancelledCodes
	}
	if cfg.Location == nil {
		cfg.Location = mpesa.DefaultLocation()
	}
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")

	s := &PaymentService{
		repo:      repo,
		provider:  provider,
		cfg:       cfg,
		logger:    logger,
		cancelled: lo.SliceToMap(cfg.CancelledResultCodes, func(c string) (string, struct{}) { return c, struct{}{} }),
		publisher: events.NopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTransactionID returns a fresh, time-sortable transaction id.
func NewTransactionID() string {
	return transactionIDPrefix + ulid.Make().String()
}

// ClassifyResult maps a provider result code to the terminal status it implies.
func (s *PaymentService) ClassifyResult(code string) payment.Status {
	code = strings.TrimSpace(code)
	if code == "0" {
		return payment.StatusCompleted
	}
	if _, ok := s.cancelled[code]; ok {
		return payment.StatusCancelled
	}
	return payment.StatusFailed
}

// Get returns one transaction.
func (s *PaymentService) Get(ctx context.Context, id string) (*payment.Transaction, error) {
	txn, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, &xerrors.UnknownTransactionError{Key: "id", Value: id}
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return txn, nil
}

// List returns a page of transactions matching filters.
func (s *PaymentService) List(ctx context.Context, filters *payment.ListFilters) (*payment.ListResponse, error) {
	if filters == nil {
		filters = &payment.ListFilters{}
	}
	normalizePaging(filters)
	for _, st := range filters.Statuses {
		if !st.Valid() {
			return nil, &xerrors.InvalidInputError{Field: "status", Reason: fmt.Sprintf("unknown status %q", st)}
		}
	}

	txns, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if txns == nil {
		txns = []payment.Transaction{}
	}

	return &payment.ListResponse{
		Transactions: txns,
		Total:        total,
		Page:         filters.Page,
		PageSize:     filters.PageSize,
		TotalPages:   int(math.Ceil(float64(total) / float64(filters.PageSize))),
	}, nil
}

// Stats summarises transactions matching filters.
func (s *PaymentService) Stats(ctx context.Context, filters *payment.ListFilters) (*payment.TransactionStats, error) {
	if filters == nil {
		filters = &payment.ListFilters{}
	}
	stats, err := s.repo.GetStats(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction stats: %w", err)
	}
	return stats, nil
}

func normalizePaging(f *payment.ListFilters) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	if f.SortOrder != "asc" {
		f.SortOrder = "desc"
	}
}

// detached returns a context that survives the caller's cancellation but not
// forever.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
