package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultSafetyMargin keeps a token from expiring in the middle of a call.
const DefaultSafetyMargin = 60 * time.Second

// FetchFunc obtains a fresh token and its lifetime from the provider.
type FetchFunc func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// TokenStore is an optional shared tier so several replicas reuse one token.
type TokenStore interface {
	Load(ctx context.Context) (token string, expiresAt time.Time, ok bool, err error)
	Save(ctx context.Context, token string, expiresAt time.Time) error
}

// TokenSource caches the provider access token. Concurrent callers that miss
// the cache share a single refresh.
type TokenSource struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time

	group  singleflight.Group
	fetch  FetchFunc
	store  TokenStore
	margin time.Duration
	now    func() time.Time
	logger *zap.Logger
}

type TokenSourceOptions struct {
	Store        TokenStore
	SafetyMargin time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

func NewTokenSource(fetch FetchFunc, opts TokenSourceOptions) *TokenSource {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &TokenSource{
		fetch:  fetch,
		store:  opts.Store,
		margin: opts.SafetyMargin,
		now:    opts.Now,
		logger: opts.Logger,
	}
}

// Token returns a valid access token, refreshing it when expired. Refresh
// failures are returned as *xerrors.AuthenticationError.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	// The refresh outlives any single caller's cancellation since other
	// callers may be waiting on it.
	refreshCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do("token", func() (any, error) {
		if tok, ok := s.cached(); ok {
			return tok, nil
		}
		if tok, ok := s.loadShared(refreshCtx); ok {
			return tok, nil
		}
		return s.refresh(refreshCtx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after the provider answers 401.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

func (s *TokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, true
	}
	return "", false
}

func (s *TokenSource) set(token string, expiresAt time.Time) {
	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.mu.Unlock()
}

func (s *TokenSource) loadShared(ctx context.Context) (string, bool) {
	if s.store == nil {
		return "", false
	}
	tok, exp, ok, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("shared token store unavailable", zap.Error(err))
		return "", false
	}
	if !ok || tok == "" || !s.now().Before(exp) {
		return "", false
	}
	s.set(tok, exp)
	return tok, true
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	tok, expiresIn, err := s.fetch(ctx)
	if err != nil {
		return "", &xerrors.AuthenticationError{Err: err}
	}
	if tok == "" {
		return "", &xerrors.AuthenticationError{Err: fmt.Errorf("provider returned an empty access token")}
	}

	validity := expiresIn - s.margin
	if validity <= 0 {
		validity = expiresIn / 2
	}
	exp := s.now().Add(validity)
	s.set(tok, exp)

	if s.store != nil {
		if err := s.store.Save(ctx, tok, exp); err != nil {
			s.logger.Warn("failed to share access token", zap.Error(err))
		}
	}

	s.logger.Info("provider access token refreshed", zap.Time("expires_at", exp))
	return tok, nil
}

// RedisTokenStore shares the access token through Redis.
type RedisTokenStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisTokenStore(client redis.UniversalClient, key string) *RedisTokenStore {
	if key == "" {
		key = "mpesa:oauth:token"
	}
	return &RedisTokenStore{client: client, key: key}
}

type storedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *RedisTokenStore) Load(ctx context.Context) (string, time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to read shared token: %w", err)
	}

	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to decode shared token: %w", err)
	}
	return st.Token, st.ExpiresAt, true, nil
}

func (r *RedisTokenStore) Save(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(storedToken{Token: token, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, raw, ttl).Err()
}
