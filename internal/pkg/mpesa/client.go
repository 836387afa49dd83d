// Package mpesa is a small client for the M-Pesa Express (STK push) API:
// OAuth tokens, push requests, status queries and callback decoding.
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultOAuthPath       = "/oauth/v1/generate?grant_type=client_credentials"
	DefaultSTKPushPath     = "/mpesa/stkpush/v1/processrequest"
	DefaultSTKQueryPath    = "/mpesa/stkpushquery/v1/query"
	DefaultTransactionType = "CustomerPayBillOnline"
	DefaultTimeout         = 30 * time.Second

	maxResponseBytes = 1 << 20
)

type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	Shortcode       string
	Passkey         string
	TransactionType string

	OAuthPath    string
	STKPushPath  string
	STKQueryPath string

	Timeout      time.Duration
	SafetyMargin time.Duration
	Location     *time.Location
}

func (c *Config) setDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.OAuthPath == "" {
		c.OAuthPath = DefaultOAuthPath
	}
	if c.STKPushPath == "" {
		c.STKPushPath = DefaultSTKPushPath
	}
	if c.STKQueryPath == "" {
		c.STKQueryPath = DefaultSTKQueryPath
	}
	if c.TransactionType == "" {
		c.TransactionType = DefaultTransactionType
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Location == nil {
		c.Location = DefaultLocation()
	}
}

type Client struct {
	cfg    Config
	http   *http.Client
	tokens *TokenSource
	now    func() time.Time
	logger *zap.Logger
}

type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client. Its timeout is left as given.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) {
		c.tokens.store = store
	}
}

func NewClient(cfg Config, logger *zap.Logger, opts ...ClientOption) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: logger,
	}
	c.tokens = NewTokenSource(c.fetchToken, TokenSourceOptions{
		SafetyMargin: cfg.SafetyMargin,
		Now:          func() time.Time { return c.now() },
		Logger:       logger,
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tokens exposes the credential cache.
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

func (c *Client) Shortcode() string {
	return c.cfg.Shortcode
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.OAuthPath, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, decodeAPIError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn), nil
}

// STKPush asks the provider to prompt the payer. A response with a non-zero
// ResponseCode is returned without error; the caller decides what it means.
func (c *Client) STKPush(ctx context.Context, in PushRequest) (*STKPushResponse, error) {
	password, timestamp := Sign(c.cfg.Shortcode, c.cfg.Passkey, c.now().In(c.cfg.Location))
	body := stkPushBody{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            in.Amount,
		PartyA:            in.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       in.Phone,
		CallBackURL:       in.CallbackURL,
		AccountReference:  in.AccountReference,
		TransactionDesc:   in.Description,
	}

	var out STKPushResponse
	if err := c.post(ctx, c.cfg.STKPushPath, body, &out); err != nil {
		return nil, err
	}
	out.Request = body.Redacted()
	return &out, nil
}

// STKQuery asks the provider for the current state of a push request.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	password, timestamp := Sign(c.cfg.Shortcode, c.cfg.Passkey, c.now().In(c.cfg.Location))
	body := stkQueryBody{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var out STKQueryResponse
	if err := c.post(ctx, c.cfg.STKQueryPath, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}

	c.logger.Debug("provider call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{HTTPStatus: status}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Code == "" && apiErr.Message == "") {
		apiErr.Code = fmt.Sprintf("http_%d", status)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// AsAPIError unwraps a provider error envelope.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
