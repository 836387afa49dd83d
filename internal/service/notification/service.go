// internal/service/notification/service.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smart-kids/graph-sub000/internal/pkg/phone"

	"go.uber.org/zap"
)

// Notifier delivers a short text message to a phone number.
type Notifier interface {
	Notify(ctx context.Context, to, message string) error
}

type SMSConfig struct {
	APIURL   string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

// SMSSender posts messages to an HTTP SMS gateway.
type SMSSender struct {
	cfg    SMSConfig
	http   *http.Client
	logger *zap.Logger
}

func NewSMSSender(cfg SMSConfig, logger *zap.Logger) *SMSSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMSSender{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type smsRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	SenderID string `json:"sender_id,omitempty"`
}

func (s *SMSSender) Notify(ctx context.Context, to, message string) error {
	payload, err := json.Marshal(smsRequest{To: to, Message: message, SenderID: s.cfg.SenderID})
	if err != nil {
		return fmt.Errorf("failed to encode sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	s.logger.Info("sms sent", zap.String("to", phone.Mask(to)))
	return nil
}

// LogNotifier only logs. Used when no SMS gateway is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, to, message string) error {
	n.logger.Info("sms not sent: no gateway configured",
		zap.String("to", phone.Mask(to)),
		zap.String("message", message),
	)
	return nil
}
