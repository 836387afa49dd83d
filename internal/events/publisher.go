// Package events publishes payment lifecycle events for downstream consumers
// (reporting, school accounting).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TypePaymentCompleted = "payment.completed"
	TypePaymentFailed    = "payment.failed"
	TypePaymentCancelled = "payment.cancelled"
)

// PaymentEvent is the message body. Amount is a decimal string.
type PaymentEvent struct {
	Type              string    `json:"type"`
	TransactionID     string    `json:"transaction_id"`
	Status            string    `json:"status"`
	Amount            string    `json:"amount"`
	ReceiptNumber     string    `json:"receipt_number,omitempty"`
	SubjectUserID     *int64    `json:"subject_user_id,omitempty"`
	SchoolID          *int64    `json:"school_id,omitempty"`
	CheckoutRequestID string    `json:"checkout_request_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
	Close() error
}

type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			ErrorLogger:  kafka.LoggerFunc(logger.Sugar().Errorf),
		},
		logger: logger,
	}
}

// Publish keys messages by transaction id so one payment's events stay ordered
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event PaymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write %s event: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, PaymentEvent) error { return nil }
func (NopPublisher) Close() error                                { return nil }
