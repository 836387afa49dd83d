// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"

	"github.com/oklog/ulid/v2"
)

// EventType represents different real-time event types
type EventType string

const (
	// Connection events
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"

	// Payment events (server -> client)
	EventTypePaymentStatus EventType = "payment:status"
	// Client asks for the current state of one of its payments.
	EventTypePaymentLookup EventType = "payment:lookup"

	// Subscription events
	EventTypeSubscribe   EventType = "subscribe"
	EventTypeUnsubscribe EventType = "unsubscribe"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      interface{}            `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"`
}

// ChannelType names a stream a client can subscribe to.
type ChannelType string

const (
	ChannelPayments ChannelType = "payments"
	// ChannelPaymentsAll carries every user's payment updates; operators only.
	ChannelPaymentsAll ChannelType = "payments:all"
	ChannelSystem      ChannelType = "system"
)

type SubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

type UnsubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

// ErrorData for error events
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PaymentStatusData is pushed when a payment reaches a terminal status.
type PaymentStatusData struct {
	TransactionID     string     `json:"transaction_id"`
	Status            string     `json:"status"`
	Amount            string     `json:"amount"`
	ReceiptNumber     string     `json:"receipt_number,omitempty"`
	CheckoutRequestID string     `json:"checkout_request_id,omitempty"`
	ResultCode        string     `json:"result_code,omitempty"`
	ResultMessage     string     `json:"result_message,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func NewPaymentStatusData(txn *payment.Transaction) *PaymentStatusData {
	data := &PaymentStatusData{
		TransactionID:     txn.ID,
		Status:            string(txn.Status),
		Amount:            txn.Amount.StringFixed(2),
		CheckoutRequestID: txn.CheckoutRequestID(),
		CompletedAt:       txn.CompletedAt,
	}
	if txn.ProviderReceiptNumber != nil {
		data.ReceiptNumber = *txn.ProviderReceiptNumber
	}
	if txn.ResultCode != nil {
		data.ResultCode = *txn.ResultCode
	}
	if txn.ResultMessage != nil {
		data.ResultMessage = *txn.ResultMessage
	}
	return data
}

// NewMessage stamps a message with the current time and a sortable id.
func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		ID:        ulid.Make().String(),
	}
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return &msg, err
}
