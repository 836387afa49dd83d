// internal/websocket/handler/payment.go
package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
	ws "github.com/smart-kids/graph-sub000/internal/websocket"
)

// PaymentReader is the read side of the payment service.
type PaymentReader interface {
	Get(ctx context.Context, id string) (*payment.Transaction, error)
}

type PaymentHandler struct {
	payments PaymentReader
}

func NewPaymentHandler(payments PaymentReader) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

func (h *PaymentHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{wstypes.EventTypePaymentLookup}
}

func (h *PaymentHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	switch msg.Type {
	case wstypes.EventTypePaymentLookup:
		return h.handleLookup(ctx, client, msg)
	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}
}

func (h *PaymentHandler) handleLookup(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := ws.DecodeData(msg.Data, &req); err != nil || req.TransactionID == "" {
		client.SendError("invalid_request", "transaction_id is required", "")
		return nil
	}

	txn, err := h.payments.Get(ctx, req.TransactionID)
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
		client.SendError("not_found", "Transaction not found", req.TransactionID)
		return nil
	case err != nil:
		return err
	}

	// Users only see their own payments; not-found hides the rest.
	if !client.IsOperator() && (txn.SubjectUserID == nil || *txn.SubjectUserID != client.UserID()) {
		client.SendError("not_found", "Transaction not found", req.TransactionID)
		return nil
	}

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypePaymentStatus, wstypes.NewPaymentStatusData(txn)))
	return nil
}
