// internal/websocket/hub.go
package websocket

import (
	"context"
	"sync"

	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
	"github.com/smart-kids/graph-sub000/internal/pkg/jwt"

	"go.uber.org/zap"
)

// TokenVerifier is satisfied by *jwt.Verifier.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*jwt.Claims, error)
}

type Hub struct {
	// Registered clients by user id
	clients map[int64]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	stopOnce   sync.Once

	handlerRegistry *HandlerRegistry

	verifier TokenVerifier
	logger   *zap.Logger
}

type BroadcastMessage struct {
	// UserIDs nil means every connected client subscribed to Channel.
	UserIDs []int64
	Channel wstypes.ChannelType
	Message *wstypes.WSMessage
}

func NewHub(verifier TokenVerifier, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:         make(map[int64]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *BroadcastMessage, 256),
		done:            make(chan struct{}),
		handlerRegistry: NewHandlerRegistry(),
		verifier:        verifier,
		logger:          logger,
	}
}

// AuthenticateClient validates the access token presented on the upgrade request.
func (h *Hub) AuthenticateClient(token string) (*ClientAuth, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := h.verifier.VerifyAccessToken(token)
	if err != nil {
		return nil, err
	}
	if claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}

	return &ClientAuth{
		UserID:   claims.UserID,
		TokenID:  claims.ID,
		SchoolID: claims.SchoolID,
		Roles:    claims.Roles,
	}, nil
}

func (h *Hub) RegisterHandler(handler MessageHandler) error {
	return h.handlerRegistry.Register(handler)
}

// Register hands a freshly upgraded client to the run loop.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if h.clients[client.auth.UserID] == nil {
		h.clients[client.auth.UserID] = make(map[*Client]bool)
	}
	h.clients[client.auth.UserID][client] = true
	total := h.totalClients()
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		zap.Int64("user_id", client.auth.UserID),
		zap.String("token_id", client.auth.TokenID),
		zap.Int("total", total))

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"user_id":  client.auth.UserID,
		"roles":    client.auth.Roles,
		"operator": client.auth.IsOperator(),
	}))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.auth.UserID]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	client.Close()
	if len(clients) == 0 {
		delete(h.clients, client.auth.UserID)
	}

	h.logger.Info("websocket client disconnected",
		zap.Int64("user_id", client.auth.UserID),
		zap.Int("total", h.totalClients()))
}

// deliver fans msg out to matching clients and drops any that cannot keep up.
func (h *Hub) deliver(msg *BroadcastMessage) {
	data, err := msg.Message.ToJSON()
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	send := func(clients map[*Client]bool) {
		for client := range clients {
			if client.IsSubscribed(msg.Channel) && !client.sendRaw(data) {
				slow = append(slow, client)
			}
		}
	}
	if msg.UserIDs == nil {
		for _, clients := range h.clients {
			send(clients)
		}
	} else {
		for _, id := range msg.UserIDs {
			send(h.clients[id])
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		h.removeLocked(client)
	}
	h.mu.Unlock()
}

// Broadcast queues msg without blocking the caller.
func (h *Hub) Broadcast(msg *BroadcastMessage) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- msg:
		return nil
	default:
		return ErrBroadcastQueueFull
	}
}

// PushPaymentStatus tells the paying user, and any operator watching all
// payments, that a transaction settled.
func (h *Hub) PushPaymentStatus(userID *int64, data *wstypes.PaymentStatusData) error {
	msg := wstypes.NewMessage(wstypes.EventTypePaymentStatus, data)
	if userID != nil {
		if err := h.Broadcast(&BroadcastMessage{
			UserIDs: []int64{*userID},
			Channel: wstypes.ChannelPayments,
			Message: msg,
		}); err != nil {
			return err
		}
	}
	return h.Broadcast(&BroadcastMessage{
		Channel: wstypes.ChannelPaymentsAll,
		Message: msg,
	})
}

func (h *Hub) ConnectedClients(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClients()
}

func (h *Hub) totalClients() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
		delete(h.clients, id)
	}
}
