// internal/websocket/client.go
package websocket

import (
	"context"
	"slices"
	"sync"
	"time"

	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
	"github.com/smart-kids/graph-sub000/internal/pkg/jwt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// ClientAuth holds what the hub learned from the access token.
type ClientAuth struct {
	UserID   int64
	TokenID  string
	SchoolID *int64
	Roles    []string
}

// IsOperator reports whether the caller may watch every user's payments.
func (a *ClientAuth) IsOperator() bool {
	for _, r := range []string{jwt.RoleAdmin, jwt.RoleSuperAdmin, jwt.RoleOps} {
		if slices.Contains(a.Roles, r) {
			return true
		}
	}
	return false
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	auth ClientAuth

	subscriptions map[wstypes.ChannelType]bool
	subMutex      sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, auth *ClientAuth) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		auth:          *auth,
		subscriptions: make(map[wstypes.ChannelType]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	// Every user sees their own payments without asking.
	c.subscriptions[wstypes.ChannelPayments] = true
	c.subscriptions[wstypes.ChannelSystem] = true
	return c
}

// Subscribe adds channel to the client's subscriptions. The all-payments
// channel is restricted to operators.
func (c *Client) Subscribe(channel wstypes.ChannelType) bool {
	switch channel {
	case wstypes.ChannelPayments, wstypes.ChannelSystem:
	case wstypes.ChannelPaymentsAll:
		if !c.auth.IsOperator() {
			return false
		}
	default:
		return false
	}

	c.subMutex.Lock()
	defer c.subMutex.Unlock()
	c.subscriptions[channel] = true
	return true
}

func (c *Client) Unsubscribe(channel wstypes.ChannelType) {
	c.subMutex.Lock()
	defer c.subMutex.Unlock()
	delete(c.subscriptions, channel)
}

func (c *Client) IsSubscribed(channel wstypes.ChannelType) bool {
	c.subMutex.RLock()
	defer c.subMutex.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) UserID() int64 {
	return c.auth.UserID
}

func (c *Client) IsOperator() bool {
	return c.auth.IsOperator()
}

// ReadPump handles incoming messages from the client. It owns unregistering.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed",
					zap.Int64("user_id", c.auth.UserID),
					zap.Error(err))
			}
			return
		}

		if !c.handleMessage(message) {
			return
		}
	}
}

// WritePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage returns false when the client fell too far behind to keep.
func (c *Client) handleMessage(data []byte) bool {
	msg, err := wstypes.ParseMessage(data)
	if err != nil {
		return c.SendError("invalid_message", "Failed to parse message", err.Error())
	}

	if handler, ok := c.hub.handlerRegistry.GetHandler(msg.Type); ok {
		if err := handler.HandleMessage(c.ctx, c, msg); err != nil {
			return c.SendError("handler_error", "Failed to process message", err.Error())
		}
		return true
	}

	switch msg.Type {
	case wstypes.EventTypePing:
		return c.SendMessage(wstypes.NewMessage(wstypes.EventTypePong, nil))

	case wstypes.EventTypeSubscribe:
		var req wstypes.SubscribeRequest
		if err := DecodeData(msg.Data, &req); err != nil {
			return c.SendError("invalid_subscribe", "Invalid subscribe request", err.Error())
		}
		var granted, denied []wstypes.ChannelType
		for _, channel := range req.Channels {
			if c.Subscribe(channel) {
				granted = append(granted, channel)
			} else {
				denied = append(denied, channel)
			}
		}
		return c.SendMessage(wstypes.NewMessage(wstypes.EventTypeSubscribe, map[string]interface{}{
			"channels": granted,
			"denied":   denied,
			"status":   "subscribed",
		}))

	case wstypes.EventTypeUnsubscribe:
		var req wstypes.UnsubscribeRequest
		if err := DecodeData(msg.Data, &req); err != nil {
			return c.SendError("invalid_unsubscribe", "Invalid unsubscribe request", err.Error())
		}
		for _, channel := range req.Channels {
			c.Unsubscribe(channel)
		}
		return c.SendMessage(wstypes.NewMessage(wstypes.EventTypeUnsubscribe, map[string]interface{}{
			"channels": req.Channels,
			"status":   "unsubscribed",
		}))

	default:
		return c.SendError("unsupported_event", "Unsupported event type", string(msg.Type))
	}
}

// SendMessage queues msg for the write pump. It never blocks and reports
// false when the buffer is full or the client is closed.
func (c *Client) SendMessage(msg *wstypes.WSMessage) bool {
	data, err := msg.ToJSON()
	if err != nil {
		c.hub.logger.Error("failed to marshal websocket message", zap.Error(err))
		return true
	}
	return c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendError sends an error event to the client
func (c *Client) SendError(code, message, details string) bool {
	return c.SendMessage(wstypes.NewMessage(wstypes.EventTypeError, wstypes.ErrorData{
		Code:    code,
		Message: message,
		Details: details,
	}))
}

// Close stops both pumps. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(c.cancel)
}
