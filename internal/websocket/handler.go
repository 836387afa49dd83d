// internal/websocket/handler.go
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
)

// MessageHandler serves client-initiated events outside the hub's built-ins.
type MessageHandler interface {
	HandleMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) error
	SupportedEvents() []wstypes.EventType
}

// builtinEvents are answered by the client itself and cannot be taken over.
var builtinEvents = map[wstypes.EventType]struct{}{
	wstypes.EventTypePing:        {},
	wstypes.EventTypeSubscribe:   {},
	wstypes.EventTypeUnsubscribe: {},
}

// HandlerRegistry maps event types to handlers. Handlers may be registered
// while clients are already connected.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[wstypes.EventType]MessageHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[wstypes.EventType]MessageHandler)}
}

// Register binds every event the handler supports. It fails without
// registering anything if an event is built in or already bound.
func (r *HandlerRegistry) Register(handler MessageHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := handler.SupportedEvents()
	for _, e := range events {
		if _, ok := builtinEvents[e]; ok {
			return fmt.Errorf("websocket event %q is built in", e)
		}
		if _, ok := r.handlers[e]; ok {
			return fmt.Errorf("websocket event %q already has a handler", e)
		}
	}
	for _, e := range events {
		r.handlers[e] = handler
	}
	return nil
}

func (r *HandlerRegistry) GetHandler(eventType wstypes.EventType) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[eventType]
	return handler, ok
}

// DecodeData re-decodes a message's generic payload into target.
func DecodeData(data interface{}, target interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
