// internal/websocket/errors.go
package websocket

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrHubStopped   = errors.New("websocket hub stopped")

	ErrBroadcastQueueFull = errors.New("websocket broadcast queue full")
)
