// This file contains WebSocket support for real-time coordination events.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// CoordinationEvent is one pushed blackboard change.
type CoordinationEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventHandler is called for each event received via WebSocket.
type EventHandler func(event CoordinationEvent)

// WSClient manages a WebSocket subscription for real-time events.
type WSClient struct {
	baseURL   string
	agentID   string
	conn      *websocket.Conn
	handlers  []EventHandler
	mu        sync.RWMutex
	done      chan struct{}
	reconnect bool
}

type WSOption func(*WSClient)

// WithAutoReconnect enables automatic reconnection on disconnect.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

// NewWSClient creates a WebSocket client subscribing as agentID.
func NewWSClient(baseURL, agentID string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		agentID:   agentID,
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler. Register before Connect.
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect establishes the WebSocket connection and starts dispatching
// events to registered handlers.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop(ctx)
	return nil
}

// Close stops the read loop and closes the connection.
func (c *WSClient) Close() error {
	close(c.done)
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) buildWSURL() (string, error) {
	if c.agentID == "" {
		return "", fmt.Errorf("agent id required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/agents/" + c.agentID
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		var event CoordinationEvent
		if err := wsjson.Read(ctx, c.conn, &event); err != nil {
			if c.reconnect {
				select {
				case <-c.done:
					return
				default:
					c.handleReconnect(ctx)
					continue
				}
			}
			return
		}

		c.mu.RLock()
		handlers := append([]EventHandler(nil), c.handlers...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(event)
		}
	}
}

func (c *WSClient) handleReconnect(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		wsURL, err := c.buildWSURL()
		if err != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err == nil {
			c.conn = conn
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
