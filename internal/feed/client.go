// Package feed connects the engine to the oracle gateway's real-time
// WebSocket: signed attestation verdicts and advisory price updates.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velobridge/settle/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// GatewayCommand is the subscribe/unsubscribe envelope sent to the oracle
// gateway.
type GatewayCommand struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Assets   []string `json:"assets,omitempty"`
}

// AttestationMessage is a signed oracle verdict as delivered on the
// "attestations" channel.
type AttestationMessage struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id"`
	Round     uint64 `json:"round"`
	Success   bool   `json:"success"`
	TxRef     string `json:"tx_ref"`
	Signature string `json:"signature"`
}

// PriceMessage is an advisory price tick on the "prices" channel. Price and
// volatility are fixed-point 1e6 ticks.
type PriceMessage struct {
	Type       string `json:"type"`
	Asset      string `json:"asset"`
	Price      int64  `json:"price"`
	Volatility int64  `json:"volatility"`
	Timestamp  int64  `json:"ts"`
}

// AttestationMessageHandler is called for every attestation envelope received.
type AttestationMessageHandler func(AttestationMessage)

// PriceMessageHandler is called for every price tick received.
type PriceMessageHandler func(PriceMessage)

// GatewayClient is a WebSocket client for the oracle gateway feed. It manages
// the connection lifecycle, subscriptions, and dispatches messages to
// registered handlers. Reconnection is the caller's job: on disconnect the
// read loop stops and subsequent reads fail, so callers run a fresh client
// per connection attempt.
type GatewayClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscriptions to restore on reconnect.
	subscriptions []GatewayCommand

	attHandlers   []AttestationMessageHandler
	priceHandlers []PriceMessageHandler
	handlerMu     sync.RWMutex

	// done is closed when the client is shut down.
	done chan struct{}

	// readErr receives the terminal read-loop error exactly once.
	readErr chan error
}

// NewGatewayClient creates a client for the given oracle gateway WebSocket
// URL, e.g. "wss://oracle.example.com/ws".
func NewGatewayClient(wsURL string) *GatewayClient {
	return &GatewayClient{
		wsURL:   wsURL,
		done:    make(chan struct{}),
		readErr: make(chan error, 1),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (c *GatewayClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("feed: connect: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	c.conn = conn

	// Pong handler for keep-alive.
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop()
	go c.pingLoop()

	for _, cmd := range c.subscriptions {
		if err := c.sendCommand(cmd); err != nil {
			return fmt.Errorf("feed: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to the given channels, optionally scoped to assets.
// Valid channels are "attestations" and "prices".
func (c *GatewayClient) Subscribe(ctx context.Context, channels, assets []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	cmd := GatewayCommand{
		Type:     "subscribe",
		Channels: channels,
		Assets:   assets,
	}
	if err := c.sendCommand(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	// Track for restore on reconnect.
	c.subscriptions = append(c.subscriptions, cmd)
	return nil
}

// OnAttestation registers a handler for attestation envelopes.
func (c *GatewayClient) OnAttestation(handler AttestationMessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.attHandlers = append(c.attHandlers, handler)
}

// OnPrice registers a handler for price ticks.
func (c *GatewayClient) OnPrice(handler PriceMessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.priceHandlers = append(c.priceHandlers, handler)
}

// Wait blocks until the connection drops or ctx is cancelled, returning the
// read error that ended the connection.
func (c *GatewayClient) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return nil
	case err := <-c.readErr:
		return err
	}
}

// Close shuts down the connection and stops the read loop.
func (c *GatewayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return c.conn.Close()
	}

	return nil
}

// sendCommand sends a JSON command to the gateway. Caller must hold c.mu.
func (c *GatewayClient) sendCommand(cmd GatewayCommand) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages until the connection drops, dispatching each to
// the registered handlers.
func (c *GatewayClient) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.readErr <- fmt.Errorf("feed: read: %w", err)
			}
			return
		}

		c.handleMessage(message)
	}
}

// pingLoop keeps the WebSocket alive with periodic pings.
func (c *GatewayClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage routes a raw message by its type field. Unparseable and
// unknown messages are dropped.
func (c *GatewayClient) handleMessage(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "attestation":
		var msg AttestationMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}

		c.handlerMu.RLock()
		handlers := c.attHandlers
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(msg)
		}

	case "price":
		var msg PriceMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}

		c.handlerMu.RLock()
		handlers := c.priceHandlers
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}
