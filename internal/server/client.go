// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/relay/internal/relay"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Client represents a WebSocket client connection. It is the relay.Handle the
// router forwards messages to: Forward never blocks, and anything sent after
// the client closed or while its buffer is full is dropped.
type Client struct {
	id             string
	conn           *websocket.Conn
	hub            *Hub
	addr           string
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	flushWait      time.Duration
	log            zerolog.Logger

	sendMu sync.RWMutex
	send   chan []byte
	closed bool
}

var (
	_ relay.Handle    = (*Client)(nil)
	_ relay.Deliverer = (*Client)(nil)
)

// NewClient creates a new Client for conn, owned by hub. conn may be nil in
// tests that only exercise the send path.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.config
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		flushWait:      writeWait,
		log:            hub.log.With().Str("conn_id", id).Str("remote_addr", addr).Logger(),
		send:           make(chan []byte, cfg.SendBufferSize),
	}
}

// ID returns the connection's unique id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Forward hands msg to the write pump as a receive_message event.
func (c *Client) Forward(msg *relay.Message) {
	frame, err := encodeEnvelope(EventReceiveMessage, msg)
	if err != nil {
		c.log.Error().Err(err).Msg("error encoding message for delivery")
		return
	}
	if !c.trySend(frame) {
		c.log.Debug().Str("recipient", string(msg.RecipientID)).Msg("dropping message for closed or saturated connection")
	}
}

// Deliver queues msg as a receive_message event, waiting up to flushWait for
// room in the send buffer. The router uses it to flush an offline backlog
// that may be larger than the buffer; false means the message was not queued.
func (c *Client) Deliver(ctx context.Context, msg *relay.Message) bool {
	frame, err := encodeEnvelope(EventReceiveMessage, msg)
	if err != nil {
		c.log.Error().Err(err).Msg("error encoding message for delivery")
		return false
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed {
		return false
	}

	timer := time.NewTimer(c.flushWait)
	defer timer.Stop()

	select {
	case c.send <- frame:
		return true
	case <-timer.C:
		c.log.Warn().Dur("wait", c.flushWait).Msg("send buffer stayed full while flushing offline messages")
		return false
	case <-ctx.Done():
		return false
	}
}

// sendEvent queues a server-originated event for this client.
func (c *Client) sendEvent(event string, payload any) {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("error encoding event")
		return
	}
	if !c.trySend(frame) {
		c.log.Debug().Str("event", event).Msg("dropping event for closed or saturated connection")
	}
}

func (c *Client) trySend(frame []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend stops further sends and lets the write pump finish. Safe to call
// more than once.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure and reports whether the read loop
// should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
	return true
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.log.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		select {
		case c.hub.inbound <- inboundFrame{client: c, raw: raw}:
		case <-c.hub.ctx.Done():
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the WebSocket connection, logging unexpected errors.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error closing connection in writePump")
	}
}

// handleFrame writes one outgoing frame and returns false if the connection
// should be closed. Each envelope is its own websocket message.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error writing close message")
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug().Err(err).Msg("error writing ping message")
		return false
	}
	return true
}
