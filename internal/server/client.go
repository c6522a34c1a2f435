package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/event"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// Client is one WebSocket connection. Its id is assigned on accept and never
// reused.
type Client struct {
	id          event.ConnID
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	closed      bool
	rooms       map[string]struct{}
	rateLimiter *rateLimiter
	limits      ConnectionLimits
	closeOnce   sync.Once
	logger      *zap.Logger
}

// NewClient wraps conn for hub. The hub's connection limits are applied
// immediately.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	id := event.ConnID(uuid.NewString())
	limits := hub.limits
	if conn != nil && limits.MaxMessageSize > 0 {
		conn.SetReadLimit(limits.MaxMessageSize)
	}

	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		hub:         hub,
		addr:        addr,
		rooms:       make(map[string]struct{}),
		rateLimiter: newRateLimiter(limits.RateLimit),
		limits:      limits,
		logger: hub.logger.With(
			zap.String("conn_id", string(id)),
			zap.String("remote_addr", addr),
		),
	}
}

// ID returns the connection id.
func (c *Client) ID() event.ConnID {
	return c.id
}

// Addr returns the remote address the connection was accepted from.
func (c *Client) Addr() string {
	return c.addr
}

// Logger returns a logger carrying the connection context.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError logs the reason a read loop ended at a level matching how
// surprising it is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", zap.Int64("max_bytes", c.limits.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("Client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		c.logger.Info("WebSocket read ended", zap.Error(err))
	}
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.allow() {
		return true
	}
	wsRateLimitedTotal.Inc()
	c.logger.Warn("Rate limit exceeded; discarding message",
		zap.Int("burst", c.limits.RateLimit.Burst),
		zap.Duration("refill_interval", c.limits.RateLimit.RefillInterval),
	)
	return false
}

// processMessage decodes one envelope and hands it to the hub's handler.
func (c *Client) processMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("Invalid envelope", zap.Error(err))
		return
	}
	if env.Event == "" {
		c.logger.Warn("Envelope without event name")
		return
	}
	if c.hub.handler != nil {
		c.hub.handler.HandleEvent(c, env.Event, env.Data)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("Error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.checkRateLimit() {
			continue
		}
		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("Error closing connection in writePump", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeMessage(message, ok) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeMessage writes one envelope per frame. A closed queue sends a close
// frame and stops the pump.
func (c *Client) writeMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("Error writing close message", zap.Error(err))
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("Error writing ping", zap.Error(err))
		return false
	}
	return true
}
