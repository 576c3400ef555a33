package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendQueueSize = 256
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	writeWait     = 10 * time.Second
)

// Client is one websocket connection attached to a hub. The hub is the only
// writer to send and the only one that closes it.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	logger         zerolog.Logger
}

// NewClient creates a Client for conn. conn may be nil, in which case the hub
// only queues frames on the send channel and starts no pumps.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config) *Client {
	cfg = cfg.Sanitize()
	id := uuid.NewString()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendQueueSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         hub.logger.With().Str("client", id).Str("addr", addr).Logger(),
	}
}

// GetSendChan exposes the outgoing frame queue.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) extendReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("set read deadline")
	}
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.maxMessageSize).Msg("frame exceeded read limit; closing")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug().Err(err).Msg("client closed connection")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("connection dropped")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.logger.Warn().Err(err).Msg("unexpected close")
	default:
		c.logger.Debug().Err(err).Msg("read loop ended")
	}
}

// allowFrame applies the optional per-connection rate limit.
func (c *Client) allowFrame() bool {
	if c.rateLimiter.allow() {
		return true
	}
	c.logger.Warn().
		Int("burst", c.rateLimit.Burst).
		Dur("interval", c.rateLimit.RefillInterval).
		Msg("rate limit exceeded; frame discarded")
	return false
}

// processMessage decodes one envelope and hands chat submissions to the hub.
// It reports whether a message was submitted; unknown events are ignored.
func (c *Client) processMessage(ctx context.Context, frame []byte) bool {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.Warn().Err(err).Msg("frame is not an envelope")
		return false
	}

	if env.Event != EventChatMessage {
		c.logger.Debug().Str("event", env.Event).Msg("ignoring unknown event")
		return false
	}

	var in SubmitPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &in); err != nil {
			c.logger.Warn().Err(err).Msg("chatMessage payload is not an object")
			return false
		}
	}
	if err := c.hub.Submit(ctx, in); err != nil {
		c.logger.Debug().Err(err).Msg("chat message not delivered")
		return false
	}
	return true
}

// readPump feeds inbound frames to the hub until the connection fails, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConn("read")
	}()

	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if c.allowFrame() {
			c.processMessage(c.hub.ctx, frame)
		}
	}
}

// writePump drains the send queue one frame per message and keeps the
// connection alive with pings. A closed queue ends with a close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn("write")
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("set write deadline")
		return err
	}
	err := c.conn.WriteMessage(messageType, payload)
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Int("type", messageType).Msg("write failed")
	}
	return err
}

func (c *Client) closeConn(side string) {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Str("pump", side).Msg("close connection")
	}
}
