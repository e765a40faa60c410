package server

import (
	"sync/atomic"
	"time"

	"github.com/dylanconnolly/shop-gateway/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the part of *websocket.Conn the gateway uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnState is the lifecycle state of a connection. Closed is terminal.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// Client is one websocket connection. The read pump handles inbound frames in
// arrival order; the write pump is the only writer of data frames.
type Client struct {
	id       ConnID
	identity auth.Identity
	gateway  *Gateway
	conn     Conn
	send     chan []byte
	closed   chan struct{}
	state    atomic.Int32
	log      *zap.Logger
}

func newClient(id ConnID, conn Conn, g *Gateway) *Client {
	return &Client{
		id:      id,
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, g.opts.SendBuffer),
		closed:  make(chan struct{}),
		log:     g.log.With(zap.String("conn", string(id))),
	}
}

func (c *Client) ID() ConnID { return c.id }

func (c *Client) Identity() auth.Identity { return c.identity }

func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// Close closes the connection from the server side. Calling it more than once,
// or racing it with a client-side disconnect, tears down only once.
func (c *Client) Close() {
	if c.State() == StateClosed {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.gateway.opts.WriteWait))
	c.teardown()
}

// reject ends a connection that failed authentication.
func (c *Client) reject(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.gateway.opts.WriteWait))
	c.teardown()
}

// teardown moves the connection to Closed. Only the first call has any
// effect; an authenticated connection is then removed from the gateway.
func (c *Client) teardown() {
	prev := ConnState(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	close(c.closed)
	_ = c.conn.Close()

	if prev == StateAuthenticated {
		c.gateway.disconnect(c)
	}
	c.gateway.forget(c)
}

func (c *Client) run() {
	go c.writeMessage()
	go c.readMessage()
}

func (c *Client) readMessage() {
	defer c.teardown()

	opts := c.gateway.opts
	c.conn.SetReadLimit(opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("error reading message", zap.Error(err))
			}
			return
		}

		c.handleRead(message)
	}
}

func (c *Client) handleRead(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic handling message", zap.Any("panic", r))
		}
	}()

	cmd, err := decodeCommand(message)
	if err != nil {
		c.log.Warn("dropping malformed message", zap.Error(err), zap.ByteString("sample", sample(message)))
		return
	}

	// determine type of incoming message
	switch cmd.Type {
	case EventMessagesFromServer:
		chat, err := decodeChatCommand(cmd.Payload)
		if err != nil {
			c.log.Warn("dropping malformed chat payload", zap.Error(err), zap.ByteString("sample", sample(message)))
			return
		}
		c.gateway.relayChat(c, chat)
	default:
		c.log.Debug("ignoring command", zap.String("type", string(cmd.Type)))
	}
}

func (c *Client) writeMessage() {
	opts := c.gateway.opts
	ticker := time.NewTicker(opts.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				// hub dropped us or is shutting down
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Info("error writing message to websocket", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func sample(b []byte) []byte {
	if len(b) > 256 {
		return b[:256]
	}
	return b
}
