package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netra-systems/zen-sub342/internal/model"
)

// Options holds per-connection WebSocket settings.
type Options struct {
	// SendBuffer is how many frames may queue before a slow client is dropped.
	SendBuffer int
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// MaxMessageSize bounds inbound frames.
	MaxMessageSize int64
}

// DefaultOptions returns the default connection settings.
func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		PingInterval:   20 * time.Second,
		PongWait:       25 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 8192,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	return o
}

// Client is a gorilla WebSocket connection exposed as a model.Transport.
// Writes are queued and drained by a single write pump.
type Client struct {
	conn *websocket.Conn
	opts Options
	send chan []byte

	mu          sync.Mutex
	state       model.TransportState
	closeCode   int
	closeReason string
}

// NewClient wraps an upgraded connection. The client reports CONNECTED
// until it is closed by either side.
func NewClient(conn *websocket.Conn, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		conn:  conn,
		opts:  opts,
		send:  make(chan []byte, opts.SendBuffer),
		state: model.TransportConnected,
	}
}

// Send queues a frame. A full buffer means the peer is not keeping up; the
// client is closed with try-again-later rather than blocking the caller.
func (c *Client) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != model.TransportConnected {
		return model.ErrTransportClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.beginCloseLocked(model.CloseTryAgainLater, "send buffer full")
		return fmt.Errorf("%w: send buffer full", model.ErrTransportClosed)
	}
}

// Close starts a graceful close: queued frames are flushed and a close
// frame carrying code and reason is written. Closing twice is a no-op.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != model.TransportConnected {
		return nil
	}
	c.beginCloseLocked(code, reason)
	return nil
}

func (c *Client) beginCloseLocked(code int, reason string) {
	c.state = model.TransportClosing
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

// State reports the transport's live state.
func (c *Client) State(ctx context.Context) (model.TransportState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

// CloseInfo returns the code and reason of a server-initiated close.
func (c *Client) CloseInfo() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Run pumps the connection until it ends. onMessage is called for every
// inbound text frame and onPong for every keepalive pong. The returned
// error describes why the read side stopped.
func (c *Client) Run(onMessage func([]byte), onPong func()) error {
	go c.writePump()
	return c.readPump(onMessage, onPong)
}

// readPump reads frames from the peer. It is the only reader.
func (c *Client) readPump(onMessage func([]byte), onPong func()) error {
	defer func() {
		c.mu.Lock()
		if c.state == model.TransportConnected {
			// The peer went away first; stop the write pump without a close frame.
			close(c.send)
		}
		c.state = model.TransportClosed
		c.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if onPong != nil {
			onPong()
		}
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		onMessage(message)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It is the only writer of data frames.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				code, reason := c.CloseInfo()
				if code != 0 {
					c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				}
				return
			}
			// One frame per message so clients can JSON.parse each one.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reject writes an error message and a close frame to a connection that
// was never registered, then closes it.
func reject(conn *websocket.Conn, writeWait time.Duration, code int, message string) {
	deadline := time.Now().Add(writeWait)
	if payload, err := model.NewMessage(model.EventError, map[string]any{
		"code":    code,
		"message": message,
	}).Encode(); err == nil {
		conn.SetWriteDeadline(deadline)
		conn.WriteMessage(websocket.TextMessage, payload)
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), deadline)
	conn.Close()
}

// peerClose extracts the close code and reason from a read error.
func peerClose(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return model.CloseGoingAway, "connection lost"
}
