package collaboration

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnexpectedMessageType is returned when a peer sends a non-binary data frame
var ErrUnexpectedMessageType = errors.New("unexpected websocket message type")

// Stream is the receiving half of a peer connection.
// ReadMessage returns io.EOF once the peer closed the connection cleanly.
type Stream interface {
	ReadMessage() ([]byte, error)
}

// Sink is the sending half of a peer connection
type Sink interface {
	WriteMessage(msg []byte) error
}

// Conn is a full peer connection. Close must unblock a pending ReadMessage.
type Conn interface {
	Stream
	Sink
	Close() error
}

// Pinger is implemented by connections that need keepalive pings
type Pinger interface {
	Ping() error
}

// WSOptions configures a WebSocketConn
type WSOptions struct {
	WriteTimeout    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
}

// WebSocketConn adapts a gorilla WebSocket to Conn.
// Learning: gorilla allows one concurrent reader and one concurrent writer,
// so writes and pings share writeMu.
type WebSocketConn struct {
	conn    *websocket.Conn
	opts    WSOptions
	writeMu sync.Mutex
}

// NewWebSocketConn wraps conn and installs the read limit and pong handler
func NewWebSocketConn(conn *websocket.Conn, opts WSOptions) *WebSocketConn {
	c := &WebSocketConn{conn: conn, opts: opts}

	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	return c
}

// ReadMessage returns the next binary message
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	mt, p, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	c.extendReadDeadline()

	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedMessageType, mt)
	}
	return p, nil
}

// WriteMessage sends msg as one binary message
func (c *WebSocketConn) WriteMessage(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// Ping sends a keepalive ping
func (c *WebSocketConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close closes the underlying network connection without waiting on the peer
func (c *WebSocketConn) Close() error {
	return c.conn.Close()
}

func (c *WebSocketConn) extendReadDeadline() {
	if c.opts.PongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}
}
