package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/wire"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound frame.
	maxMessageSize = 16384

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// sendBufferSize bounds the per-client outbound queue. A client that
	// cannot drain it is dropped rather than allowed to stall fan-out.
	sendBufferSize = 256
)

// Conn is the subset of the WebSocket connection the gateway uses.
// *websocket.Conn satisfies it; tests substitute a fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one live connection: a sid, the authenticated identity behind it,
// and the read/write pumps moving frames.
type Client struct {
	hub      *Hub
	conn     Conn
	send     chan []byte
	sid      string
	identity auth.Identity
	log      zerolog.Logger

	closeOnce sync.Once
}

func newClient(hub *Hub, conn Conn, sid string, identity auth.Identity, logger zerolog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		sid:      sid,
		identity: identity,
		log:      logger.With().Str("sid", sid).Logger(),
	}
}

// SID returns the client's session identifier.
func (c *Client) SID() string { return c.sid }

// Identity returns the authenticated principal behind the connection.
func (c *Client) Identity() auth.Identity { return c.identity }

// readPump reads frames and routes them to the hub's handlers. It owns the
// connection's liveness: pings go out from the write pump, and a pong (or any
// read) must arrive within 1.5 heartbeat intervals or the connection is
// treated as dead.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		_ = c.conn.Close()
	}()

	deadline := c.hub.heartbeat + c.hub.heartbeat/2
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.log.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}

		if frame.Event == wire.DisconnectRequest {
			return
		}
		c.hub.handleFrame(c, frame)
	}
}

// writePump moves frames from the send channel onto the wire and keeps the
// connection alive with periodic pings. It exits when the send channel closes.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait),
				)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// enqueue hands a serialised frame to the write pump. A full buffer means the
// consumer is too slow; the client is dropped so fan-out never blocks.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("Client send buffer full, dropping connection")
		c.hub.disconnect(c)
		_ = c.conn.Close()
	}
}

// sendEvent serialises and enqueues a server-to-client frame.
func (c *Client) sendEvent(event wire.Event, data any) {
	frame, err := NewServerFrame(event, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(event)).Msg("Failed to build frame")
		return
	}
	c.enqueue(frame)
}

// closeSend closes the send channel exactly once, terminating the write pump.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}
