package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024

	// Inbound messages buffered ahead of the session.
	inboundBufferSize = 16
)

// Message is one frame received from the subscriber.
type Message struct {
	Data []byte
	Text bool
}

// Conn is the transport a Session runs over.
type Conn interface {
	// Messages yields inbound frames and is closed when the peer goes away.
	Messages() <-chan Message
	WriteText(data []byte) error
	Close() error
}

// wsConn adapts a gorilla websocket connection to Conn. A read pump feeds
// Messages and a ping loop keeps the connection alive; only the session
// goroutine writes data frames.
type wsConn struct {
	conn     *websocket.Conn
	messages chan Message
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func NewConn(conn *websocket.Conn, logger *zap.Logger) Conn {
	c := &wsConn{
		conn:     conn,
		messages: make(chan Message, inboundBufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go c.readPump()
	go c.pingLoop()
	return c
}

func (c *wsConn) Messages() <-chan Message { return c.messages }

// readPump reads messages from the WebSocket connection.
func (c *wsConn) readPump() {
	defer close(c.messages)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		select {
		case c.messages <- Message{Data: data, Text: msgType == websocket.TextMessage}:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) WriteText(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}
