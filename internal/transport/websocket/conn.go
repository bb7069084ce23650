// Package websocket serves the relay over WebSocket text frames.
package websocket

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/keyrelay/internal/config"
)

// closeGrace bounds the close handshake write.
const closeGrace = time.Second

// Conn adapts a gorilla connection to session.FrameConn. WriteFrame must only
// be called from one goroutine; pings go through WriteControl, which gorilla
// allows concurrently.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration

	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewConn configures ws for the relay and starts its keepalive pinger.
//
// Precondition: ws must be an open, upgraded connection; cfg must be validated.
// Postcondition: The read limit, read deadline and pong handler are installed.
func NewConn(ws *websocket.Conn, cfg config.WebSocketConfig) *Conn {
	c := &Conn{
		ws:           ws,
		writeTimeout: cfg.WriteTimeout,
		pongWait:     cfg.PongWait,
		stop:         make(chan struct{}),
	}

	ws.SetReadLimit(cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	go c.keepalive(cfg.PingPeriod())
	return c
}

// ReadFrame returns the next text frame. Binary frames are skipped.
//
// Postcondition: Returns io.EOF when the peer closes normally.
func (c *Conn) ReadFrame() (string, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return "", io.EOF
			}
			return "", err
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return string(data), nil
	}
}

// WriteFrame sends msg as one text frame within the write timeout.
func (c *Conn) WriteFrame(msg string) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Close sends a close frame and closes the socket. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *Conn) keepalive(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}
