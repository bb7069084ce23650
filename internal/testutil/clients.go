// Package testutil provides relay test clients for integration testing.
package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// frameReader collects frames from a background reader goroutine.
type frameReader struct {
	t      *testing.T
	frames chan string
}

func newFrameReader(t *testing.T) frameReader {
	return frameReader{t: t, frames: make(chan string, 64)}
}

// Expect waits for the next frame and fails the test unless it equals want.
//
// Postcondition: Consumes exactly one frame, or fails on timeout.
func (r frameReader) Expect(want string, timeout time.Duration) {
	r.t.Helper()
	select {
	case got, ok := <-r.frames:
		if !ok {
			r.t.Fatalf("connection closed while waiting for %q", want)
		}
		if got != want {
			r.t.Fatalf("got frame %q, want %q", got, want)
		}
	case <-time.After(timeout):
		r.t.Fatalf("timed out after %s waiting for %q", timeout, want)
	}
}

// ExpectNothing fails the test if any frame arrives within wait.
func (r frameReader) ExpectNothing(wait time.Duration) {
	r.t.Helper()
	select {
	case got, ok := <-r.frames:
		if ok {
			r.t.Fatalf("unexpected frame %q", got)
		}
	case <-time.After(wait):
	}
}

// WSClient is a WebSocket relay client.
type WSClient struct {
	frameReader
	conn *websocket.Conn
}

// NewWSClient dials url (ws://...) and starts reading text frames.
//
// Precondition: url must point at a listening relay endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v [%s]", url, err, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() {
		conn.Close()
	})

	c := &WSClient{frameReader: newFrameReader(t), conn: conn}
	go func() {
		defer close(c.frames)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage {
				c.frames <- string(data)
			}
		}
	}()

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return c
}

// Send writes text as one text frame.
func (c *WSClient) Send(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// SendBinary writes data as one binary frame.
func (c *WSClient) SendBinary(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.t.Fatalf("sending binary frame: %v", err)
	}
}

// Close performs the close handshake and closes the socket.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}

// LineClient is a line-oriented TCP relay client.
type LineClient struct {
	frameReader
	conn net.Conn
}

// NewLineClient dials addr and starts reading CRLF-terminated lines.
// Telnet IAC sequences are not expected; the server must not negotiate.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t *testing.T, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	t.Cleanup(func() {
		conn.Close()
	})

	c := &LineClient{frameReader: newFrameReader(t), conn: conn}
	go func() {
		defer close(c.frames)
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			c.frames <- strings.TrimRight(sc.Text(), "\r")
		}
	}()

	t.Logf("line client connected to %s [%s]", addr, time.Since(start))
	return c
}

// Send writes a line of text to the server, appending \r\n.
//
// Precondition: text should not contain trailing newline characters.
func (c *LineClient) Send(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", text); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	c.conn.Close()
}
