// Package telnet serves the relay over line-oriented TCP. Each line is one
// frame; telnet IAC sequences are stripped so plain telnet clients work.
package telnet

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"sync"
	"time"
)

// Telnet command bytes (RFC 854).
const (
	IAC  byte = 255
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250
	SE   byte = 240

	OptEcho            byte = 1
	OptSuppressGoAhead byte = 3
)

// MaxLineBytes bounds one inbound line.
const MaxLineBytes = 4096

// ErrLineTooLong is returned by ReadFrame when a line exceeds MaxLineBytes.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// Conn adapts a TCP connection to session.FrameConn.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	iac    iacFilter
	sawCR  bool
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps raw. Zero timeouts disable the corresponding deadline.
//
// Precondition: raw must be an open network connection.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, MaxLineBytes),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Negotiate offers suppress-go-ahead so character-mode clients stay quiet.
func (c *Conn) Negotiate() error {
	return c.write([]byte{IAC, WILL, OptSuppressGoAhead})
}

// ReadFrame returns the next line without its terminator. Telnet commands are
// stripped by the same filter FilterIAC uses, so an escaped IAC IAC yields a
// literal 0xFF. Control characters other than tab are dropped. CR, LF and
// CRLF each end a line, including a CRLF split across reads.
//
// Postcondition: Returns io.EOF once the peer closes, even mid-line.
func (c *Conn) ReadFrame() (string, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	var line bytes.Buffer
	for {
		raw, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}
		b, ok := c.iac.feed(raw)
		if !ok {
			continue
		}

		afterCR := c.sawCR
		c.sawCR = false
		switch {
		case b == '\n' && afterCR:
			continue
		case b == '\n':
			return line.String(), nil
		case b == '\r':
			c.sawCR = true
			return line.String(), nil
		case b < 32 && b != '\t':
			continue
		}

		if line.Len() >= MaxLineBytes {
			return "", ErrLineTooLong
		}
		line.WriteByte(b)
	}
}

// WriteFrame sends msg followed by CRLF.
func (c *Conn) WriteFrame(msg string) error {
	buf := make([]byte, 0, len(msg)+2)
	buf = append(buf, msg...)
	buf = append(buf, '\r', '\n')
	return c.write(buf)
}

func (c *Conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.raw.Write(data)
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	err := c.raw.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// FilterIAC removes telnet command sequences from input. An escaped IAC IAC
// yields one literal 0xFF; an unterminated sequence at the end is dropped.
//
// Postcondition: The result never contains a command introduced by IAC.
func FilterIAC(input []byte) []byte {
	var f iacFilter
	out := make([]byte, 0, len(input))
	for _, raw := range input {
		if b, ok := f.feed(raw); ok {
			out = append(out, b)
		}
	}
	return out
}

type iacState uint8

const (
	stateData iacState = iota
	stateCommand
	stateOption
	stateSub
	stateSubIAC
)

// iacFilter is a byte-at-a-time telnet command stripper. Its state carries
// across reads, so sequences split between TCP segments are handled.
type iacFilter struct {
	state iacState
}

// feed consumes one input byte and reports the data byte it yields, if any.
func (f *iacFilter) feed(b byte) (byte, bool) {
	switch f.state {
	case stateCommand:
		switch b {
		case WILL, WONT, DO, DONT:
			f.state = stateOption
		case SB:
			f.state = stateSub
		case IAC:
			f.state = stateData
			return IAC, true
		default:
			f.state = stateData
		}
	case stateOption:
		f.state = stateData
	case stateSub:
		if b == IAC {
			f.state = stateSubIAC
		}
	case stateSubIAC:
		if b == SE {
			f.state = stateData
		} else {
			f.state = stateSub
		}
	default:
		if b == IAC {
			f.state = stateCommand
			return 0, false
		}
		return b, true
	}
	return 0, false
}
