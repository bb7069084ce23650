package telnet

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFilterIAC(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{"plain", []byte("press|a"), []byte("press|a")},
		{"will", []byte{IAC, WILL, OptEcho, 'h', 'i'}, []byte("hi")},
		{"wont", []byte{IAC, WONT, OptSuppressGoAhead, 'o', 'k'}, []byte("ok")},
		{"do in middle", []byte{'a', IAC, DO, OptEcho, 'b'}, []byte("ab")},
		{"dont only", []byte{IAC, DONT, OptEcho}, []byte{}},
		{"subnegotiation", []byte{IAC, SB, 24, 0, 'x', 't', 'e', 'r', 'm', IAC, SE, 'z'}, []byte("z")},
		{"unterminated subnegotiation", []byte{'a', IAC, SB, 24, 0, 'x'}, []byte("a")},
		{"escaped iac", []byte{'a', IAC, IAC, 'b'}, []byte{'a', IAC, 'b'}},
		{"two byte command", []byte{'x', IAC, 241, 'y'}, []byte("xy")},
		{"trailing iac", []byte{'a', IAC}, []byte("a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterIAC(tt.input))
		})
	}
}

func TestPropertyFilterIAC_PlainBytesPassThrough(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := rapid.SliceOfN(rapid.ByteRange(0, IAC-1), 0, 200).Draw(t, "input")
		assert.Equal(t, input, FilterIAC(input))
	})
}

func TestPropertyFilterIAC_StripsInterleavedOptions(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chunks := rapid.SliceOfN(rapid.StringMatching(`[a-z|]{0,8}`), 1, 10).Draw(t, "chunks")
		var input []byte
		for i, chunk := range chunks {
			input = append(input, chunk...)
			if i < len(chunks)-1 {
				verb := rapid.SampledFrom([]byte{WILL, WONT, DO, DONT}).Draw(t, "verb")
				input = append(input, IAC, verb, rapid.Byte().Draw(t, "option"))
			}
		}
		assert.Equal(t, strings.Join(chunks, ""), string(FilterIAC(input)))
	})
}

func TestPropertyFilterIAC_OutputNeverLongerThanInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := rapid.SliceOfN(rapid.Byte(), 0, 200).Draw(t, "input")
		assert.LessOrEqual(t, len(FilterIAC(input)), len(input))
	})
}

// pipe returns a Conn over one end of net.Pipe and the peer end.
func pipe(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewConn(server, 2*time.Second, 2*time.Second), client
}

func feed(t *testing.T, peer net.Conn, data []byte) {
	t.Helper()
	go func() {
		_, _ = peer.Write(data)
	}()
}

func TestConn_ReadFrame(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []string
	}{
		{"crlf", []byte("setId|room1\r\npress|a\r\n"), []string{"setId|room1", "press|a"}},
		{"lf", []byte("press|a\nrelease|a\n"), []string{"press|a", "release|a"}},
		{"empty line", []byte("\r\npress|a\r\n"), []string{"", "press|a"}},
		{"negotiation stripped", append([]byte{IAC, DO, OptSuppressGoAhead}, "press|a\r\n"...), []string{"press|a"}},
		{"subnegotiation stripped", append([]byte{'p', IAC, SB, 31, 0, 80, IAC, SE}, "ress|a\r\n"...), []string{"press|a"}},
		{"control characters dropped", []byte("pre\x00ss|\x07a\r\n"), []string{"press|a"}},
		{"tab kept", []byte("press|\t\r\n"), []string{"press|\t"}},
		{"will stripped", []byte{'p', 'r', 'e', 's', 's', IAC, WILL, OptEcho, '|', 'a', '\n'}, []string{"press|a"}},
		{"escaped iac kept", []byte("press|\xff\xffx\r\n"), []string{"press|\xffx"}},
		{"subnegotiation spans newline", append([]byte{IAC, SB, 31, '\n', 80, IAC, SE}, "press|a\n"...), []string{"press|a"}},
		{"lone cr", []byte("press|a\rrelease|a\r"), []string{"press|a", "release|a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, peer := pipe(t)
			feed(t, peer, tt.input)
			for _, want := range tt.want {
				got, err := conn.ReadFrame()
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestConn_ReadFrameCRLFSplitAcrossReads(t *testing.T) {
	conn, peer := pipe(t)
	go func() {
		_, _ = peer.Write([]byte("press|a\r"))
		_, _ = peer.Write([]byte("\nrelease|a\r\n"))
	}()

	got, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "press|a", got)

	got, err = conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "release|a", got)
}

func TestConn_IACSplitAcrossReads(t *testing.T) {
	conn, peer := pipe(t)
	go func() {
		_, _ = peer.Write([]byte{'p', IAC})
		_, _ = peer.Write([]byte{DO, OptEcho, 'r', 'e', 's', 's', '|', 'a', '\n'})
	}()

	got, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "press|a", got)
}

// Property: ReadFrame strips exactly what FilterIAC strips.
func TestPropertyReadFrameMatchesFilterIAC(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var input []byte
		for _, kind := range rapid.SliceOfN(rapid.IntRange(0, 3), 0, 12).Draw(t, "parts") {
			switch kind {
			case 0:
				input = append(input, rapid.StringMatching(`[a-z|]{1,6}`).Draw(t, "text")...)
			case 1:
				verb := rapid.SampledFrom([]byte{WILL, WONT, DO, DONT}).Draw(t, "verb")
				input = append(input, IAC, verb, rapid.Byte().Draw(t, "option"))
			case 2:
				body := rapid.SliceOfN(rapid.ByteRange(0, IAC-1), 0, 6).Draw(t, "body")
				input = append(append(append(input, IAC, SB), body...), IAC, SE)
			case 3:
				input = append(input, IAC, IAC)
			}
		}

		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		conn := NewConn(server, 2*time.Second, 0)
		go func() {
			_, _ = client.Write(append(append([]byte{}, input...), '\r', '\n'))
		}()

		got, err := conn.ReadFrame()
		if err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		if want := string(FilterIAC(input)); got != want {
			t.Fatalf("ReadFrame = %q, FilterIAC = %q", got, want)
		}
	})
}

func TestConn_ReadFrameEOF(t *testing.T) {
	conn, peer := pipe(t)
	go func() {
		_, _ = peer.Write([]byte("press|a\r\npartial"))
		peer.Close()
	}()

	got, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "press|a", got)

	_, err = conn.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_ReadFrameTooLong(t *testing.T) {
	conn, peer := pipe(t)
	feed(t, peer, []byte(strings.Repeat("k", MaxLineBytes+1)+"\r\n"))

	_, err := conn.ReadFrame()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestConn_ReadTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	conn := NewConn(server, 50*time.Millisecond, 0)

	_, err := conn.ReadFrame()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestConn_WriteFrameAndNegotiate(t *testing.T) {
	conn, peer := pipe(t)
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 0, 64)
		tmp := make([]byte, 64)
		for len(buf) < 3+len("idIsSet|room1\r\n") {
			n, err := peer.Read(tmp)
			if err != nil {
				break
			}
			buf = append(buf, tmp[:n]...)
		}
		got <- buf
	}()

	require.NoError(t, conn.Negotiate())
	require.NoError(t, conn.WriteFrame("idIsSet|room1"))

	want := append([]byte{IAC, WILL, OptSuppressGoAhead}, "idIsSet|room1\r\n"...)
	select {
	case b := <-got:
		assert.Equal(t, want, b)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading written bytes")
	}
}

func TestConn_CloseTwice(t *testing.T) {
	conn, _ := pipe(t)
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}
