package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/WillPangZi/tinyproxy/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureClient(t *testing.T, conn *Conn, fn func()) string {
	t.Helper()

	clientIn, clientOut := net.Pipe()
	conn.client = clientIn
	conn.reader = bufio.NewReader(clientIn)

	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(&out, clientOut)
		close(done)
	}()

	fn()

	_ = clientIn.Close()
	<-done
	return out.String()
}

func TestSendErrorFormat(t *testing.T) {
	s := newTestServer(t, config.Options{})
	conn := &Conn{}

	out := captureClient(t, conn, func() {
		s.sendError(conn, 404, "The request you made has been filtered.")
	})

	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 404 Not Found\r\n"))
	assert.Contains(t, out, "Server: tinyproxy/0.9.0\r\n")
	assert.Contains(t, out, "Content-Type: text/html\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Contains(t, out, "<h1>Not Found</h1>")
	assert.Contains(t, out, "The request you made has been filtered.")
	assert.True(t, conn.responseSent)
}

func TestSendErrorOnlyOnce(t *testing.T) {
	s := newTestServer(t, config.Options{})
	conn := &Conn{}

	out := captureClient(t, conn, func() {
		s.sendError(conn, 400, "first")
		s.sendError(conn, 500, "second")
	})

	assert.Equal(t, 1, strings.Count(out, "HTTP/1.0"))
	assert.Contains(t, out, "400 Bad Request")
	assert.NotContains(t, out, "second")
}

func TestSendErrorEscapesDetail(t *testing.T) {
	s := newTestServer(t, config.Options{})
	conn := &Conn{}

	out := captureClient(t, conn, func() {
		s.sendError(conn, 400, "<script>")
	})

	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")
}

func TestSendConnectEstablished(t *testing.T) {
	s := newTestServer(t, config.Options{})
	conn := &Conn{}

	out := captureClient(t, conn, func() {
		require.NoError(t, s.sendConnectEstablished(conn))
	})

	assert.Equal(t,
		"HTTP/1.0 200 Connection established\r\nProxy-agent: tinyproxy/0.9.0\r\n\r\n",
		out)
	assert.True(t, conn.responseSent)
}

func TestPassServerHeaders(t *testing.T) {
	s := newTestServer(t, config.Options{})
	conn := &Conn{}

	serverIn, serverOut := net.Pipe()
	conn.server = serverIn

	go func() {
		_, _ = serverOut.Write([]byte("HTTP/1.0 200 OK\r\nX-Test: 1\r\n\r\nbody"))
	}()

	out := captureClient(t, conn, func() {
		require.NoError(t, s.passServerHeaders(conn))
	})

	assert.Equal(t, "HTTP/1.0 200 OK\r\nX-Test: 1\r\n\r\n", out)
	assert.True(t, conn.responseSent)

	// the body stays buffered for the relay
	assert.Equal(t, []byte("body"), leftover(conn.serverReader))
}

func TestPassServerHeadersEarlyClose(t *testing.T) {
	s := newTestServer(t, config.Options{})
	conn := &Conn{}

	serverIn, serverOut := net.Pipe()
	conn.server = serverIn

	go func() {
		_, _ = serverOut.Write([]byte("HTTP/1.0 200 OK\r\n"))
		_ = serverOut.Close()
	}()

	out := captureClient(t, conn, func() {
		assert.Error(t, s.passServerHeaders(conn))
	})

	assert.Equal(t, "HTTP/1.0 200 OK\r\n", out)
}
