package proxy

import (
	"bufio"
	"net"
)

const (
	PackageName = "tinyproxy"
	Version     = "0.9.0"

	// MaxBuffSize bounds every relay buffer, body-forward chunk, and
	// protocol line read from either peer.
	MaxBuffSize = 96 * 1024
)

type httpVersion struct {
	major int
	minor int
}

// Conn carries the per-connection state through the pipeline. It is owned by
// a single worker goroutine and needs no locking.
type Conn struct {
	client net.Conn
	server net.Conn

	// reader wraps the client socket for all pre-relay stages. Bytes it has
	// buffered past the headers are handed to the relay via leftover().
	reader       *bufio.Reader
	serverReader *bufio.Reader

	requestLine   string
	version       httpVersion
	connectMethod bool

	// responseSent latches once any HTTP status line has been written to the
	// client. Every later stage checks it before writing.
	responseSent bool

	peerIP string
}

func newConn(client net.Conn) *Conn {
	c := &Conn{
		client:  client,
		reader:  bufio.NewReaderSize(client, MaxBuffSize),
		version: httpVersion{1, 0},
	}

	if host, _, err := net.SplitHostPort(client.RemoteAddr().String()); err == nil {
		c.peerIP = host
	}

	return c
}

func (c *Conn) close() {
	_ = c.client.Close()
	if c.server != nil {
		_ = c.server.Close()
	}
}

// leftover drains and returns any bytes r has buffered beyond what the
// protocol stages consumed, so the relay starts with no byte lost.
func leftover(r *bufio.Reader) []byte {
	if r == nil {
		return nil
	}

	n := r.Buffered()
	if n == 0 {
		return nil
	}

	b, err := r.Peek(n)
	if err != nil {
		return nil
	}

	out := make([]byte, n)
	copy(out, b)
	_, _ = r.Discard(n)
	return out
}
