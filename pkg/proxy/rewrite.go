package proxy

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// Hop-by-hop headers, always stripped before forwarding. The Connection
// header's own tokens are removed separately first.
var hopHeaders = []string{
	"host",
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailers",
	"transfer-encoding",
	"upgrade",
}

// RFC 2616 separators. Any of these delimits a token in a Connection header
// value.
const tokenSeparators = "()<>@,;:\\\"/[]?={} \t"

func splitConnectionTokens(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return strings.ContainsRune(tokenSeparators, r)
	})
}

// processClientHeaders reads the client's headers and, when an upstream is
// attached and the request is not a direct CONNECT, rewrites and forwards
// them. Otherwise the headers are consumed and discarded to clear the
// socket. Any recorded Content-Length body is forwarded (or drained) last.
func (s *Server) processClientHeaders(conn *Conn, req *Request) error {
	headers, err := readHeaders(conn.reader)
	if err != nil {
		return err
	}

	// Tokens named by the Connection header are hop-by-hop too.
	if v, ok := headers.Get("Connection"); ok {
		for _, tok := range splitConnectionTokens(v) {
			headers.Del(tok)
		}
		headers.Del("Connection")
	}

	contentLength := int64(-1)
	if v, ok := headers.Get("Content-Length"); ok {
		if n, perr := strconv.ParseInt(strings.TrimSpace(v), 10, 64); perr == nil {
			contentLength = n
		}
	}

	emit := conn.server != nil && !conn.responseSent &&
		!(conn.connectMethod && !s.opts.Upstream.Enabled())

	if emit {
		buf := bytebufferpool.Get()

		if via, ok := headers.Get("Via"); ok {
			fmt.Fprintf(buf, "Via: %s, %d.%d %s (%s/%s)\r\n",
				via, conn.version.major, conn.version.minor, s.hostname, PackageName, Version)
			headers.Del("Via")
		} else {
			fmt.Fprintf(buf, "Via: %d.%d %s (%s/%s)\r\n",
				conn.version.major, conn.version.minor, s.hostname, PackageName, Version)
		}

		for _, k := range hopHeaders {
			headers.Del(k)
		}

		headers.Each(func(name, value string) {
			if s.anonymous != nil && !s.anonymousAllowed(name) {
				return
			}
			fmt.Fprintf(buf, "%s: %s\r\n", name, value)
		})

		if s.opts.MyDomain != "" {
			fmt.Fprintf(buf, "X-Tinyproxy: %s\r\n", conn.peerIP)
		}

		buf.WriteString("\r\n")

		_, werr := conn.server.Write(buf.Bytes())
		bytebufferpool.Put(buf)
		if werr != nil {
			return fmt.Errorf("fail to send headers to upstream: %w", werr)
		}
	}

	if contentLength >= 0 && !conn.connectMethod {
		return s.forwardBody(conn, contentLength)
	}

	return nil
}

func (s *Server) anonymousAllowed(name string) bool {
	_, ok := s.anonymous[strings.ToLower(name)]
	return ok
}

// forwardBody streams length body bytes from the client. The bytes reach the
// upstream only while no response has pre-empted the exchange; otherwise they
// are read and dropped so the client socket is drained either way. EOF before
// length bytes is an error.
func (s *Server) forwardBody(conn *Conn, length int64) error {
	buf := make([]byte, MaxBuffSize)

	remaining := length
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}

		n, err := conn.reader.Read(buf[:chunk])
		if n > 0 {
			remaining -= int64(n)

			if conn.server != nil && !conn.responseSent {
				if _, werr := conn.server.Write(buf[:n]); werr != nil {
					return fmt.Errorf("fail to forward request body: %w", werr)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}

	return nil
}
