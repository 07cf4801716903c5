package proxy

import (
	"bufio"
	"fmt"
	"html"

	"github.com/valyala/bytebufferpool"
)

var statusReasons = map[int]string{
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	408: "Request Timeout",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

// sendError writes a minimal HTML error page to the client, unless a status
// line has already been sent. It latches responseSent so no later stage can
// emit a second status line.
func (s *Server) sendError(conn *Conn, code int, detail string) {
	if conn.responseSent {
		return
	}

	reason, ok := statusReasons[code]
	if !ok {
		reason = "Internal Server Error"
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "HTTP/1.0 %d %s\r\n", code, reason)
	fmt.Fprintf(buf, "Server: %s/%s\r\n", PackageName, Version)
	buf.WriteString("Content-Type: text/html\r\n")
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")
	fmt.Fprintf(buf, "<html><head><title>%d %s</title></head>\r\n", code, reason)
	buf.WriteString("<body>\r\n")
	fmt.Fprintf(buf, "<h1>%s</h1>\r\n", reason)
	fmt.Fprintf(buf, "<p>%s</p>\r\n", html.EscapeString(detail))
	buf.WriteString("<hr />\r\n")
	fmt.Fprintf(buf, "<p><em>Generated by %s/%s</em></p>\r\n", PackageName, Version)
	buf.WriteString("</body>\r\n</html>\r\n")

	_, _ = conn.client.Write(buf.Bytes())
	conn.responseSent = true
}

// sendConnectEstablished answers a direct CONNECT with the synthetic 200.
func (s *Server) sendConnectEstablished(conn *Conn) error {
	conn.responseSent = true

	msg := fmt.Sprintf("HTTP/1.0 200 Connection established\r\nProxy-agent: %s/%s\r\n\r\n",
		PackageName, Version)

	if _, err := conn.client.Write([]byte(msg)); err != nil {
		return fmt.Errorf("fail to send connect response: %w", err)
	}
	return nil
}

// passServerHeaders copies the upstream's response headers to the client
// verbatim, through and including the blank line. The upstream closing before
// the blank line is an error.
func (s *Server) passServerHeaders(conn *Conn) error {
	if conn.serverReader == nil {
		conn.serverReader = bufio.NewReaderSize(conn.server, MaxBuffSize)
	}

	for {
		line, err := readLine(conn.serverReader)
		if err != nil {
			return fmt.Errorf("fail to read response headers: %w", err)
		}

		conn.responseSent = true

		if _, err := conn.client.Write([]byte(line)); err != nil {
			return fmt.Errorf("fail to relay response headers: %w", err)
		}

		if chomp(line) == "" {
			return nil
		}
	}
}

// sendStatsPage serves the run-time statistics page in place of proxying.
func (s *Server) sendStatsPage(conn *Conn) {
	if conn.responseSent {
		return
	}

	body, err := s.stats.Page(PackageName, Version)
	if err != nil {
		s.sendError(conn, 500, "Unable to render the statistics page.")
		return
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("HTTP/1.0 200 OK\r\n")
	fmt.Fprintf(buf, "Server: %s/%s\r\n", PackageName, Version)
	buf.WriteString("Content-Type: text/html\r\n")
	fmt.Fprintf(buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")
	buf.Write(body)

	_, _ = conn.client.Write(buf.Bytes())
	conn.responseSent = true
}
