package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/WillPangZi/tinyproxy/pkg/log"
	"github.com/WillPangZi/tinyproxy/pkg/stats"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// dial opens a blocking TCP connection, resolving hostnames through the
// shared DNS cache and trying each address in turn.
func (s *Server) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.opts.Timeout.Connect}

	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	}

	ips, err := s.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("fail to resolve %s: %w", host, err)
	}

	var lastErr error
	for _, ip := range ips {
		conn, derr := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if derr == nil {
			return conn, nil
		}
		lastErr = derr
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

// connectUpstream attaches the server socket for the parsed request, either
// directly to the origin or through the configured parent proxy, and emits
// the outbound request line. Direct CONNECT emits nothing; the client is
// answered after its headers are consumed.
func (s *Server) connectUpstream(ctx context.Context, conn *Conn, req *Request) error {
	if s.opts.Upstream.Enabled() {
		server, err := s.dial(ctx, s.opts.Upstream.Host, s.opts.Upstream.Port)
		if err != nil {
			s.stats.Update(stats.KindBadConn)
			s.sendError(conn, 404, "Unable to connect to the upstream proxy.")
			return err
		}
		conn.server = server

		if conn.connectMethod {
			req.Path = fmt.Sprintf("%s:%d", req.Host, req.Port)
		} else {
			req.Path = fmt.Sprintf("http://%s:%d%s", req.Host, req.Port, req.Path)
		}

		return s.sendRequestLine(conn, req)
	}

	server, err := s.dial(ctx, req.Host, req.Port)
	if err != nil {
		s.stats.Update(stats.KindBadConn)
		s.sendError(conn, 500, "Unable to connect to the remote server.")
		return err
	}
	conn.server = server

	if conn.connectMethod {
		return nil
	}

	return s.sendRequestLine(conn, req)
}

func (s *Server) sendRequestLine(conn *Conn, req *Request) error {
	if err := s.writeRequestLine(conn, req); err != nil {
		s.stats.Update(stats.KindBadConn)
		s.sendError(conn, 500, "Unable to send the request to the remote server.")
		return err
	}
	return nil
}

// writeRequestLine emits the pinned-version request line and the headers the
// proxy always supplies itself.
func (s *Server) writeRequestLine(conn *Conn, req *Request) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "%s %s HTTP/1.0\r\n", req.Method, req.Path)
	fmt.Fprintf(buf, "Host: %s\r\n", req.Host)
	buf.WriteString("Connection: close\r\n")

	if _, err := conn.server.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("fail to send request line to upstream: %w", err)
	}
	return nil
}

// connectTunnel attaches the fixed redirection target. The channel is opaque
// from the first client byte; the request line is only peeked for logging.
func (s *Server) connectTunnel(ctx context.Context, conn *Conn) error {
	logger := log.FromContext(ctx)

	if line := peekRequestLine(conn.client); line != "" {
		logger.Info("tunnelling request", "line", line)
	}

	server, err := s.dial(ctx, s.opts.Tunnel.Host, s.opts.Tunnel.Port)
	if err != nil {
		s.stats.Update(stats.KindBadConn)
		s.sendError(conn, 404, "Unable to connect to the tunnel target.")
		return err
	}

	conn.server = server
	return nil
}

// peekRequestLine reads up to one request line from the socket without
// consuming it, best effort. Anything other than a readable TCP socket
// yields an empty string.
func peekRequestLine(c net.Conn) string {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return ""
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return ""
	}

	var line string
	_ = raw.Read(func(fd uintptr) bool {
		buf := make([]byte, 512)
		n, _, rerr := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if rerr != nil || n <= 0 {
			return true
		}

		data := buf[:n]
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[:i]
		}
		line = strings.TrimRight(string(data), "\r")
		return true
	})

	return line
}
