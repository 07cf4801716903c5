package proxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"runtime/debug"
	"strings"
	"time"

	"github.com/WillPangZi/tinyproxy/pkg/log"
	"github.com/WillPangZi/tinyproxy/pkg/stats"
)

// handle runs the whole pipeline for one accepted connection. The stages run
// in a fixed order; error paths send at most one status line, drain what the
// client already committed to sending, and fall through to teardown.
func (s *Server) handle(ctx context.Context, clientConn net.Conn) {
	logger := s.logger.With("peer", clientConn.RemoteAddr().String())
	ctx = log.NewContext(ctx, logger)

	conn := newConn(clientConn)
	defer conn.close()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("proxy: panic recovered", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	s.stats.Update(stats.KindOpen)
	start := time.Now()

	if !s.allowPeer(conn) {
		s.stats.Update(stats.KindDenied)
		s.sendError(conn, 403, "The administrator of this proxy has not configured it to service requests from your host.")
		drainHeaders(conn.reader)
		return
	}

	// fixed tunnel: opaque from the first client byte
	if s.opts.Tunnel.Enabled() {
		if err := s.connectTunnel(ctx, conn); err != nil {
			logger.Warn("fail to establish tunnel", "error", err)
			drainHeaders(conn.reader)
			return
		}

		res := s.relay(ctx, conn)
		logger.Info("tunnel closed",
			"bytes_sent", res.toServer,
			"bytes_received", res.toClient,
			"duration", time.Since(start).String())
		return
	}

	line, err := readRequestLine(conn.reader)
	if err != nil {
		s.stats.Update(stats.KindBadConn)
		if errors.Is(err, errLineTooLong) {
			s.sendError(conn, 400, "The request line is too long.")
			drainHeaders(conn.reader)
		}
		logger.Debug("fail to read request line", "error", err)
		return
	}
	conn.requestLine = line
	logger.Debug("request", "line", line)

	req, err := parseRequest(conn, line)
	if err != nil {
		s.stats.Update(stats.KindBadConn)
		s.sendError(conn, 400, requestErrorDetail(err))
		drainHeaders(conn.reader)
		return
	}

	if s.opts.StatHost != "" && strings.EqualFold(req.Host, s.opts.StatHost) {
		s.sendStatsPage(conn)
		drainHeaders(conn.reader)
		return
	}

	if s.filter != nil && s.filter.Match(req.Host) {
		s.stats.Update(stats.KindDenied)
		s.sendError(conn, 404, "The request you made has been filtered.")
		_ = s.processClientHeaders(conn, req)
		return
	}

	if err := s.connectUpstream(ctx, conn, req); err != nil {
		logger.Warn("fail to connect upstream", "error", err, "host", req.Host, "port", req.Port)
		_ = s.processClientHeaders(conn, req)
		return
	}

	if err := s.processClientHeaders(conn, req); err != nil {
		s.stats.Update(stats.KindBadConn)
		logger.Debug("fail to process client headers", "error", err)
		return
	}
	if conn.responseSent {
		return
	}

	s.stats.Update(stats.KindRequest)

	if conn.connectMethod && !s.opts.Upstream.Enabled() {
		if err := s.sendConnectEstablished(conn); err != nil {
			logger.Debug("fail to answer connect", "error", err)
			return
		}
	} else {
		if err := s.passServerHeaders(conn); err != nil {
			s.stats.Update(stats.KindBadConn)
			logger.Debug("fail to pass response headers", "error", err)
			return
		}
	}

	res := s.relay(ctx, conn)
	logger.Info("connection closed",
		"method", req.Method,
		"host", req.Host,
		"port", req.Port,
		"bytes_sent", res.toServer,
		"bytes_received", res.toClient,
		"idle_timeout", res.idle,
		"duration", time.Since(start).String())
}

func (s *Server) allowPeer(conn *Conn) bool {
	addrPort, err := netip.ParseAddrPort(conn.client.RemoteAddr().String())
	if err != nil {
		// non-IP transports (tests, unix sockets) are only subject to the
		// empty-ruleset default
		return s.acl.Empty()
	}
	return s.acl.Allow(addrPort.Addr())
}

func requestErrorDetail(err error) string {
	switch {
	case errors.Is(err, ErrUnknownURLType):
		return "Unknown URL type."
	case errors.Is(err, ErrBadURL):
		return "The URL could not be parsed."
	default:
		return "The request line could not be parsed."
	}
}
