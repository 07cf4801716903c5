// Package proxy implements the connection-handling core of a small HTTP/1.0
// forward proxy: request parsing, header rewriting, upstream connection, and
// the bidirectional relay.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/WillPangZi/tinyproxy/pkg/acl"
	"github.com/WillPangZi/tinyproxy/pkg/config"
	"github.com/WillPangZi/tinyproxy/pkg/filter"
	"github.com/WillPangZi/tinyproxy/pkg/stats"
	"github.com/rs/dnscache"
	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
)

// Server accepts client connections and runs one worker goroutine per
// connection. All fields are immutable after New; workers share only the
// statistics counters and the DNS cache, both safe for concurrent use.
type Server struct {
	opts      *config.Options
	acl       *acl.Checker
	filter    *filter.Filter
	stats     *stats.Stats
	resolver  *dnscache.Resolver
	anonymous map[string]struct{}
	hostname  string
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func New(opts config.Options, checker *acl.Checker, f *filter.Filter, st *stats.Stats, logger *slog.Logger) (*Server, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if checker == nil {
		checker, _ = acl.Parse(nil)
	}
	if st == nil {
		st = stats.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	s := &Server{
		opts:     &opts,
		acl:      checker,
		filter:   f,
		stats:    st,
		resolver: &dnscache.Resolver{},
		hostname: hostname,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if len(opts.Anonymous) > 0 {
		s.anonymous = make(map[string]struct{}, len(opts.Anonymous))
		for _, name := range opts.Anonymous {
			s.anonymous[strings.ToLower(name)] = struct{}{}
		}
	}

	return s, nil
}

// ListenAndServe binds the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	if s.opts.ReusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		}
	}

	listener, err := lc.Listen(ctx, "tcp", s.opts.Bind)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is done. MaxClients is
// enforced by capping concurrently accepted connections.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.opts.MaxClients > 0 {
		listener = netutil.LimitListener(listener, s.opts.MaxClients)
	}

	s.logger.Info("starting server", "bind", listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		_ = listener.Close()
	}()

	// refresh the dns cache periodically so long-lived processes track
	// address changes
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				s.resolver.Refresh(true)
				s.logger.Debug("dns cache refreshed")
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isStopped() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		go s.handle(ctx, conn)
	}
}

// Shutdown stops accepting; in-flight workers finish on their own timeouts.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Server) isStopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
