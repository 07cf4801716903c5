package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WillPangZi/tinyproxy/pkg/log"
)

const drainTimeout = 5 * time.Second

type relayResult struct {
	toServer int64
	toClient int64
	idle     bool
}

// direction is one half of the relay: a source socket, a destination socket,
// and at most MaxBuffSize of in-flight bytes.
type direction struct {
	src    net.Conn
	dst    net.Conn
	prefix []byte

	copied  int64
	pending []byte
	err     error
}

// relay shuttles bytes between client and server until either peer closes,
// a transport error occurs, or no byte moves in either direction for the
// idle timeout. Bytes already buffered by the protocol stages are replayed
// first so nothing is lost entering the opaque phase.
func (s *Server) relay(ctx context.Context, conn *Conn) relayResult {
	logger := log.FromContext(ctx)
	idle := s.opts.Timeout.Idle

	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	var closed atomic.Bool
	var timedOut atomic.Bool
	var stopOnce sync.Once

	// stop unblocks both loops by expiring every deadline. The final drain
	// re-arms what it needs.
	stop := func() {
		stopOnce.Do(func() {
			closed.Store(true)
			now := time.Now()
			_ = conn.client.SetDeadline(now)
			_ = conn.server.SetDeadline(now)
		})
	}

	toServer := &direction{src: conn.client, dst: conn.server, prefix: leftover(conn.reader)}
	toClient := &direction{src: conn.server, dst: conn.client, prefix: leftover(conn.serverReader)}

	var wg sync.WaitGroup
	for _, d := range []*direction{toServer, toClient} {
		wg.Add(1)
		go func(d *direction) {
			defer wg.Done()
			d.run(idle, &lastActive, &closed, &timedOut, stop)
		}(d)
	}
	wg.Wait()

	if timedOut.Load() {
		logger.Debug("relay: idle timeout reached", "idle", idle.String())
	}

	// Best-effort drain, each remainder to its intended destination, the
	// server-to-client buffer first.
	deadline := time.Now().Add(drainTimeout)
	if len(toClient.pending) > 0 {
		_ = conn.client.SetWriteDeadline(deadline)
		if n, err := conn.client.Write(toClient.pending); err == nil {
			toClient.copied += int64(n)
		}
	}
	if len(toServer.pending) > 0 {
		_ = conn.server.SetWriteDeadline(deadline)
		if n, err := conn.server.Write(toServer.pending); err == nil {
			toServer.copied += int64(n)
		}
	}

	return relayResult{
		toServer: toServer.copied,
		toClient: toClient.copied,
		idle:     timedOut.Load(),
	}
}

func (d *direction) run(idle time.Duration, lastActive *atomic.Int64, closed, timedOut *atomic.Bool, stop func()) {
	sinceActive := func() time.Duration {
		return time.Duration(time.Now().UnixNano() - lastActive.Load())
	}

	if len(d.prefix) > 0 {
		n, err := d.dst.Write(d.prefix)
		d.copied += int64(n)
		if err != nil {
			d.pending = append([]byte(nil), d.prefix[n:]...)
			d.err = err
			stop()
			return
		}
		lastActive.Store(time.Now().UnixNano())
	}

	buf := make([]byte, MaxBuffSize)

	for {
		if closed.Load() {
			return
		}

		remaining := idle - sinceActive()
		if remaining <= 0 {
			timedOut.Store(true)
			stop()
			return
		}
		_ = d.src.SetReadDeadline(time.Now().Add(remaining))

		n, err := d.src.Read(buf)
		if n > 0 {
			lastActive.Store(time.Now().UnixNano())

			nw, werr := d.dst.Write(buf[:n])
			d.copied += int64(nw)
			if werr != nil {
				if nw < n {
					d.pending = append([]byte(nil), buf[nw:n]...)
				}
				d.err = werr
				stop()
				return
			}
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if closed.Load() {
					return
				}
				if sinceActive() > idle {
					timedOut.Store(true)
					stop()
					return
				}
				continue
			}

			// EOF or hard transport error ends the whole relay.
			d.err = err
			stop()
			return
		}
	}
}
