package clientstream

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

var errNoReuse = errors.New("clientstream: framing does not support reuse")

// ReuseSink receives a freshly produced Stream sharing a prior
// connection's socket (spec §4.4 reuse_sink). Invoked asynchronously and
// at most once per disposal.
type ReuseSink func(*Stream)

// Stream is the Client Stream of spec §4.4: one TCP socket plus a
// framing layer, with an idempotent disposal that may hand the socket
// off to a freshly produced Stream instead of closing it.
type Stream struct {
	id        string
	conn      net.Conn
	framed    Framed
	reuseSink ReuseSink
	logger    *slog.Logger

	mu       sync.Mutex
	disposed bool
}

// New wraps an accepted TCP connection in the default (HTTP) framing. reuseSink may be nil, meaning reuse is never attempted
// regardless of a caller's request (spec §4.4: "a reuse_sink was
// supplied" is one of the four reuse preconditions).
func New(id string, conn net.Conn, reuseSink ReuseSink, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		id:        id,
		conn:      conn,
		framed:    newHTTPFramed(conn, nil),
		reuseSink: reuseSink,
		logger:    logger,
	}
}

// NewWithFramed wraps conn in an explicitly chosen Framed implementation
// instead of the default HTTP one, e.g. wsFramed for a
// connection that has already been upgraded to a WebSocket (spec §3:
// framing is selectable per listener).
func NewWithFramed(id string, conn net.Conn, framed Framed, reuseSink ReuseSink, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		id:        id,
		conn:      conn,
		framed:    framed,
		reuseSink: reuseSink,
		logger:    logger,
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() string { return s.id }

// Framed exposes the current framing layer for reading/writing payload.
func (s *Stream) Framed() Framed { return s.framed }

// Conn exposes the underlying socket, e.g. for bandwidth-limited wrapping.
func (s *Stream) Conn() net.Conn { return s.conn }

// isAlive implements spec §4.4's liveness check: the TCP endpoint
// reports "connected" and a zero-timeout poll for error state returns
// false. Any exception during the check reports "not alive"
// (conservative). No library in the example corpus wraps a raw
// MSG_PEEK/poll-for-error check on an *os.File-backed net.Conn; this is
// the one place the core reaches past net.Conn to golang.org/x/sys/unix.
func isAlive(conn net.Conn) bool {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return true // non-TCP test doubles: assume alive, nothing to peek
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return false
	}

	alive := true
	buf := make([]byte, 1)
	controlErr := rawConn.Read(func(fd uintptr) bool {
		n, _, err := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == nil && n == 0:
			alive = false // peer sent EOF
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			// no data waiting, but the socket itself is fine
		case err != nil:
			alive = false
		}
		return true
	})
	if controlErr != nil {
		return false
	}
	return alive
}

// Dispose implements the disposal state machine of spec §4.4. When
// allowReuse is false, or any reuse precondition fails, the socket is
// closed terminally. Otherwise a fresh Stream sharing the socket is
// produced and handed to reuseSink asynchronously; any failure during
// that handoff degrades to terminal close, and the socket is never left
// dangling either way.
func (s *Stream) Dispose(allowReuse bool) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	if allowReuse && s.reuseSink != nil && s.framed.SupportsReuse() && isAlive(s.conn) {
		fresh, err := s.framed.CreateReuse()
		if err != nil {
			s.logger.Warn("client stream reuse failed, closing", slog.String("stream_id", s.id), slog.String("error", err.Error()))
			_ = s.conn.Close()
			return
		}
		next := &Stream{
			id:        s.id,
			conn:      s.conn,
			framed:    fresh,
			reuseSink: s.reuseSink,
			logger:    s.logger,
		}
		go s.reuseSink(next)
		return
	}

	_ = s.conn.Close()
}

// IsDisposed reports whether Dispose has been called.
func (s *Stream) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
