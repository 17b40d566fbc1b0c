// Package clientstream implements the Client Stream (spec §4.4): a TCP
// socket plus a framing layer that supports keep-alive reuse, grounded
// on the teacher's WebSocket forwarder (runtime/cmd/ctrl/forward_ws.go)
// for the bidirectional-copy shape and on hashicorp/nomad's connection
// pool (other_examples) for the reuse/reap lifecycle.
package clientstream

import (
	"bufio"
	"io"
	"net"
)

// Framed is one logical framed byte stream layered on a TCP socket.
// Only the HTTP implementation (httpFramed) supports producing a
// fresh inner stream for reuse; wsFramed does not (spec §4.4: "the
// framing layer supports producing a fresh inner stream, i.e. it is the
// HTTP-framed variant").
type Framed interface {
	io.ReadWriteCloser

	// SupportsReuse reports whether CreateReuse can produce a fresh
	// framed layer on the same socket.
	SupportsReuse() bool

	// CreateReuse produces a new Framed instance that reads/writes the
	// next logical request on the same underlying socket. Must only be
	// called when SupportsReuse() is true.
	CreateReuse() (Framed, error)
}

// httpFramed is the default framing and the only one that supports
// reuse. Read and Write pass bytes through unchanged: no HTTP chunked
// encoding or decoding is applied, and the end of one logical stream is
// not marked on the wire.
type httpFramed struct {
	conn   net.Conn
	reader *bufio.Reader
	writer io.Writer
	closed bool
}

// newHTTPFramed wraps a freshly accepted TCP connection. r is shared
// across reuse generations so bytes buffered but not yet read by the
// prior generation are never lost.
func newHTTPFramed(conn net.Conn, r *bufio.Reader) *httpFramed {
	if r == nil {
		r = bufio.NewReader(conn)
	}
	return &httpFramed{conn: conn, reader: r, writer: conn}
}

func (f *httpFramed) Read(p []byte) (int, error)  { return f.reader.Read(p) }
func (f *httpFramed) Write(p []byte) (int, error) { return f.writer.Write(p) }

func (f *httpFramed) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return nil // the socket itself is closed by the owning Stream, not here
}

func (f *httpFramed) SupportsReuse() bool { return true }

// CreateReuse hands back a new httpFramed sharing the same socket and
// buffered reader, so the next logical request starts at the next
// unread byte (spec §4.4: "Reuse transfers
// ownership... atomically upon disposal").
func (f *httpFramed) CreateReuse() (Framed, error) {
	return newHTTPFramed(f.conn, f.reader), nil
}
