package clientstream

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsFramed frames the stream as a sequence of WebSocket binary messages,
// mirroring the teacher's wsForwarder (runtime/cmd/ctrl/forward_ws.go).
// It never supports reuse: a WebSocket connection is its own full
// duplex session and closing one frame's logical conversation means
// closing the socket (spec §4.4 lists only the HTTP-framed variant as
// reuse-capable).
type wsFramed struct {
	conn    *websocket.Conn
	pending []byte
}

// newWSFramed wraps an already-upgraded WebSocket connection.
func newWSFramed(conn *websocket.Conn) *wsFramed {
	return &wsFramed{conn: conn}
}

func (f *wsFramed) Read(p []byte) (int, error) {
	for len(f.pending) == 0 {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		f.pending = data
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *wsFramed) Write(p []byte) (int, error) {
	if err := f.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *wsFramed) Close() error {
	return f.conn.Close()
}

func (f *wsFramed) SupportsReuse() bool { return false }

func (f *wsFramed) CreateReuse() (Framed, error) {
	return nil, errNoReuse
}

// UpgradeFramed upgrades an HTTP request to a WebSocket connection and
// wraps it as a Framed, for the listener that admits clients behind an
// HTTP-only egress path (spec §3's second, non-reuse-capable framing).
// The returned net.Conn is the WebSocket's underlying transport, usable
// by callers (e.g. the liveness check in Stream.Dispose); the framing
// itself never offers it back for reuse.
func UpgradeFramed(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (Framed, net.Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, err
	}
	return newWSFramed(conn), conn.UnderlyingConn(), nil
}
