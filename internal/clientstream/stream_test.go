package clientstream

import (
	"net"
	"testing"
	"time"
)

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

// dialPair returns a connected (serverSide, clientSide) net.Conn pair
// over a real loopback TCP socket, since isAlive requires a *net.TCPConn.
func dialPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	l := listenLocal(t)
	defer l.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			acceptCh <- nil
			return
		}
		acceptCh <- c
	}()

	clientConn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverConn := <-acceptCh
	if serverConn == nil {
		t.Fatal("accept failed")
	}
	return serverConn, clientConn
}

func TestStream_Dispose_Terminal_ClosesSocket(t *testing.T) {
	t.Parallel()
	server, client := dialPair(t)
	defer client.Close()

	s := New("stream-1", server, nil, nil)
	s.Dispose(false)

	if !s.IsDisposed() {
		t.Fatal("stream should be disposed")
	}
	// Reading on the peer should now fail or EOF since server closed its end.
	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Error("expected read error/EOF on peer after terminal close")
	}
}

func TestStream_Dispose_Idempotent(t *testing.T) {
	t.Parallel()
	server, client := dialPair(t)
	defer client.Close()

	s := New("stream-2", server, nil, nil)
	s.Dispose(false)
	s.Dispose(false) // must not panic or double-close
	s.Dispose(true)  // still a no-op once disposed
}

func TestStream_Dispose_ReuseInvokedOnAliveSocket(t *testing.T) {
	t.Parallel()
	server, client := dialPair(t)
	defer client.Close()

	invoked := make(chan *Stream, 1)
	sink := func(next *Stream) { invoked <- next }

	s := New("stream-3", server, sink, nil)
	s.Dispose(true)

	select {
	case next := <-invoked:
		if next == nil {
			t.Fatal("reuse sink received nil stream")
		}
		if next.Conn() != server {
			t.Error("reused stream should share the original socket")
		}
	case <-time.After(time.Second):
		t.Fatal("reuse sink was never invoked")
	}
}

func TestStream_Dispose_NoReuseWithoutSink(t *testing.T) {
	t.Parallel()
	server, client := dialPair(t)
	defer client.Close()

	s := New("stream-4", server, nil, nil)
	s.Dispose(true) // allowReuse true, but no sink supplied: must close terminally

	if !s.IsDisposed() {
		t.Fatal("stream should be disposed")
	}
}

func TestStream_Dispose_BrokenSocketFallsBackToClose(t *testing.T) {
	t.Parallel()
	server, client := dialPair(t)
	client.Close() // break the peer so isAlive observes EOF/error

	time.Sleep(50 * time.Millisecond)

	invoked := false
	sink := func(*Stream) { invoked = true }

	s := New("stream-5", server, sink, nil)
	s.Dispose(true)

	if invoked {
		t.Error("reuse sink must not be invoked on a broken socket")
	}
	if !s.IsDisposed() {
		t.Fatal("stream should be disposed")
	}
}
