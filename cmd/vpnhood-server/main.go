// Command vpnhood-server runs the VPN session core: a raw TCP Client
// Stream listener plus an admin gRPC surface, wired the way the
// teacher's service/router_go/main.go assembles its session store,
// gRPC server, and graceful-shutdown drain loop.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/vpnhood/vpnhood-go/internal/accessbackend/memory"
	"github.com/vpnhood/vpnhood-go/internal/accessbackend/postgres"
	"github.com/vpnhood/vpnhood-go/internal/adminrpc"
	"github.com/vpnhood/vpnhood-go/internal/clientstream"
	"github.com/vpnhood/vpnhood-go/internal/session"
	"github.com/vpnhood/vpnhood-go/internal/tracker"
	"github.com/vpnhood/vpnhood-go/internal/vpnconfig"
	"github.com/vpnhood/vpnhood-go/internal/vpnlog"
	"github.com/vpnhood/vpnhood-go/internal/vpnmetrics"
	"github.com/vpnhood/vpnhood-go/internal/wire"
)

var (
	adminPort       = flag.Int("admin-port", 8018, "Admin gRPC server port")
	backendKind     = flag.String("access-backend", "memory", "Access backend: memory or postgres")
	trackerKind     = flag.String("tracker", "noop", "Event tracker: noop or redis")
	shutdownTimeout = flag.Duration("shutdown-timeout", 60*time.Second, "Graceful shutdown drain timeout")
)

func main() {
	logConfig := vpnlog.RegisterFlags()
	coreFlags := vpnconfig.RegisterFlags()
	metricsFlags := vpnmetrics.RegisterFlags()
	pgFlags := postgres.RegisterFlags()
	trackerFlags := tracker.RegisterFlags()
	flag.Parse()

	logger := vpnlog.Init("vpnhood-server", logConfig.ToConfig())
	config := coreFlags.ToConfig()

	if err := vpnmetrics.Init(metricsFlags.ToConfig("vpnhood-server")); err != nil {
		logger.Error("failed to init metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer vpnmetrics.Get().Shutdown(context.Background())

	backend, closeBackend, err := buildAccessBackend(context.Background(), *backendKind, pgFlags, logger)
	if err != nil {
		logger.Error("failed to init access backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeBackend()

	evtTracker, closeTracker, err := buildTracker(context.Background(), *trackerKind, trackerFlags, logger)
	if err != nil {
		logger.Error("failed to init tracker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeTracker()

	manager := session.NewManager(config, backend, evtTracker, logger)
	defer manager.Dispose()

	pool := clientstream.NewPool(30 * time.Second)
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		manager.RunReaper(gctx)
		return nil
	})

	g.Go(func() error {
		return serveDataListener(gctx, config, manager, pool, logger)
	})

	g.Go(func() error {
		return serveAdmin(gctx, manager, logger)
	})

	if config.WSListenAddr != "" {
		g.Go(func() error {
			return serveWebSocketListener(gctx, config, manager, logger)
		})
	}

	logger.Info("vpnhood-server started",
		slog.String("listen_addr", config.ListenAddr),
		slog.Int("admin_port", *adminPort),
		slog.String("access_backend", *backendKind),
		slog.String("tracker", *trackerKind),
		slog.String("ws_listen_addr", config.WSListenAddr),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("vpnhood-server shut down cleanly")
}

func buildAccessBackend(ctx context.Context, kind string, pgFlags *postgres.FlagPointers, logger *slog.Logger) (session.AccessBackend, func(), error) {
	switch kind {
	case "postgres":
		backend, err := postgres.New(ctx, pgFlags.ToConfig(), logger)
		if err != nil {
			return nil, func() {}, err
		}
		return backend, backend.Close, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func buildTracker(ctx context.Context, kind string, flags *tracker.FlagPointers, logger *slog.Logger) (session.Tracker, func(), error) {
	switch kind {
	case "redis":
		t, err := tracker.NewRedisTracker(ctx, flags.ToConfig(), logger)
		if err != nil {
			return nil, func() {}, err
		}
		return t, func() { t.Close() }, nil
	default:
		return session.NoopTracker{}, func() {}, nil
	}
}

// serveDataListener accepts raw TCP connections, reads the Hello
// handshake, admits a session, and hands the stream off to the
// reuse-capable Client Stream abstraction.
func serveDataListener(ctx context.Context, config vpnconfig.Config, manager *session.Manager, pool *clientstream.Pool, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", config.ListenAddr, err)
	}

	if config.TLSCertFile != "" && config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS credentials: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go handleConnection(ctx, conn, config, manager, pool, logger)
	}
}

func serveAdmin(ctx context.Context, manager *session.Manager, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *adminPort))
	if err != nil {
		return fmt.Errorf("listen admin port: %w", err)
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
	}
	grpcServer := grpc.NewServer(opts...)
	adminrpc.Register(grpcServer, adminrpc.New(manager, logger))

	go func() {
		<-ctx.Done()
		logger.Info("admin rpc: draining", slog.Duration("timeout", *shutdownTimeout))
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(*shutdownTimeout):
			grpcServer.Stop()
		}
	}()

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serve admin rpc: %w", err)
	}
	return nil
}

// handleConnection reads one Hello handshake, admits a session, and
// keeps the Client Stream alive for reuse once the session disposes it
// (spec §4.4). A production data path would continue on to packet
// forwarding here; that path is out of scope (spec §1).
func handleConnection(ctx context.Context, conn net.Conn, config vpnconfig.Config, manager *session.Manager, pool *clientstream.Pool, logger *slog.Logger) {
	if config.HandshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(config.HandshakeTimeout))
	}

	hello, err := wire.ReadHello(conn)
	if err != nil {
		logger.Warn("failed to read hello", slog.String("error", err.Error()), slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	sess, err := manager.CreateSession(ctx, hello, clientIP)
	if err != nil {
		writeFailureResponse(conn, err, logger)
		conn.Close()
		return
	}

	if err := wire.WriteResponse(conn, wire.Response{Ok: true, SessionID: sess.ID()}); err != nil {
		logger.Warn("failed to write hello response", slog.String("error", err.Error()))
		sess.Dispose()
		conn.Close()
		return
	}

	reuseSink := pool.ReuseSinkFor(sess.AccessController().AccessID().String(), config.ReuseRateLimitBPS)
	stream := clientstream.New(fmt.Sprintf("session-%d", sess.ID()), conn, reuseSink, logger)

	// Packet I/O is delegated to the data-plane module (spec §1 Out of
	// scope); here we just hold the stream open until the session ends.
	for !sess.IsDisposed() {
		if sess.UpdateStatus() {
			break
		}
		time.Sleep(time.Second)
	}
	stream.Dispose(true)
}

// serveWebSocketListener runs the second Client Stream listener (spec
// §3): it upgrades incoming HTTP requests to WebSocket connections and
// admits sessions the same way serveDataListener does, but frames the
// stream with the non-reuse-capable WebSocket framing instead of the
// default HTTP framing, for clients behind an HTTP-only egress path.
func serveWebSocketListener(ctx context.Context, config vpnconfig.Config, manager *session.Manager, logger *slog.Logger) error {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocketConnection(r.Context(), upgrader, w, r, config, manager, logger)
	})

	srv := &http.Server{Addr: config.WSListenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve websocket listener: %w", err)
	}
	return nil
}

// handleWebSocketConnection mirrors handleConnection's admission flow
// over an upgraded WebSocket connection. WebSocket streams never
// support reuse (wsFramed.SupportsReuse), so no reuse pool is involved.
func handleWebSocketConnection(ctx context.Context, upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, config vpnconfig.Config, manager *session.Manager, logger *slog.Logger) {
	framed, conn, err := clientstream.UpgradeFramed(upgrader, w, r)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	if config.HandshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(config.HandshakeTimeout))
	}

	hello, err := wire.ReadHello(framed)
	if err != nil {
		logger.Warn("failed to read hello over websocket", slog.String("error", err.Error()))
		framed.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	sess, err := manager.CreateSession(ctx, hello, clientIP)
	if err != nil {
		writeWSFailureResponse(framed, err, logger)
		framed.Close()
		return
	}

	if err := wire.WriteResponse(framed, wire.Response{Ok: true, SessionID: sess.ID()}); err != nil {
		logger.Warn("failed to write hello response over websocket", slog.String("error", err.Error()))
		sess.Dispose()
		framed.Close()
		return
	}

	stream := clientstream.NewWithFramed(fmt.Sprintf("session-%d", sess.ID()), conn, framed, nil, logger)

	// Packet I/O is delegated to the data-plane module (spec §1 Out of
	// scope); here we just hold the stream open until the session ends.
	for !sess.IsDisposed() {
		if sess.UpdateStatus() {
			break
		}
		time.Sleep(time.Second)
	}
	stream.Dispose(false)
}

func writeWSFailureResponse(framed clientstream.Framed, err error, logger *slog.Logger) {
	var sessErr *session.SessionError
	if !errors.As(err, &sessErr) {
		logger.Error("unexpected admission error", slog.String("error", err.Error()))
		return
	}

	resp := wire.Response{
		Ok:           false,
		ResponseCode: sessErr.Code,
		Message:      sessErr.Message,
	}
	if sessErr.Usage != nil {
		resp.AccessUsage = *sessErr.Usage
	}
	if sessErr.SuppressedByClientID != nil {
		resp.HasSuppressor = true
		resp.SuppressedBy = sessErr.SuppressedBy
		resp.SuppressedByClientID = *sessErr.SuppressedByClientID
	}
	if writeErr := wire.WriteResponse(framed, resp); writeErr != nil {
		logger.Warn("failed to write failure response over websocket", slog.String("error", writeErr.Error()))
	}
}

func writeFailureResponse(conn net.Conn, err error, logger *slog.Logger) {
	var sessErr *session.SessionError
	if !errors.As(err, &sessErr) {
		logger.Error("unexpected admission error", slog.String("error", err.Error()))
		return
	}

	resp := wire.Response{
		Ok:           false,
		ResponseCode: sessErr.Code,
		Message:      sessErr.Message,
	}
	if sessErr.Usage != nil {
		resp.AccessUsage = *sessErr.Usage
	}
	if sessErr.SuppressedByClientID != nil {
		resp.HasSuppressor = true
		resp.SuppressedBy = sessErr.SuppressedBy
		resp.SuppressedByClientID = *sessErr.SuppressedByClientID
	}
	if writeErr := wire.WriteResponse(conn, resp); writeErr != nil {
		logger.Warn("failed to write failure response", slog.String("error", writeErr.Error()))
	}
}
