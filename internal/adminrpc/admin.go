// Package adminrpc is the gRPC admin/control-plane surface described in
// SPEC_FULL.md §4 (GetSessionInfo/TerminateSession), sitting alongside
// the raw TCP data listener the way the teacher's router_go exposes both
// a data-path gRPC service and a control service on the same server
// (service/router_go/server/server.go, RegisterRouterServices).
package adminrpc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vpnhood/vpnhood-go/internal/session"
)

// SessionInfo is the admin-facing projection of a live Session.
// GetSessionInfo answers NotFound for a disposed session, so IsDisposed
// is true only if the session is disposed between lookup and projection.
type SessionInfo struct {
	SessionID   uint64
	ClientID    uuid.UUID
	ClientIP    string
	IsDisposed  bool
	AccessUsage session.AccessUsage
}

// Server implements the admin control surface over the session.Manager.
// It is registered on the same *grpc.Server as any future data-plane
// RPCs; today it is the only gRPC surface, used for operational
// introspection (spec: "Admin/control surface" in SPEC_FULL.md §4).
type Server struct {
	manager *session.Manager
	logger  *slog.Logger
}

// New constructs a Server bound to manager.
func New(manager *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, logger: logger}
}

// GetSessionInfo reports the current state of one session by id,
// mirroring RouterServer.GetSessionInfo's "no business logic, just
// read the store" shape.
func (s *Server) GetSessionInfo(ctx context.Context, sessionID uint64) (*SessionInfo, error) {
	sess, err := s.manager.GetByID(ctx, sessionID)
	if err != nil {
		var sessErr *session.SessionError
		if errors.As(err, &sessErr) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &SessionInfo{
		SessionID:   sess.ID(),
		ClientID:    sess.ClientID(),
		ClientIP:    sess.ClientIP(),
		IsDisposed:  sess.IsDisposed(),
		AccessUsage: sess.AccessController().Snapshot().Usage,
	}, nil
}

// TerminateSession disposes a session by id, analogous to
// SessionStore.ReleaseSession being exposed as an idempotent admin op.
func (s *Server) TerminateSession(ctx context.Context, sessionID uint64) error {
	sess, err := s.manager.GetByID(ctx, sessionID)
	if err != nil {
		return nil // already gone: terminate is idempotent
	}
	sess.Dispose()
	s.logger.InfoContext(ctx, "session terminated via admin rpc", slog.Uint64("session_id", sessionID))
	return nil
}

// GetSessionInfoRequest/Response and TerminateSessionRequest/Response
// are the gob-encoded admin RPC messages (see codec.go): plain structs,
// no .proto generation.
type GetSessionInfoRequest struct{ SessionID uint64 }
type GetSessionInfoResponse struct {
	Found bool
	Info  SessionInfo
}
type TerminateSessionRequest struct{ SessionID uint64 }
type TerminateSessionResponse struct{}

func (s *Server) handleGetSessionInfo(ctx context.Context, dec func(interface{}) error) (interface{}, error) {
	var req GetSessionInfoRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	info, err := s.GetSessionInfo(ctx, req.SessionID)
	if err != nil {
		return GetSessionInfoResponse{Found: false}, nil
	}
	return GetSessionInfoResponse{Found: true, Info: *info}, nil
}

func (s *Server) handleTerminateSession(ctx context.Context, dec func(interface{}) error) (interface{}, error) {
	var req TerminateSessionRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := s.TerminateSession(ctx, req.SessionID); err != nil {
		return nil, err
	}
	return TerminateSessionResponse{}, nil
}

// serviceDesc describes the admin surface as a grpc.ServiceDesc, the
// way a protoc-generated *_grpc.pb.go file would, but hand-written
// since this surface carries no protobuf schema (see codec.go).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "vpnhood.admin.SessionAdmin",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetSessionInfo",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				return srv.(*Server).handleGetSessionInfo(ctx, dec)
			},
		},
		{
			MethodName: "TerminateSession",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				return srv.(*Server).handleTerminateSession(ctx, dec)
			},
		},
	},
}

// Register attaches the admin surface to grpcServer. Clients must dial
// with grpc.CallContentSubtype("gob") so requests/responses route
// through gobCodec instead of the default protobuf codec.
func Register(grpcServer *grpc.Server, admin *Server) {
	grpcServer.RegisterService(&serviceDesc, admin)
}
