// Package server implements the goacd ConnectRPC status API: session
// snapshots, a server-streaming event feed and gRPC health checking.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"slices"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"

	"github.com/dantte-lp/goacd/internal/acd"
)

// ServiceName is the fully-qualified name of the ACD status service.
const ServiceName = "acd.v1.AcdService"

// HealthServiceName is the service name reported SERVING by the
// grpc.health.v1 endpoint.
const HealthServiceName = ServiceName

// Procedure paths of the AcdService RPCs.
const (
	ListSessionsProcedure = "/" + ServiceName + "/ListSessions"
	GetSessionProcedure   = "/" + ServiceName + "/GetSession"
	WatchEventsProcedure  = "/" + ServiceName + "/WatchEvents"
)

var (
	errInvalidAddress  = errors.New("address must be an IPv4 address")
	errSessionNotFound = errors.New("session not found")
)

// SessionLister returns point-in-time session snapshots.
// Implemented by *acd.Manager.
type SessionLister interface {
	Sessions() []acd.SessionSnapshot
}

// Server implements the AcdService RPCs.
//
// The server is a thin adapter between the ConnectRPC API and the session
// Manager: it never changes session state.
type Server struct {
	sessions SessionLister
	broker   *Broker
	logger   *slog.Logger
}

// New creates the API handler: the AcdService procedures and the
// grpc.health.v1 service, all behind the logging and recovery
// interceptors. opts are appended to the AcdService handler options.
func New(sessions SessionLister, broker *Broker, logger *slog.Logger, opts ...connect.HandlerOption) http.Handler {
	s := &Server{
		sessions: sessions,
		broker:   broker,
		logger:   logger.With(slog.String("component", "server")),
	}

	opts = append([]connect.HandlerOption{
		CodecOption(),
		LoggingInterceptorOption(s.logger),
		RecoveryInterceptorOption(s.logger),
	}, opts...)

	readOpts := append(slices.Clip(opts), connect.WithIdempotency(connect.IdempotencyNoSideEffects))

	mux := http.NewServeMux()
	mux.Handle(ListSessionsProcedure, connect.NewUnaryHandler(
		ListSessionsProcedure, s.ListSessions, readOpts...,
	))
	mux.Handle(GetSessionProcedure, connect.NewUnaryHandler(
		GetSessionProcedure, s.GetSession, readOpts...,
	))
	mux.Handle(WatchEventsProcedure, connect.NewServerStreamHandler(
		WatchEventsProcedure, s.WatchEvents, opts...,
	))

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		HealthServiceName,
	)
	mux.Handle(NewHealthHandler(checker, s.logger))

	return mux
}

// NewHealthHandler returns the grpc.health.v1 handler for checker with the
// logging and recovery interceptors installed.
func NewHealthHandler(checker grpchealth.Checker, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		LoggingInterceptorOption(logger),
		RecoveryInterceptorOption(logger),
	}, opts...)
	return grpchealth.NewHandler(checker, opts...)
}

// ListSessions returns all session snapshots, optionally filtered by
// interface.
func (s *Server) ListSessions(
	_ context.Context,
	req *connect.Request[ListSessionsRequest],
) (*connect.Response[ListSessionsResponse], error) {
	iface := req.Msg.Interface

	snaps := s.sessions.Sessions()
	views := make([]SessionView, 0, len(snaps))
	for _, snap := range snaps {
		if iface != "" && snap.Interface != iface {
			continue
		}
		views = append(views, SessionFromSnapshot(snap))
	}

	return connect.NewResponse(&ListSessionsResponse{Sessions: views}), nil
}

// GetSession returns the snapshot of the session claiming the requested
// address on the requested interface.
func (s *Server) GetSession(
	_ context.Context,
	req *connect.Request[GetSessionRequest],
) (*connect.Response[GetSessionResponse], error) {
	addr, err := netip.ParseAddr(req.Msg.Address)
	if err != nil || !addr.Is4() {
		return nil, connect.NewError(connect.CodeInvalidArgument, errInvalidAddress)
	}

	for _, snap := range s.sessions.Sessions() {
		if snap.Interface == req.Msg.Interface && snap.Address == addr {
			return connect.NewResponse(&GetSessionResponse{Session: SessionFromSnapshot(snap)}), nil
		}
	}

	return nil, connect.NewError(connect.CodeNotFound, errSessionNotFound)
}

// WatchEvents streams StateChanges until the client goes away or the
// broker shuts down.
func (s *Server) WatchEvents(
	ctx context.Context,
	req *connect.Request[WatchEventsRequest],
	stream *connect.ServerStream[EventView],
) error {
	iface := req.Msg.Interface

	events, cancel := s.broker.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sc, ok := <-events:
			if !ok {
				return nil
			}
			if iface != "" && sc.Interface != iface {
				continue
			}
			ev := EventFromStateChange(sc)
			if err := stream.Send(&ev); err != nil {
				s.logger.DebugContext(ctx, "event stream send failed", slog.String("error", err.Error()))
				return nil
			}
		}
	}
}
