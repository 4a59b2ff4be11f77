// Package ipc serves the router's control socket: a gRPC server on a Unix
// domain socket exposing per-component health.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tun-router/internal/core"
)

// Health service names reported on the control socket. Overall is the
// empty name, as the gRPC health protocol expects.
const (
	ServiceOverall = ""
	ServiceGateway = "gateway"
	ServiceRouting = "routing"
)

// Services lists every service the server reports, in display order.
var Services = []string{ServiceOverall, ServiceGateway, ServiceRouting}

// Server wraps a gRPC server listening on a Unix domain socket.
type Server struct {
	path     string
	grpc     *grpc.Server
	health   *health.Server
	tracker  *ConnTracker
	listener net.Listener
}

// NewServer creates a control server for socketPath. Every service starts
// NOT_SERVING.
func NewServer(socketPath string, opts ...grpc.ServerOption) *Server {
	tracker := NewConnTracker()
	opts = append(opts,
		grpc.UnaryInterceptor(tracker.UnaryInterceptor()),
		grpc.StreamInterceptor(tracker.StreamInterceptor()),
	)
	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	for _, svc := range Services {
		hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{path: socketPath, grpc: gs, health: hs, tracker: tracker}
}

// SetServing marks service as SERVING or NOT_SERVING.
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
	core.Log.Debugf("IPC", "Service %q -> %s", service, status)
}

// Listen opens the socket, replacing a stale one left by a previous run.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("[IPC] remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("[IPC] listen %s: %w", s.path, err)
	}
	s.listener = ln
	return nil
}

// Serve handles requests until Stop. Listen must have succeeded.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("[IPC] Serve called before Listen")
	}
	core.Log.Infof("IPC", "Control socket listening on %s", s.path)
	if err := s.grpc.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("[IPC] serve: %w", err)
	}
	return nil
}

// Stop marks everything NOT_SERVING, stops the server and removes the socket.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	os.Remove(s.path)
	core.Log.Infof("IPC", "Control socket closed (%d requests served, %d in flight)",
		s.tracker.Served(), s.tracker.ActiveCount())
}
