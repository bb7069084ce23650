package server

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/keyrelay/internal/config"
)

// HealthServer exposes the standard gRPC health checking service. The overall
// status ("") and the named service both report SERVING until Stop.
type HealthServer struct {
	cfg     config.HealthConfig
	service string
	logger  *zap.Logger

	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthServer creates a HealthServer for the named service.
//
// Precondition: logger must be non-nil.
func NewHealthServer(cfg config.HealthConfig, service string, logger *zap.Logger) *HealthServer {
	h := health.NewServer()
	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, h)
	return &HealthServer{
		cfg:     cfg,
		service: service,
		logger:  logger,
		grpc:    g,
		health:  h,
	}
}

// Start listens on cfg.Addr() and serves until Stop.
func (s *HealthServer) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(s.service, healthpb.HealthCheckResponse_SERVING)

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))

	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop reports NOT_SERVING to watchers and stops the gRPC server.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Addr returns the bound address, or empty string before Start.
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
