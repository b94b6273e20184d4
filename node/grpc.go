package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultGracefulTimeout bounds how long in-flight RPCs may run on shutdown.
const DefaultGracefulTimeout = 30 * time.Second

// GRPCServer wraps a gRPC server carrying the standard health service.
type GRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGRPCServer listens on addr and registers the health service.
func NewGRPCServer(addr string, timeout time.Duration, logger *slog.Logger) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = DefaultGracefulTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		server:   srv,
		listener: lis,
		health:   hs,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Health returns the health service, so callers can publish statuses.
func (s *GRPCServer) Health() *health.Server {
	return s.health
}

// Addr returns the bound address. Useful when listening on port 0.
func (s *GRPCServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until ctx is cancelled or the server fails.
func (s *GRPCServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// GracefulStop waits for active RPCs up to the configured timeout, then
// forces the server down.
func (s *GRPCServer) GracefulStop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("gRPC server stopped")
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful shutdown timed out, forcing stop")
		s.server.Stop()
	}
}
