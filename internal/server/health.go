// Package server runs the gRPC side of runguard: the standard health service,
// driven by dependency probes, and reflection for grpcurl.
package server

import (
	"context"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the whole server.
const ServiceName = "runguard.v1.RunGuard"

// Check probes one dependency. A nil error means usable.
type Check func(ctx context.Context) error

// HealthServer serves grpc.health.v1 with statuses derived from Checks.
// The overall ServiceName is SERVING only when every check passes; each
// check is also reported under its own name.
type HealthServer struct {
	grpc    *grpc.Server
	health  *health.Server
	checks  map[string]Check
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthServer creates the gRPC server and registers health and reflection.
func NewHealthServer(checks map[string]Check, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HealthServer{
		grpc: grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle:     5 * time.Minute,
				MaxConnectionAge:      30 * time.Minute,
				MaxConnectionAgeGrace: 10 * time.Second,
				Time:                  30 * time.Second,
				Timeout:               5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		),
		health:  health.NewServer(),
		checks:  checks,
		timeout: 2 * time.Second,
		logger:  logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// Probe runs every check once and publishes the results.
func (s *HealthServer) Probe(ctx context.Context) bool {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.checks[name](cctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
		}
		s.health.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, overall)
	s.health.SetServingStatus("", overall)
	return healthy
}

// Watch probes every interval until ctx is done.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	s.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Serve accepts gRPC connections on lis until Stop.
func (s *HealthServer) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains in-flight RPCs.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
