package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aiox-platform/companion/internal/config"
)

// MemoryService is the health service name reported for semantic memory.
// It is NOT_SERVING while the coordinator runs in keyword-only mode.
const MemoryService = "companion.memory"

const refreshInterval = 10 * time.Second

// GRPCServer exposes grpc.health.v1 for orchestrators and sidecars.
type GRPCServer struct {
	addr   string
	server *grpc.Server
	health *grpchealth.Server
	checks *Checks
}

// NewGRPCServer builds the health server. The overall ("") status follows
// every check; MemoryService follows the "vector" check alone.
func NewGRPCServer(cfg config.GRPCConfig, checks *Checks) *GRPCServer {
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryAuthInterceptor(cfg.APIKey)),
		grpc.StreamInterceptor(StreamAuthInterceptor(cfg.APIKey)),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		server: srv,
		health: hs,
		checks: checks,
	}
}

// Refresh runs the checks once and updates the reported statuses.
func (s *GRPCServer) Refresh(ctx context.Context) {
	report := s.checks.Run(ctx)

	overall := healthpb.HealthCheckResponse_SERVING
	if !report.Healthy() {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)

	memory := healthpb.HealthCheckResponse_NOT_SERVING
	if report[CheckVector] == StatusHealthy {
		memory = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(MemoryService, memory)
}

// Serve listens on the configured address until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled.
func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)
	go s.refreshLoop(ctx)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	slog.Info("starting gRPC health server", "addr", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

func (s *GRPCServer) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
