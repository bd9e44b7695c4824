// Package server hosts the gRPC ops surface: the standard health service and
// reflection, used by deploy tooling and load balancers. The protocol itself
// has no RPC surface — it is driven by the transport consumer.
package server

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const serviceName = "bridgeledger"

// OpsServer is the gRPC health + reflection listener.
type OpsServer struct {
	addr   string
	server *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

func NewOpsServer(addr string, log zerolog.Logger) *OpsServer {
	s := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)
	reflection.Register(s)

	return &OpsServer{
		addr:   addr,
		server: s,
		health: h,
		log:    log.With().Str("component", "ops-server").Logger(),
	}
}

// SetServing flips the health service between SERVING and NOT_SERVING.
func (s *OpsServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(serviceName, status)
	s.health.SetServingStatus("", status)
}

// Start serves until ctx is cancelled, then stops gracefully.
func (s *OpsServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	s.log.Info().Str("addr", s.addr).Msg("grpc ops server listening")
	if err := s.server.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
