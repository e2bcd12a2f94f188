package server

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ListService is the health service name reported for one job list.
func ListService(list string) string { return "uws.JobList/" + list }

// HealthServer exposes grpc.health.v1 for the engine and each job list.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	lists  []string
	log    *slog.Logger
}

// NewHealth creates a health server reporting NOT_SERVING until
// SetServing(true) is called.
func NewHealth(lists []string, log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	h := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		lists:  append([]string(nil), lists...),
		log:    log,
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	reflection.Register(h.grpc)
	h.SetServing(false)
	return h
}

// SetServing flips the overall status and every list status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	for _, l := range h.lists {
		h.health.SetServingStatus(ListService(l), status)
	}
}

// Serve blocks serving on lis until Stop.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info("gRPC health service listening", "addr", lis.Addr().String())
	return h.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING, then stops gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
