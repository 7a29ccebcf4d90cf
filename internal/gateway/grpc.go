// ABOUTME: grpc.health.v1 service reporting per-service readiness of the fleet
// ABOUTME: Mirrors orchestrator transitions; the empty service name reports the whole fleet

package gateway

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/fleet-gateway/internal/orchestrator"
)

// newGRPCServer creates the gRPC server that carries the health service.
func newGRPCServer(hs *health.Server) *grpc.Server {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// healthReporter keeps a health.Server in step with service states.
type healthReporter struct {
	server *health.Server
	fleet  Fleet
	events EventSource
	logger *slog.Logger
}

func servingStatus(ready bool) healthpb.HealthCheckResponse_ServingStatus {
	if ready {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// sync sets every service's status and the overall status from a snapshot.
func (h *healthReporter) sync(snap orchestrator.Status) {
	for name, svc := range snap.Services {
		h.server.SetServingStatus(name, servingStatus(svc.State == orchestrator.StateReady))
	}
	h.server.SetServingStatus("", servingStatus(len(snap.Services) > 0 && len(snap.NotReady()) == 0))
}

// run applies transitions until ctx is done or the event source closes.
func (h *healthReporter) run(ctx context.Context) {
	events, _ := h.events.Subscribe(ctx, orchestrator.AllServices)
	h.sync(h.fleet.Snapshot())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.server.SetServingStatus(ev.Service, servingStatus(ev.To == orchestrator.StateReady))
			snap := h.fleet.Snapshot()
			h.server.SetServingStatus("", servingStatus(len(snap.NotReady()) == 0))
			h.logger.Debug("health status updated", "service", ev.Service, "state", ev.To)
		}
	}
}
