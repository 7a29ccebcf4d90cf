// ABOUTME: Launcher for services managed outside the gateway.
// ABOUTME: Start is a no-op; readiness is decided by the probe alone.

package launcher

import (
	"context"
	"log/slog"

	"github.com/2389/fleet-gateway/internal/graph"
)

// External treats the service as already running elsewhere.
type External struct {
	logger *slog.Logger
}

// NewExternal creates an external launcher.
func NewExternal(logger *slog.Logger) *External {
	return &External{logger: logger.With("component", "launcher.external")}
}

// Start returns a handle that only exits when stopped.
func (e *External) Start(ctx context.Context, desc graph.ServiceDescriptor, _ map[string]string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.logger.Debug("service managed externally", "service", desc.Name, "address", desc.Address)
	return &externalProcess{exitState: newExitState()}, nil
}

type externalProcess struct {
	*exitState
}

func (p *externalProcess) Stop(context.Context) error {
	p.finish(0, nil)
	return nil
}
