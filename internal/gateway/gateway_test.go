// ABOUTME: Tests for gateway construction, listeners and graceful shutdown
// ABOUTME: Runs the real HTTP and gRPC listeners on free loopback ports

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/orchestrator"
)

func TestNew_Errors(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(Options{})
		require.Error(t, err)
	})

	t.Run("auth required without secret", func(t *testing.T) {
		cfg := &config.Config{
			Services: []config.ServiceConfig{{Name: "api", Address: "127.0.0.1:1"}},
			Routes:   []config.RouteConfig{{Path: "/", Service: "api", Auth: config.AuthRequired}},
		}
		_, err := New(Options{Config: cfg, Logger: discardLogger()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth required")
	})

	t.Run("route to service without address", func(t *testing.T) {
		cfg := &config.Config{
			Services: []config.ServiceConfig{{Name: "worker"}},
			Routes:   []config.RouteConfig{{Path: "/", Service: "worker"}},
		}
		_, err := New(Options{Config: cfg, Logger: discardLogger()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no address")
	})

	t.Run("weak jwt secret", func(t *testing.T) {
		cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: "short"}}
		_, err := New(Options{Config: cfg, Logger: discardLogger()})
		require.Error(t, err)
	})
}

func TestGateway_RunServesAndShutsDown(t *testing.T) {
	httpAddr := freeAddr(t)
	grpcAddr := freeAddr(t)
	cfg := testConfig(t, fmt.Sprintf(`
server:
  http_addr: %q
  grpc_addr: %q
  drain_period: 200ms
services:
  - name: api
    address: "127.0.0.1:1"
routes:
  - path: /api
    service: api
`, httpAddr, grpcAddr))

	fleet := newFakeFleet("api")
	fleet.set("api", orchestrator.StateReady)
	events := orchestrator.NewBroadcaster(discardLogger())
	defer events.Close()

	gw, err := New(Options{Config: cfg, Fleet: fleet, Events: events, Logger: discardLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	eventually(t, func() bool {
		resp, err := http.Get("http://" + httpAddr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "HTTP listener up")

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "api"})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, "gRPC health reports api serving")

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = http.Get("http://" + httpAddr + "/health")
	assert.Error(t, err, "listener closed after shutdown")
}

func TestGateway_RunFailsOnBusyAddress(t *testing.T) {
	up := newRecordingUpstream(t)
	cfg := testConfig(t, fmt.Sprintf(`
server:
  http_addr: %q
services:
  - name: api
    address: "127.0.0.1:1"
`, hostOf(up.Server)))

	gw, err := New(Options{Config: cfg, Logger: discardLogger()})
	require.NoError(t, err)

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestGateway_ShutdownWithoutRun(t *testing.T) {
	cfg := testConfig(t, `
server:
  drain_period: 50ms
services:
  - name: api
    address: "127.0.0.1:1"
`)
	gw, err := New(Options{Config: cfg, Logger: discardLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))
	// Idempotent.
	require.NoError(t, gw.Shutdown(ctx))
}
